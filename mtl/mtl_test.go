package mtl

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/OpenVisualCloud/go-mtl/anc411"
	"github.com/OpenVisualCloud/go-mtl/config"
	"github.com/OpenVisualCloud/go-mtl/rfc4175"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type immediateResolver struct{}

func (immediateResolver) Resolve(_ context.Context, _ net.IP) (net.HardwareAddr, error) {
	return net.HardwareAddr{0x02, 0, 0, 0, 0, 1}, nil
}

func newLoopbackEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.EngineConfig{
		Ports: []config.PortConfig{{
			PortID:    0,
			PMD:       config.PMDKernelSocket,
			SIPAddr:   net.ParseIP("127.0.0.1"),
			Interface: "lo",
		}},
	}
	e, err := NewEngine(cfg, immediateResolver{}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngineNewPortRejectsDuplicateID(t *testing.T) {
	e := newLoopbackEngine(t)
	portCfg := config.PortConfig{PortID: 0, PMD: config.PMDKernelSocket, SIPAddr: net.ParseIP("127.0.0.1"), Interface: "lo"}
	_, err := e.NewPort(portCfg)
	require.NoError(t, err)

	_, err = e.NewPort(portCfg)
	assert.Error(t, err)
}

func TestVideoTXRXSessionRoundTripsOverLoopback(t *testing.T) {
	e := newLoopbackEngine(t)
	port, err := e.NewPort(config.PortConfig{PortID: 1, PMD: config.PMDKernelSocket, SIPAddr: net.ParseIP("127.0.0.1"), Interface: "lo"})
	require.NoError(t, err)

	const (
		width, height = 32, 4
		dstPort       = 61910
	)
	frame := make([]byte, rfc4175.FrameSize(width, height, rfc4175.YUV422P10LE))
	for i := range frame {
		frame[i] = byte(i)
	}

	delivered := make(chan rfc4175.FrameMeta, 4)
	var deliveredData []byte
	rx, err := port.NewVideoRXSession(VideoRXConfig{
		DstIP:  net.ParseIP("127.0.0.1"),
		DstPort: dstPort,
		Width:  width,
		Height: height,
		FPS:    P50,
		Fmt:    rfc4175.YUV422P10LE,
		NotifyFrameReady: func(data []byte, meta rfc4175.FrameMeta) {
			deliveredData = append([]byte(nil), data...)
			delivered <- meta
		},
	})
	require.NoError(t, err)
	defer rx.Close()

	sent := false
	tx, err := port.NewVideoTXSession(VideoTXConfig{
		DstIP:   net.ParseIP("127.0.0.1"),
		DstPort: dstPort,
		Width:   width,
		Height:  height,
		FPS:     P50,
		Fmt:     rfc4175.YUV422P10LE,
		Packing: rfc4175.PackingBPM,
		GetNextFrame: func() (*rfc4175.FrameBuffer, bool) {
			if sent {
				return nil, false
			}
			sent = true
			return &rfc4175.FrameBuffer{Data: frame}, true
		},
	})
	require.NoError(t, err)
	defer tx.Close()

	select {
	case meta := <-delivered:
		assert.Equal(t, rfc4175.StatusComplete, meta.Status)
		assert.Equal(t, frame, deliveredData)
	case <-time.After(2 * time.Second):
		t.Fatal("frame was never delivered")
	}
}

func TestANCTXRXSessionRoundTripsOverLoopback(t *testing.T) {
	e := newLoopbackEngine(t)
	port, err := e.NewPort(config.PortConfig{PortID: 2, PMD: config.PMDKernelSocket, SIPAddr: net.ParseIP("127.0.0.1"), Interface: "lo"})
	require.NoError(t, err)

	const dstPort = 61920
	items := []anc411.Item{{DID: 0x61, SDID: 0x01, UDW: []uint8{1, 2, 3, 4}}}

	delivered := make(chan []anc411.Item, 4)
	rx, err := port.NewANCRXSession(ANCRXConfig{
		DstIP:   net.ParseIP("127.0.0.1"),
		DstPort: dstPort,
		NotifyFrameReady: func(got []anc411.Item) {
			delivered <- got
		},
	})
	require.NoError(t, err)
	defer rx.Close()

	sent := false
	tx, err := port.NewANCTXSession(ANCTXConfig{
		DstIP:   net.ParseIP("127.0.0.1"),
		DstPort: dstPort,
		GetNextMeta: func() ([]anc411.Item, uint32, bool) {
			if sent {
				return nil, 0, false
			}
			sent = true
			return items, 100, true
		},
	})
	require.NoError(t, err)
	defer tx.Close()

	select {
	case got := <-delivered:
		require.Len(t, got, 1)
		assert.Equal(t, items[0].DID, got[0].DID)
		assert.Equal(t, items[0].UDW, got[0].UDW)
	case <-time.After(2 * time.Second):
		t.Fatal("meta frame was never delivered")
	}
}
