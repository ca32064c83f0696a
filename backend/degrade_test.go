package backend

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/OpenVisualCloud/go-mtl/collab"
	"github.com/OpenVisualCloud/go-mtl/config"
	"github.com/OpenVisualCloud/go-mtl/mbuf"
	"github.com/OpenVisualCloud/go-mtl/mtlerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeManager struct{}

func (fakeManager) XSKMapFD(ifName string) (int, error)                    { return 7, nil }
func (fakeManager) ReserveQueue(ifName string, qid int) error              { return nil }
func (fakeManager) ReleaseQueue(ifName string, qid int) error              { return nil }
func (fakeManager) InstallFlow(ifName string, qid int, f collab.FlowFilter) (collab.FlowToken, error) {
	return collab.FlowToken(1), nil
}
func (fakeManager) RemoveFlow(ifName string, token collab.FlowToken) error { return nil }

func TestAFXDPRequiresManager(t *testing.T) {
	b := NewAFXDP()
	cfg := config.PortConfig{PortID: 0, PMD: config.PMDAFXDP, SIPAddr: net.ParseIP("127.0.0.1"), Interface: "lo"}
	_, err := b.Open(cfg, nil, nil)
	assert.Error(t, err)
}

func TestAFXDPOpenDegradesToCopyMode(t *testing.T) {
	b := NewAFXDP()
	cfg := config.PortConfig{PortID: 0, PMD: config.PMDAFXDP, SIPAddr: net.ParseIP("127.0.0.1"), Interface: "lo"}
	port, err := b.Open(cfg, nil, fakeManager{})
	require.NoError(t, err)
	defer port.Close()

	q, err := port.GetTXQueue(FlowFilter{DstIP: net.ParseIP("127.0.0.1"), DstPort: 20000})
	require.NoError(t, err)
	pool := mbuf.NewPool("test", 1<<12)
	buf := pool.Alloc()
	_, err = q.TxBurst([]*mbuf.Buf{buf}, 1)
	assert.True(t, errors.Is(err, mtlerr.ErrUnsupportedPlatform))
}

type fakeResolver struct{ mac net.HardwareAddr }

func (f fakeResolver) Resolve(ctx context.Context, ip net.IP) (net.HardwareAddr, error) {
	return f.mac, nil
}

func TestRDMAOpenAndTxBurstReportsUnsupported(t *testing.T) {
	b := NewRDMA()
	cfg := config.PortConfig{PortID: 0, PMD: config.PMDRDMAUD, SIPAddr: net.ParseIP("127.0.0.1")}
	port, err := b.Open(cfg, nil, nil)
	require.NoError(t, err)
	defer port.Close()

	q, err := port.GetTXQueue(FlowFilter{DstIP: net.ParseIP("239.1.1.1"), DstPort: 20000})
	require.NoError(t, err)
	pool := mbuf.NewPool("test", 1<<12)
	buf := pool.Alloc()
	_, err = q.TxBurst([]*mbuf.Buf{buf}, 1)
	assert.True(t, errors.Is(err, mtlerr.ErrUnsupportedPlatform))
}

func TestRDMAFlowHandleIncrements(t *testing.T) {
	b := NewRDMA()
	cfg := config.PortConfig{PortID: 0, PMD: config.PMDRDMAUD, SIPAddr: net.ParseIP("127.0.0.1")}
	port, err := b.Open(cfg, nil, nil)
	require.NoError(t, err)
	defer port.Close()

	rxQ, err := port.GetRXQueue(FlowFilter{DstIP: net.ParseIP("239.1.1.1"), DstPort: 20000})
	require.NoError(t, err)
	h1, err := port.InstallFlow(rxQ, FlowFilter{DstIP: net.ParseIP("239.1.1.1"), DstPort: 20000})
	require.NoError(t, err)
	h2, err := port.InstallFlow(rxQ, FlowFilter{DstIP: net.ParseIP("239.1.1.2"), DstPort: 20000})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestDPDKRequiresResolver(t *testing.T) {
	b := NewDPDK()
	cfg := config.PortConfig{PortID: 0, PMD: config.PMDDPDK, SIPAddr: net.ParseIP("127.0.0.1")}
	_, err := b.Open(cfg, nil, nil)
	assert.Error(t, err)
}

func TestDPDKTxBurstSerializesFrame(t *testing.T) {
	b := NewDPDK()
	cfg := config.PortConfig{PortID: 0, PMD: config.PMDDPDK, SIPAddr: net.ParseIP("192.0.2.1")}
	port, err := b.Open(cfg, fakeResolver{mac: net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x01}}, nil)
	require.NoError(t, err)
	defer port.Close()

	q, err := port.GetTXQueue(FlowFilter{DstIP: net.ParseIP("192.0.2.2"), DstPort: 20000})
	require.NoError(t, err)
	pool := mbuf.NewPool("test", 1<<12)
	buf := pool.Alloc()
	buf.Payload = append(buf.Payload, []byte("frame-bytes")...)

	sent, err := q.TxBurst([]*mbuf.Buf{buf}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
}

func TestDPDKRxBurstUnsupported(t *testing.T) {
	b := NewDPDK()
	cfg := config.PortConfig{PortID: 0, PMD: config.PMDDPDK, SIPAddr: net.ParseIP("192.0.2.1")}
	port, err := b.Open(cfg, fakeResolver{mac: net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x01}}, nil)
	require.NoError(t, err)
	defer port.Close()

	q, err := port.GetRXQueue(FlowFilter{DstIP: net.ParseIP("192.0.2.2"), DstPort: 20000})
	require.NoError(t, err)
	out := make([]*mbuf.Buf, 4)
	_, err = q.RxBurst(out, len(out))
	assert.True(t, errors.Is(err, mtlerr.ErrUnsupportedPlatform))
}
