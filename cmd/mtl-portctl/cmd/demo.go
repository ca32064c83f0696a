package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/OpenVisualCloud/go-mtl/config"
	"github.com/OpenVisualCloud/go-mtl/mtl"
	"github.com/OpenVisualCloud/go-mtl/rfc4175"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	demoInterface  string
	demoSIP        string
	demoDstPort    uint16
	demoWidth      int
	demoHeight     int
	demoDuration   time.Duration
	demoMetricsAddr string
)

func init() {
	c := &cobra.Command{
		Use:   "demo",
		Short: "Run a kernel_socket loopback video session and report frame stats",
		Long: "demo opens a port bound to --sip over the kernel_socket backend, starts one\n" +
			"VideoRXSession and one VideoTXSession against each other on 127.0.0.1, feeds\n" +
			"synthetic frames at 50fps, and prints delivered-frame counters until\n" +
			"--duration elapses or the process receives SIGINT/SIGTERM.",
		RunE: runDemoCmd,
	}
	c.Flags().StringVar(&demoInterface, "interface", "lo", "kernel interface name")
	c.Flags().StringVar(&demoSIP, "sip", "127.0.0.1", "port's source IP address")
	c.Flags().Uint16Var(&demoDstPort, "dst-port", 20000, "UDP port the loopback session exchanges frames on")
	c.Flags().IntVar(&demoWidth, "width", 1920, "frame width in pixels")
	c.Flags().IntVar(&demoHeight, "height", 1080, "frame height in pixels")
	c.Flags().DurationVar(&demoDuration, "duration", 10*time.Second, "how long to run before exiting; 0 runs until interrupted")
	c.Flags().StringVar(&demoMetricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this host:port while the demo runs")
	RootCmd.AddCommand(c)
}

func runDemoCmd(_ *cobra.Command, _ []string) error {
	configureLogging()

	sip := net.ParseIP(demoSIP)
	if sip == nil {
		return fmt.Errorf("invalid --sip %q", demoSIP)
	}

	reg := prometheus.NewRegistry()
	engine, err := mtl.NewEngine(config.EngineConfig{
		Ports: []config.PortConfig{{PortID: 0, PMD: config.PMDKernelSocket, SIPAddr: sip, Interface: demoInterface}},
	}, newStaticResolver(), nil, reg)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer engine.Close()

	port, err := engine.NewPort(config.PortConfig{PortID: 0, PMD: config.PMDKernelSocket, SIPAddr: sip, Interface: demoInterface})
	if err != nil {
		return fmt.Errorf("open port: %w", err)
	}

	frame := make([]byte, rfc4175.FrameSize(demoWidth, demoHeight, rfc4175.YUV422P10LE))
	var framesSent, framesDelivered atomic.Uint64

	rx, err := port.NewVideoRXSession(mtl.VideoRXConfig{
		DstIP:   sip,
		DstPort: demoDstPort,
		Width:   demoWidth,
		Height:  demoHeight,
		FPS:     mtl.P50,
		Fmt:     rfc4175.YUV422P10LE,
		NotifyFrameReady: func(_ []byte, meta rfc4175.FrameMeta) {
			if meta.Status == rfc4175.StatusComplete {
				framesDelivered.Add(1)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("open rx session: %w", err)
	}
	defer rx.Close()

	tx, err := port.NewVideoTXSession(mtl.VideoTXConfig{
		DstIP:   sip,
		DstPort: demoDstPort,
		Width:   demoWidth,
		Height:  demoHeight,
		FPS:     mtl.P50,
		Fmt:     rfc4175.YUV422P10LE,
		Packing: rfc4175.PackingBPM,
		GetNextFrame: func() (*rfc4175.FrameBuffer, bool) {
			framesSent.Add(1)
			return &rfc4175.FrameBuffer{Data: frame}, true
		},
	})
	if err != nil {
		return fmt.Errorf("open tx session: %w", err)
	}
	defer tx.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if demoDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, demoDuration)
		defer cancel()
	}

	if demoMetricsAddr != "" {
		srv := newMetricsServer(demoMetricsAddr, reg)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithError(err).Warn("metrics server exited")
			}
		}()
		defer srv.Close()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("sent=%d delivered=%d\n", framesSent.Load(), framesDelivered.Load())
			return nil
		case <-ticker.C:
			fmt.Printf("sent=%d delivered=%d\n", framesSent.Load(), framesDelivered.Load())
		}
	}
}

func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}
