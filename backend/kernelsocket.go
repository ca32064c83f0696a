package backend

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OpenVisualCloud/go-mtl/collab"
	"github.com/OpenVisualCloud/go-mtl/config"
	"github.com/OpenVisualCloud/go-mtl/mbuf"
	"github.com/OpenVisualCloud/go-mtl/mtlerr"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// rxReadTimeout bounds each ReadFromUDP call so RxBurst never blocks the
// owning tasklet for long; spec.md §5 requires hot loops to yield rather
// than sleep when their ring/socket is empty.
const rxReadTimeout = 5 * time.Millisecond

var ksLog = logrus.WithField("component", "backend.kernelsocket")

// KernelSocket is the AF_INET SOCK_DGRAM backend of spec.md §4.1 item 1:
// one socket per TX queue, an RX socket bound via SO_BINDTODEVICE to the
// interface and destination UDP port, IP_ADD_MEMBERSHIP for multicast.
//
// Unlike the C library's AF_PACKET raw-frame variant, this implementation
// lets the kernel's own IP/UDP stack build and validate L2/L3/L4 headers —
// pure-Go raw AF_PACKET sockets need privileges and platform-specific
// framing this module would otherwise have to hand-roll; SOCK_DGRAM gives
// the same wire bytes with a portable, testable (loopback) implementation.
// Header synthesis from payload-only mbufs is still exercised, in full,
// by the DPDK poll-mode backend (dpdk.go), which works on raw frames.
type KernelSocket struct{}

// NewKernelSocket returns the kernel-socket Backend.
func NewKernelSocket() *KernelSocket { return &KernelSocket{} }

func (b *KernelSocket) Open(cfg config.PortConfig, resolver collab.NeighborResolver, mgr collab.ManagerClient) (Port, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &kernelSocketPort{
		cfg:      cfg,
		resolver: resolver,
	}
	ksLog.WithField("port_id", cfg.PortID).Info("kernel socket port opened")
	return p, nil
}

type kernelSocketPort struct {
	cfg      config.PortConfig
	resolver collab.NeighborResolver
	mu       sync.Mutex
	nextFlow uint64
}

func (p *kernelSocketPort) Caps() Capabilities {
	return Capabilities{
		OffloadMultiSegment: false,
		OffloadIPv4Checksum: true, // kernel computes it
		SupportsHWTimestamp: false,
		SupportsRuntimeQueueStart: true,
	}
}

// ksTXQueue wraps one UDP socket dialed at the flow's destination, so each
// Write already carries the right dst IP:port without per-packet address
// resolution.
type ksTXQueue struct {
	conn  *net.UDPConn
	fatal atomic.Bool
}

func (p *kernelSocketPort) GetTXQueue(hint FlowFilter) (TXQueue, error) {
	if hint.DstIP == nil {
		return nil, fmt.Errorf("%w: tx queue requires a destination", mtlerr.ErrInvalidArgument)
	}
	laddr := &net.UDPAddr{IP: p.cfg.SIPAddr}
	raddr := &net.UDPAddr{IP: hint.DstIP, Port: int(hint.DstPort)}
	conn, err := net.DialUDP("udp4", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("backend.kernelsocket: dial tx: %w", err)
	}
	bindToInterface(conn, p.cfg.Interface)
	return &ksTXQueue{conn: conn}, nil
}

func (p *kernelSocketPort) PutTXQueue(q TXQueue) error { return q.Close() }

func (q *ksTXQueue) TxBurst(bufs []*mbuf.Buf, n int) (int, error) {
	if q.fatal.Load() {
		return 0, mtlerr.ErrBackendFatal
	}
	sent := 0
	for i := 0; i < n && i < len(bufs); i++ {
		if bufs[i] == nil {
			continue
		}
		payload := bufs[i].Payload
		if ext, _, ok := bufs[i].External(); ok {
			payload = ext
		}
		if _, err := q.conn.Write(payload); err != nil {
			return sent, fmt.Errorf("backend.kernelsocket: tx_burst: %w", err)
		}
		sent++
	}
	return sent, nil
}

func (q *ksTXQueue) SetRate(bytesPerSec uint64) error {
	// Kernel SOCK_DGRAM has no per-socket rate limit; pacing for this
	// backend is always done above it (TSC pacer), per spec.md §4.3
	// auto-selection falling back to TSC when no HW RL capability exists.
	return nil
}

func (q *ksTXQueue) FlushTX(pad *mbuf.Buf) error {
	if pad != nil {
		_, _ = q.conn.Write(pad.Payload)
	}
	return nil
}

func (q *ksTXQueue) Close() error { return q.conn.Close() }
func (q *ksTXQueue) Fatal() bool  { return q.fatal.Load() }

// ksRXQueue wraps one UDP socket bound to a destination port, optionally
// joined to a multicast group.
type ksRXQueue struct {
	conn  *net.UDPConn
	pconn *ipv4.PacketConn
	group net.IP
	pool  *mbuf.Pool
	fatal atomic.Bool
}

func (p *kernelSocketPort) GetRXQueue(filter FlowFilter) (RXQueue, error) {
	laddr := &net.UDPAddr{IP: p.cfg.SIPAddr, Port: int(filter.DstPort)}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("backend.kernelsocket: listen rx: %w", err)
	}
	bindToInterface(conn, p.cfg.Interface)

	q := &ksRXQueue{conn: conn, pool: mbuf.NewPool("kernelsocket-rx", 1<<16)}
	if filter.DstIP != nil && filter.DstIP.IsMulticast() {
		pconn := ipv4.NewPacketConn(conn)
		iface, ierr := net.InterfaceByName(p.cfg.Interface)
		var ifacePtr *net.Interface
		if ierr == nil {
			ifacePtr = iface
		}
		if err := pconn.JoinGroup(ifacePtr, &net.UDPAddr{IP: filter.DstIP}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("backend.kernelsocket: join multicast %s: %w", filter.DstIP, err)
		}
		q.pconn = pconn
		q.group = filter.DstIP
	}
	return q, nil
}

func (p *kernelSocketPort) PutRXQueue(q RXQueue) error { return q.Close() }

func (q *ksRXQueue) RxBurst(out []*mbuf.Buf, max int) (int, error) {
	if q.fatal.Load() {
		return 0, mtlerr.ErrBackendFatal
	}
	n := 0
	scratch := make([]byte, 1<<16)
	for n < max && n < len(out) {
		_ = q.conn.SetReadDeadline(time.Now().Add(rxReadTimeout))
		rn, _, err := q.conn.ReadFromUDP(scratch)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			break
		}
		b := q.pool.Alloc()
		b.Payload = append(b.Payload, scratch[:rn]...)
		out[n] = b
		n++
	}
	return n, nil
}

func (q *ksRXQueue) Close() error {
	if q.pconn != nil && q.group != nil {
		_ = q.pconn.LeaveGroup(nil, &net.UDPAddr{IP: q.group})
	}
	return q.conn.Close()
}
func (q *ksRXQueue) Fatal() bool { return q.fatal.Load() }

func (p *kernelSocketPort) InstallFlow(q RXQueue, filter FlowFilter) (FlowHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextFlow++
	// The kernel socket backend needs no separate flow install: binding
	// the RX socket to the destination port in GetRXQueue already does
	// the classification the NIC would otherwise need rte_flow/XDP for.
	return FlowHandle(p.nextFlow), nil
}

func (p *kernelSocketPort) UninstallFlow(FlowHandle) error { return nil }

func (p *kernelSocketPort) Close() error { return nil }

// bindToInterface applies SO_BINDTODEVICE, the permissive path spec.md §7
// describes: log and continue on failure (typically missing CAP_NET_RAW or
// a non-Linux GOOS) rather than failing port creation outright, since an
// unbound socket still functions — just without interface pinning.
func bindToInterface(conn *net.UDPConn, ifName string) {
	if ifName == "" {
		return
	}
	sc, err := conn.SyscallConn()
	if err != nil {
		ksLog.WithError(err).Warn("SyscallConn unavailable, skipping SO_BINDTODEVICE")
		return
	}
	ctrlErr := sc.Control(func(fd uintptr) {
		if err := unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifName); err != nil {
			ksLog.WithError(err).WithField("interface", ifName).Warn("SO_BINDTODEVICE failed, continuing unbound")
		}
	})
	if ctrlErr != nil {
		ksLog.WithError(ctrlErr).Warn("socket control failed, continuing unbound")
	}
}
