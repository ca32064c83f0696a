// Package mtlerr collects the sentinel errors shared across the datapath.
//
// spec.md §7 groups failures into orthogonal kinds (resource exhaustion,
// invalid argument, backend permission, peer unreachable, wire integrity,
// driver fatal, protocol loss) independent of which component raised them.
// Centralizing the sentinels here lets every package report the same kind
// with errors.Is rather than each inventing its own.
package mtlerr

import "errors"

var (
	// ErrNoMbuf is returned when a pool has no free buffer to hand out.
	ErrNoMbuf = errors.New("mtl: no free mbuf")
	// ErrQueueBusy is returned when a queue has no free slot (TX) or is
	// already owned exclusively (RX reservation).
	ErrQueueBusy = errors.New("mtl: queue busy")
	// ErrRingFull is returned when an SPSC/MPMC ring has no room for an
	// enqueue. Per spec.md §4.2 this is a silent drop, not a backpressure
	// signal; callers typically count it rather than retry.
	ErrRingFull = errors.New("mtl: ring full")
	// ErrInvalidArgument is returned at session-creation time for
	// malformed configuration (bad fps/fmt combination, out-of-range
	// dimensions, misaligned linesize, ring size outside [1, 128]).
	ErrInvalidArgument = errors.New("mtl: invalid argument")
	// ErrBackendPermission is returned when a privileged datapath mode
	// (zero-copy AF_XDP, RDMA verbs) could not be opened even after
	// falling back to the degraded path.
	ErrBackendPermission = errors.New("mtl: backend permission denied")
	// ErrPeerUnreachable is returned by a send when ARP/neighbor
	// resolution has not completed within a non-zero configured timeout.
	ErrPeerUnreachable = errors.New("mtl: peer not reachable")
	// ErrWireIntegrity marks a malformed RTP packet, UDW parity failure,
	// ANC checksum mismatch, frame-size overrun, or seq id outside the
	// NACK window. The offending unit is dropped; the frame is kept
	// where possible.
	ErrWireIntegrity = errors.New("mtl: wire integrity violation")
	// ErrBackendFatal marks a queue that has observed a driver-fatal
	// condition (descriptor corruption, completion-poll timeout). The
	// queue is excluded from future allocation until recreated.
	ErrBackendFatal = errors.New("mtl: backend fatal error")
	// ErrUnsupportedPlatform is returned by a backend when the host
	// kernel/driver does not expose the UAPI a datapath mode requires
	// (e.g. AF_XDP zero-copy without CAP_NET_RAW, RDMA without verbs
	// devices). Callers fall back to a degraded backend per spec.md §7.
	ErrUnsupportedPlatform = errors.New("mtl: unsupported platform")
	// ErrSessionFatal short-circuits further operations on a session
	// that has recorded a fatal error (spec.md §7 propagation rule).
	ErrSessionFatal = errors.New("mtl: session fatal_error set")
	// ErrQuotaExceeded is returned when admitting a tasklet would push a
	// scheduler's aggregate bandwidth past data_quota_mbs_per_sch
	// (spec.md §4.8); the caller spawns another scheduler instead.
	ErrQuotaExceeded = errors.New("mtl: scheduler quota exceeded")
)
