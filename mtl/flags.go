package mtl

// SessionFlags is spec.md §6's per-session bitset, distinct from
// config.Flags which governs port-wide queue-sharing/classifier behavior.
type SessionFlags uint32

const (
	// FlagExtFrame marks a FrameBuffer as externally owned (zero-copy),
	// carrying its own IOVA rather than being copied into a pool buffer.
	FlagExtFrame SessionFlags = 1 << iota
	// FlagUserPacing has the producer stamp an absolute PTP departure
	// time on each frame instead of using the session's own pacer.
	FlagUserPacing
	// FlagUserTimestamp has the producer supply the raw RTP media-clock
	// timestamp instead of the session deriving it from fps.
	FlagUserTimestamp
	// FlagEnableRTCP turns on the IMTL NACK engine for this session.
	FlagEnableRTCP
	// FlagDataPathOnly skips control-plane bookkeeping (stats
	// registration, detect sampling) a pure throughput test doesn't need.
	FlagDataPathOnly
)

// Has reports whether every bit in mask is set.
func (f SessionFlags) Has(mask SessionFlags) bool { return f&mask == mask }
