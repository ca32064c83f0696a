package mtl

// FPS enumerates spec.md §6's media-clock enum as its exact frames/sec
// rational value. The non-integer broadcast rates (23.976, 29.97, 59.94,
// 119.88) are NTSC-style 1000/1001 scalings of their integer counterparts.
type FPS float64

const (
	P23976 FPS = 24000.0 / 1001.0
	P24    FPS = 24
	P25    FPS = 25
	P2997  FPS = 30000.0 / 1001.0
	P30    FPS = 30
	P50    FPS = 50
	P5994  FPS = 60000.0 / 1001.0
	P60    FPS = 60
	P100   FPS = 100
	P11988 FPS = 120000.0 / 1001.0
	P120   FPS = 120
)
