package mtl

import "math/rand"

// randSeed returns a non-negative pseudo-random int, used only to pick an
// initial offset for ephemeral source-port allocation. Go's package-level
// rand has been auto-seeded since 1.20, so no explicit seeding is needed
// here (unlike rtcp.LossSimulator, which takes an explicit seed because
// its callers need reproducible loss patterns across test runs).
func randSeed() int { return rand.Int() }
