package dipstick

// PCG32 random number generation for fast value sampling.
// Generator states are pooled so the hot path shares no locked state,
// the same way fastrand manages its per-P generators.

import (
	"math"
	"math/bits"
	"sync"
	"time"
)

const (
	pcg32Mult = 6364136223846793005
	pcg32Incr = 1442695040888963407
)

type pcg32 struct {
	state uint64
}

func pcg32Seed() uint64 {
	seed := uint64(5573589319906701683)
	seed = seed*pcg32Mult + pcg32Incr + uint64(time.Now().UnixNano())
	return seed*pcg32Mult + pcg32Incr
}

func (p *pcg32) next() uint32 {
	oldstate := p.state
	p.state = oldstate*pcg32Mult + pcg32Incr
	xorshifted := uint32(((oldstate >> 18) ^ oldstate) >> 27)
	return bits.RotateLeft32(xorshifted, -int(oldstate>>59))
}

var pcg32Pool = sync.Pool{
	New: func() interface{} {
		return &pcg32{state: pcg32Seed()}
	},
}

func pcg32Random() uint32 {
	p := pcg32Pool.Get().(*pcg32)
	v := p.next()
	pcg32Pool.Put(p)
	return v
}

// toIntRate converts a floating point sampling rate to an integer threshold
// so the fast integer RNG can be used on the hot path.
//
//	.    | float rate | int rate   | percentage
//	---- | ---------- | ---------- | ----
//	all  | 1.0        | 0x0        | 100%
//	none | 0.0        | 0xFFFFFFFF | 0%
func toIntRate(floatRate float64) uint32 {
	if floatRate < 0.0 || floatRate > 1.0 {
		panic("BUG: sampling rate must be in the range [0..1]")
	}
	return uint32((1.0 - floatRate) * float64(math.MaxUint32))
}

// acceptSample randomly selects samples based on an int rate.
// Rate 0 accepts everything, MaxUint32 accepts nothing.
func acceptSample(intRate uint32) bool {
	if intRate == 0 {
		return true
	}
	return pcg32Random() > intRate
}
