package utils

import (
	"math"
	"math/rand"
)

const (
	noiseOctaves = 4
)

// perlin is a 1-D gradient noise field over [0, span).
type perlin struct {
	slopes []float64
}

func newPerlin(rng *rand.Rand, span int) *perlin {
	if span < 1 {
		span = 1
	}
	slopes := make([]float64, span)
	for i := range slopes {
		slopes[i] = rng.Float64()*2 - 1
	}
	return &perlin{slopes: slopes}
}

func (p *perlin) sample(x float64) float64 {
	n := len(p.slopes)
	lo := int(math.Floor(x))
	d := x - float64(lo)
	loPos := p.slopes[mod(lo, n)] * d
	hiPos := -p.slopes[mod(lo+1, n)] * (1 - d)
	u := d * d * d * (d*(d*6-15) + 10)
	return loPos*(1-u) + hiPos*u
}

// Value sums the octaves and normalizes the result into [0,1].
func (p *perlin) Value(x float64) float64 {
	sum := 0.0
	freq, amp := 1.0, 1.0
	for i := 0; i < noiseOctaves; i++ {
		sum += p.sample(x*freq) * amp
		freq *= 2
		amp /= 2
	}
	v := (sum + 1) / 2
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func mod(a, n int) int {
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}
