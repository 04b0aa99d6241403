package utils

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Fitts' law constants (square-root variant).
const (
	fittsA        = 0.0
	fittsB        = 1.0
	fittsWidth    = 60.0
	fittsInterval = 0.015
)

type Point struct {
	X float64
	Y float64
}

// Trajectory is a planned pointer path. It can be drained once.
type Trajectory struct {
	mu     sync.Mutex
	points []Point
	pos    int

	EaseIn  string
	EaseOut string
	Split   float64
}

// Next returns the next point, or false once the path is exhausted.
func (t *Trajectory) Next() (Point, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pos >= len(t.points) {
		return Point{}, false
	}
	p := t.points[t.pos]
	t.pos++
	return p, true
}

// Points drains the remaining points.
func (t *Trajectory) Points() []Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	rest := t.points[t.pos:]
	t.pos = len(t.points)
	out := make([]Point, len(rest))
	copy(out, rest)
	return out
}

func (t *Trajectory) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.points) - t.pos
}

type TrajectoryGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewTrajectoryGenerator builds a generator on rng. A nil rng is seeded from the clock.
func NewTrajectoryGenerator(rng *rand.Rand) *TrajectoryGenerator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &TrajectoryGenerator{rng: rng}
}

// Generate plans a path from startX to endX that accelerates away from the
// start, decelerates into the end and wobbles between topY and bottomY.
func (g *TrajectoryGenerator) Generate(startX, endX, topY, bottomY float64) *Trajectory {
	g.mu.Lock()
	defer g.mu.Unlock()

	dist := math.Abs(endX - startX)
	span := int(dist)
	noise := newPerlin(g.rng, span)

	u := betaSample(g.rng, 5, 5)
	change := startX*u + endX*(1-u)
	inName, easeIn := pickEase(g.rng, EaseIns)
	outName, easeOut := pickEase(g.rng, EaseOuts)

	n := FittsPoints(dist)
	n1 := int(float64(n) * u)
	n2 := int(float64(n) * (1 - u))
	if n1 < 1 {
		n1 = 1
	}
	if n2 < 1 {
		n2 = 1
	}

	yAt := func(x float64) float64 {
		v := noise.Value(x)
		return topY*v + bottomY*(1-v)
	}

	points := make([]Point, 0, n1+n2+2)
	for i := 0; i <= n1; i++ {
		x := easeIn(float64(i) / float64(n1))
		x = change*x + startX*(1-x)
		points = append(points, Point{X: x, Y: yAt(x)})
	}
	for i := 0; i <= n2; i++ {
		x := easeOut(float64(i) / float64(n2))
		x = endX*x + change*(1-x)
		points = append(points, Point{X: x, Y: yAt(x)})
	}

	return &Trajectory{
		points:  points,
		EaseIn:  inName,
		EaseOut: outName,
		Split:   u,
	}
}

// FittsPoints is the number of points to plan for a travel distance.
func FittsPoints(dist float64) int {
	t := fittsA + fittsB*math.Sqrt(math.Abs(dist)/fittsWidth)
	return int(math.Floor(t/fittsInterval)) + 1
}

// betaSample draws from Beta(a, b) as X/(X+Y) with X~Gamma(a), Y~Gamma(b).
func betaSample(rng *rand.Rand, a, b int) float64 {
	x := gammaInt(rng, a)
	y := gammaInt(rng, b)
	return x / (x + y)
}

// gammaInt draws from Gamma(k, 1) for integer k as a sum of exponentials.
func gammaInt(rng *rand.Rand, k int) float64 {
	sum := 0.0
	for i := 0; i < k; i++ {
		sum += rng.ExpFloat64()
	}
	return sum
}
