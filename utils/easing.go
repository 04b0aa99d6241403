package utils

import (
	"math"
	"math/rand"
)

// Ease maps progress in [0,1] to eased progress in [0,1].
type Ease func(x float64) float64

var EaseIns = map[string]Ease{
	"quad":  func(x float64) float64 { return x * x },
	"cubic": func(x float64) float64 { return x * x * x },
	"quint": func(x float64) float64 { return math.Pow(x, 5) },
	"sine":  func(x float64) float64 { return 1 - math.Cos(x*math.Pi/2) },
	"circ":  func(x float64) float64 { return 1 - math.Sqrt(1-math.Pow(x, 2)) },
	"expo": func(x float64) float64 {
		if x == 0 {
			return 0
		}
		return math.Pow(2, 10*x-10)
	},
}

var EaseOuts = map[string]Ease{
	"quad":  func(x float64) float64 { return 1 - (1-x)*(1-x) },
	"cubic": func(x float64) float64 { return 1 - math.Pow(1-x, 3) },
	"quint": func(x float64) float64 { return 1 - math.Pow(1-x, 5) },
	"sine":  func(x float64) float64 { return math.Sin(x * math.Pi / 2) },
	"circ":  func(x float64) float64 { return math.Sqrt(1 - math.Pow(x-1, 2)) },
	"expo": func(x float64) float64 {
		if x == 1 {
			return 1
		}
		return 1 - math.Pow(2, -10*x)
	},
}

// map iteration order is random, so pick from a sorted name list
var easeNames = []string{"circ", "cubic", "expo", "quad", "quint", "sine"}

func pickEase(rng *rand.Rand, set map[string]Ease) (string, Ease) {
	name := easeNames[rng.Intn(len(easeNames))]
	return name, set[name]
}
