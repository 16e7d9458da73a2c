package main

import (
	"math"
	"math/rand/v2"
)

// sampleRange is the uniform range a simulated reading is drawn from.
type sampleRange struct {
	key      string
	min, max float64
	// decimals is the rounding precision; -1 truncates to an integer.
	decimals int
}

var sampleRanges = []sampleRange{
	{"current_mA", 100, 300, 1},
	{"ph", 6.8, 7.4, 2},
	{"turbidity", 0, 20, -1},
	{"pressure_Pa", 900, 1050, 1},
	{"flow_rate", 450, 550, -1},
	{"temperature", 36.5, 37.5, 1},
	{"humidity", 40, 60, -1},
}

// sample draws one synthetic frame.
func sample(rng *rand.Rand) map[string]float64 {
	frame := make(map[string]float64, len(sampleRanges))
	for _, r := range sampleRanges {
		v := r.min + rng.Float64()*(r.max-r.min)
		if r.decimals < 0 {
			v = math.Trunc(v)
		} else {
			scale := math.Pow(10, float64(r.decimals))
			v = math.Round(v*scale) / scale
		}
		frame[r.key] = v
	}
	return frame
}
