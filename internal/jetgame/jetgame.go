// Package jetgame simulates Lucky Jet rounds for the practice mode.
package jetgame

import (
	"math"
	"math/rand"
	"time"
)

const (
	houseEdge = 0.03
	maxCrash  = 1000.0
)

// Round is one simulated flight
type Round struct {
	CrashPoint float64       `json:"crash_point"`
	Duration   time.Duration `json:"-"`
	Seconds    float64       `json:"seconds"`
}

// Crash draws a crash point from u in [0, 1): the jet survives past x with
// probability (1-edge)/x, floored to two decimals and never below 1.00.
func Crash(u float64) float64 {
	if u < 0 || u >= 1 {
		u = 0
	}
	x := (1 - houseEdge) / (1 - u)
	x = math.Floor(x*100) / 100
	if x < 1 {
		return 1
	}
	if x > maxCrash {
		return maxCrash
	}
	return x
}

// Flight time grows logarithmically with the multiplier, about 6s for 2x
func flightTime(x float64) time.Duration {
	return time.Duration(math.Log(x) / 0.115 * float64(time.Second))
}

// Play simulates a round with rng
func Play(rng *rand.Rand) Round {
	x := Crash(rng.Float64())
	d := flightTime(x)
	return Round{CrashPoint: x, Duration: d, Seconds: math.Round(d.Seconds()*10) / 10}
}
