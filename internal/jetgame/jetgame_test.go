package jetgame

import (
	"math/rand"
	"testing"
)

func TestCrash(t *testing.T) {
	tests := []struct {
		u    float64
		want float64
	}{
		{0, 1},
		{0.02, 1},
		{0.6, 2.42},
		{0.7, 3.23},
		{0.9999999, maxCrash},
		{-1, 1},
	}
	for _, tt := range tests {
		if got := Crash(tt.u); got != tt.want {
			t.Errorf("Crash(%v) = %v, want %v", tt.u, got, tt.want)
		}
	}
}

func TestPlayStaysInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		r := Play(rng)
		if r.CrashPoint < 1 || r.CrashPoint > maxCrash {
			t.Fatalf("crash point %v out of range", r.CrashPoint)
		}
		if r.Duration < 0 {
			t.Fatalf("negative duration %v", r.Duration)
		}
	}
}
