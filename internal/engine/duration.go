package engine

import "strings"

// AssetClass decides which duration buckets a symbol may use.
type AssetClass string

const (
	ClassSynthetic AssetClass = "synthetic"
	ClassForex     AssetClass = "forex"
)

// ClassOf maps a broker symbol to its asset class. Forex pairs carry the
// frx prefix; everything else trades as a synthetic index.
func ClassOf(symbol string) AssetClass {
	if strings.HasPrefix(symbol, "frx") {
		return ClassForex
	}
	return ClassSynthetic
}

var (
	syntheticBuckets = []int{15, 30, 60, 120, 180, 300, 600}
	forexBuckets     = []int{900, 1800, 3600}
)

const (
	syntheticBase = 60
	forexBase     = 900
	lowVolatility = 0.5
)

// SelectDuration returns the contract duration in seconds. ratio is the
// current/baseline volatility; zero means unknown. Above high the target
// halves, below 0.5 it grows by half. The target snaps to the nearest
// allowed bucket, ties going to the longer one.
func SelectDuration(symbol string, ratio, high float64) int {
	buckets, base := syntheticBuckets, syntheticBase
	if ClassOf(symbol) == ClassForex {
		buckets, base = forexBuckets, forexBase
	}
	target := float64(base)
	switch {
	case ratio > high:
		target /= 2
	case ratio > 0 && ratio < lowVolatility:
		target *= 1.5
	}
	return snap(buckets, target)
}

func snap(buckets []int, target float64) int {
	best := buckets[0]
	bestDist := abs(float64(best) - target)
	for _, b := range buckets[1:] {
		if d := abs(float64(b) - target); d <= bestDist {
			best, bestDist = b, d
		}
	}
	return best
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
