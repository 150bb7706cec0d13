package risk

import "math"

// Returns converts prices to fractional changes between consecutive points.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		out = append(out, (prices[i]-prices[i-1])/prices[i-1])
	}
	return out
}

// RealizedVolatility is the sample stdev of the last n returns of prices.
// n <= 0 uses all of them.
func RealizedVolatility(prices []float64, n int) float64 {
	r := Returns(prices)
	if n > 0 && len(r) > n {
		r = r[len(r)-n:]
	}
	return standardDeviation(r)
}

// VolatilityRatio compares the recent window against the whole series.
// It returns the current and baseline estimates and their ratio; ratio is 1
// when there is not enough data.
func VolatilityRatio(prices []float64, lookback int) (current, baseline, ratio float64) {
	current = RealizedVolatility(prices, lookback)
	baseline = RealizedVolatility(prices, 0)
	if baseline <= 0 || current <= 0 {
		return current, baseline, 1
	}
	return current, baseline, current / baseline
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func standardDeviation(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	variance := 0.0
	for _, v := range values {
		diff := v - m
		variance += diff * diff
	}
	variance /= float64(len(values) - 1)
	return math.Sqrt(variance)
}
