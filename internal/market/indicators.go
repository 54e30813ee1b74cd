// internal/market/indicators.go
package market

import "math"

// SMA returns the n-period simple moving average aligned to values.
// Indices before the first full window are NaN.
func SMA(values []float64, n int) []float64 {
	out := make([]float64, len(values))
	if n <= 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= n {
			sum -= values[i-n]
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// RSI returns the n-period relative strength index with Wilder smoothing.
// Indices before the first full window are zero.
func RSI(values []float64, n int) []float64 {
	out := make([]float64, len(values))
	if n <= 0 || len(values) <= n {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}

		switch {
		case i < n:
			avgGain += gain
			avgLoss += loss
			continue
		case i == n:
			avgGain = (avgGain + gain) / float64(n)
			avgLoss = (avgLoss + loss) / float64(n)
		default:
			avgGain = (avgGain*float64(n-1) + gain) / float64(n)
			avgLoss = (avgLoss*float64(n-1) + loss) / float64(n)
		}

		if avgLoss == 0 {
			out[i] = 100
			continue
		}
		rs := avgGain / avgLoss
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

// ZScore returns the rolling z-score over window n. Indices before the first
// full window are zero.
func ZScore(values []float64, n int) []float64 {
	out := make([]float64, len(values))
	if n <= 1 {
		return out
	}
	var sum, sumSq float64
	for i, x := range values {
		sum += x
		sumSq += x * x
		if i >= n {
			y := values[i-n]
			sum -= y
			sumSq -= y * y
		}
		if i >= n-1 {
			mean := sum / float64(n)
			variance := sumSq/float64(n) - mean*mean
			out[i] = (x - mean) / math.Sqrt(math.Max(variance, 1e-12))
		}
	}
	return out
}

// Volatility is the standard deviation of percentage returns over the last
// n values.
func Volatility(values []float64, n int) float64 {
	if len(values) > n+1 && n > 0 {
		values = values[len(values)-n-1:]
	}
	if len(values) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] == 0 {
			continue
		}
		returns = append(returns, (values[i]-values[i-1])/values[i-1]*100)
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss / float64(len(returns)-1))
}

// Last returns the final element of values, or NaN when empty.
func Last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}
