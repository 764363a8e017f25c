// Package indicator computes standard technical indicators over ordered
// daily series. Every function returns one value per input position and
// math.NaN for positions without enough history; nothing is mutated.
package indicator

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

const (
	RSIPeriod        = 14
	MACDFastPeriod   = 12
	MACDSlowPeriod   = 26
	MACDSignalPeriod = 9
	BollingerPeriod  = 20
	BollingerStdDevs = 2.0
	ATRPeriod        = 14
)

// SMA is the simple moving average over window w.
func SMA(values []float64, w int) []float64 {
	out := nanSeries(len(values))
	if w <= 0 || len(values) < w {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= w {
			sum -= values[i-w]
		}
		if i >= w-1 {
			out[i] = sum / float64(w)
		}
	}
	return out
}

// EMA is the exponential moving average with alpha = 2/(w+1), seeded with the
// SMA of the first w values.
func EMA(values []float64, w int) []float64 {
	out := nanSeries(len(values))
	if w <= 0 || len(values) < w {
		return out
	}
	sum := 0.0
	for i := 0; i < w; i++ {
		sum += values[i]
	}
	out[w-1] = sum / float64(w)
	alpha := 2.0 / (float64(w) + 1.0)
	for i := w; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// RSI is the 14-period relative strength index with Wilder smoothing,
// bounded [0,100]. A series with neither gains nor losses reads 50.
func RSI(closes []float64, period int) []float64 {
	out := nanSeries(len(closes))
	if period <= 0 || len(closes) <= period {
		return out
	}

	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum -= delta
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)
	out[period] = rsiFromAvg(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain := math.Max(delta, 0)
		loss := math.Max(-delta, 0)
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiFromAvg(avgGain, avgLoss)
	}
	return out
}

func rsiFromAvg(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// MACD returns the MACD line (EMA12-EMA26), its EMA9 signal line and the
// histogram (line - signal).
func MACD(closes []float64) (line, signal, histogram []float64) {
	fast := EMA(closes, MACDFastPeriod)
	slow := EMA(closes, MACDSlowPeriod)
	line = nanSeries(len(closes))
	for i := range closes {
		line[i] = fast[i] - slow[i]
	}

	// The signal EMA starts once the MACD line itself is defined.
	signal = nanSeries(len(closes))
	histogram = nanSeries(len(closes))
	start := MACDSlowPeriod - 1
	if start >= len(closes) {
		return line, signal, histogram
	}
	defined := line[start:]
	signalTail := EMA(defined, MACDSignalPeriod)
	for i := range signalTail {
		signal[start+i] = signalTail[i]
		if !math.IsNaN(signalTail[i]) {
			histogram[start+i] = defined[i] - signalTail[i]
		}
	}
	return line, signal, histogram
}

// Bollinger returns upper/middle/lower bands: SMA(w) +/- k rolling stddevs.
func Bollinger(closes []float64, w int, k float64) (upper, middle, lower []float64) {
	middle = SMA(closes, w)
	std := RollingStd(closes, w)
	upper = nanSeries(len(closes))
	lower = nanSeries(len(closes))
	for i := range closes {
		if math.IsNaN(middle[i]) || math.IsNaN(std[i]) {
			continue
		}
		upper[i] = middle[i] + k*std[i]
		lower[i] = middle[i] - k*std[i]
	}
	return upper, middle, lower
}

// ATR is the Wilder-smoothed average true range.
func ATR(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	out := nanSeries(n)
	if period <= 0 || n < period+1 || len(highs) != n || len(lows) != n {
		return out
	}

	tr := make([]float64, n)
	tr[0] = highs[0] - lows[0]
	for i := 1; i < n; i++ {
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	atr := sum / float64(period)
	out[period] = atr
	for i := period + 1; i < n; i++ {
		atr = (atr*float64(period-1) + tr[i]) / float64(period)
		out[i] = atr
	}
	return out
}

// OBV is the cumulative on-balance volume.
func OBV(closes, volumes []float64) []float64 {
	out := nanSeries(len(closes))
	if len(closes) == 0 || len(volumes) != len(closes) {
		return out
	}
	obv := 0.0
	out[0] = 0
	for i := 1; i < len(closes); i++ {
		switch {
		case closes[i] > closes[i-1]:
			obv += volumes[i]
		case closes[i] < closes[i-1]:
			obv -= volumes[i]
		}
		out[i] = obv
	}
	return out
}

// PctChange is the n-step percentage change.
func PctChange(values []float64, n int) []float64 {
	out := nanSeries(len(values))
	for i := n; i < len(values); i++ {
		if values[i-n] == 0 || math.IsNaN(values[i-n]) || math.IsNaN(values[i]) {
			continue
		}
		out[i] = values[i]/values[i-n] - 1
	}
	return out
}

// RollingMean is the trailing mean over window w, NaN while any window
// member is NaN.
func RollingMean(values []float64, w int) []float64 {
	out := nanSeries(len(values))
	if w <= 0 {
		return out
	}
	for i := w - 1; i < len(values); i++ {
		window := values[i-w+1 : i+1]
		if hasNaN(window) {
			continue
		}
		out[i] = stat.Mean(window, nil)
	}
	return out
}

// RollingStd is the trailing population standard deviation over window w.
func RollingStd(values []float64, w int) []float64 {
	out := nanSeries(len(values))
	if w <= 1 {
		return out
	}
	for i := w - 1; i < len(values); i++ {
		window := values[i-w+1 : i+1]
		if hasNaN(window) {
			continue
		}
		mean := stat.Mean(window, nil)
		variance := 0.0
		for _, v := range window {
			d := v - mean
			variance += d * d
		}
		out[i] = math.Sqrt(variance / float64(len(window)))
	}
	return out
}

// RollingCorr is the trailing Pearson correlation of a and b over window w.
// NaN whenever either window contains a NaN or has zero variance.
func RollingCorr(a, b []float64, w int) []float64 {
	n := len(a)
	out := nanSeries(n)
	if w <= 1 || len(b) != n {
		return out
	}
	for i := w - 1; i < n; i++ {
		wa := a[i-w+1 : i+1]
		wb := b[i-w+1 : i+1]
		if hasNaN(wa) || hasNaN(wb) {
			continue
		}
		c := stat.Correlation(wa, wb, nil)
		if !math.IsNaN(c) {
			out[i] = c
		}
	}
	return out
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func hasNaN(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
