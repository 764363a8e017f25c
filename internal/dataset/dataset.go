// Package dataset turns stored feature rows plus an independently sourced
// price series into a supervised learning matrix with a future-dated target.
package dataset

import (
	"fmt"
	"math"
	"sort"
	"time"

	"equicast/internal/domain"
	"equicast/internal/indicator"
)

const (
	DefaultTrainRatio = 0.8
	rollingWindow     = 5
)

// Dataset is a chronologically split, scaled training set. Validation is
// strictly after training in time; no shuffling ever happens. Columns is the
// exact feature ordering the fitted model must be fed with at inference.
type Dataset struct {
	TrainX [][]float64
	ValX   [][]float64
	TrainY []float64
	ValY   []float64

	TrainDates []time.Time
	ValDates   []time.Time

	Columns []string
	Scaler  *Scaler
	Horizon int
}

// baseColumns maps column names onto feature row fields, in the order the
// matrix is laid out. Lag, rolling and regime columns are appended after.
var baseColumns = []struct {
	name string
	get  func(domain.FeatureRow) float64
}{
	{"sma_5", func(r domain.FeatureRow) float64 { return r.SMA5 }},
	{"sma_20", func(r domain.FeatureRow) float64 { return r.SMA20 }},
	{"sma_50", func(r domain.FeatureRow) float64 { return r.SMA50 }},
	{"ema_12", func(r domain.FeatureRow) float64 { return r.EMA12 }},
	{"ema_26", func(r domain.FeatureRow) float64 { return r.EMA26 }},
	{"rsi_14", func(r domain.FeatureRow) float64 { return r.RSI14 }},
	{"macd", func(r domain.FeatureRow) float64 { return r.MACD }},
	{"macd_signal", func(r domain.FeatureRow) float64 { return r.MACDSignal }},
	{"macd_histogram", func(r domain.FeatureRow) float64 { return r.MACDHistogram }},
	{"bollinger_upper", func(r domain.FeatureRow) float64 { return r.BollingerUpper }},
	{"bollinger_middle", func(r domain.FeatureRow) float64 { return r.BollingerMid }},
	{"bollinger_lower", func(r domain.FeatureRow) float64 { return r.BollingerLower }},
	{"atr_14", func(r domain.FeatureRow) float64 { return r.ATR14 }},
	{"returns_1d", func(r domain.FeatureRow) float64 { return r.Return1D }},
	{"returns_5d", func(r domain.FeatureRow) float64 { return r.Return5D }},
	{"returns_20d", func(r domain.FeatureRow) float64 { return r.Return20D }},
	{"volatility_20d", func(r domain.FeatureRow) float64 { return r.Volatility20 }},
	{"volume_ratio", func(r domain.FeatureRow) float64 { return r.VolumeRatio }},
	{"correlation_sector_index", func(r domain.FeatureRow) float64 { return r.IndexCorrelation }},
	{"correlation_sector_peers", func(r domain.FeatureRow) float64 { return r.PeerCorrelation }},
	{"relative_strength_sector", func(r domain.FeatureRow) float64 { return r.RelativeStrength }},
	{"trend_strength", func(r domain.FeatureRow) float64 { return r.TrendStrength }},
}

// lagColumns get 1- and 2-step lags plus, for returns_1d, 5-step rolling
// mean/stddev. Everything derived looks strictly backward in time.
var lagColumns = []string{"returns_1d", "rsi_14", "macd", "volatility_20d"}

// Columns returns the full ordered feature column list for the current
// feature version.
func Columns() []string {
	out := make([]string, 0, len(baseColumns)+2*len(lagColumns)+2+len(domain.Regimes))
	for _, c := range baseColumns {
		out = append(out, c.name)
	}
	for _, name := range lagColumns {
		out = append(out, name+"_lag1", name+"_lag2")
	}
	out = append(out, "returns_1d_rolling_mean_5", "returns_1d_rolling_std_5")
	for _, regime := range domain.Regimes {
		out = append(out, "regime_"+regime)
	}
	return out
}

// Build joins feature rows with the price series on calendar date, shifts
// the close by horizon rows to form the target, derives lag/rolling columns,
// drops incomplete rows and splits chronologically. The scaler is fit on the
// train partition only and then frozen.
func Build(rows []domain.FeatureRow, prices []*domain.PriceBar, horizon int, trainRatio float64) (*Dataset, error) {
	if horizon <= 0 {
		horizon = 1
	}
	if trainRatio <= 0 || trainRatio >= 1 {
		trainRatio = DefaultTrainRatio
	}

	joined, closes, err := joinOnDate(rows, prices)
	if err != nil {
		return nil, err
	}

	series := buildColumnSeries(joined)
	columns := Columns()

	n := len(joined)
	samples := make([][]float64, 0, n)
	targets := make([]float64, 0, n)
	dates := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		if i+horizon >= n {
			break // trailing rows have no realized target yet
		}
		vector := make([]float64, len(columns))
		complete := true
		for j, name := range columns {
			v := series[name][i]
			if math.IsNaN(v) {
				complete = false
				break
			}
			vector[j] = v
		}
		if !complete {
			continue
		}
		samples = append(samples, vector)
		targets = append(targets, closes[i+horizon])
		dates = append(dates, joined[i].Timestamp)
	}

	if len(samples) < 2 {
		return nil, fmt.Errorf("dataset build: only %d complete samples after join and drop", len(samples))
	}

	trainEnd := int(float64(len(samples)) * trainRatio)
	if trainEnd < 1 {
		trainEnd = 1
	}
	if trainEnd >= len(samples) {
		trainEnd = len(samples) - 1
	}

	scaler := FitScaler(samples[:trainEnd])

	return &Dataset{
		TrainX:     scaler.TransformBatch(samples[:trainEnd]),
		ValX:       scaler.TransformBatch(samples[trainEnd:]),
		TrainY:     append([]float64(nil), targets[:trainEnd]...),
		ValY:       append([]float64(nil), targets[trainEnd:]...),
		TrainDates: append([]time.Time(nil), dates[:trainEnd]...),
		ValDates:   append([]time.Time(nil), dates[trainEnd:]...),
		Columns:    columns,
		Scaler:     scaler,
		Horizon:    horizon,
	}, nil
}

// LatestVector builds the unscaled feature vector for the newest of the
// given rows, using the trailing rows for lag and rolling columns. The
// requested column order must be a known one; unknown names error so a
// stale artifact cannot silently read the wrong feature.
func LatestVector(rows []domain.FeatureRow, columns []string) ([]float64, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no feature rows supplied")
	}
	ordered := append([]domain.FeatureRow(nil), rows...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	series := buildColumnSeries(ordered)
	last := len(ordered) - 1
	out := make([]float64, len(columns))
	for j, name := range columns {
		values, ok := series[name]
		if !ok {
			return nil, fmt.Errorf("unknown feature column %q", name)
		}
		v := values[last]
		if math.IsNaN(v) {
			return nil, fmt.Errorf("feature column %q undefined for latest row (need at least %d trailing rows)", name, rollingWindow+1)
		}
		out[j] = v
	}
	return out, nil
}

func buildColumnSeries(rows []domain.FeatureRow) map[string][]float64 {
	n := len(rows)
	series := make(map[string][]float64, len(baseColumns)+2*len(lagColumns)+2+len(domain.Regimes))

	for _, c := range baseColumns {
		values := make([]float64, n)
		for i := range rows {
			values[i] = c.get(rows[i])
		}
		series[c.name] = values
	}

	for _, name := range lagColumns {
		base := series[name]
		series[name+"_lag1"] = shift(base, 1)
		series[name+"_lag2"] = shift(base, 2)
	}

	series["returns_1d_rolling_mean_5"] = indicator.RollingMean(series["returns_1d"], rollingWindow)
	series["returns_1d_rolling_std_5"] = indicator.RollingStd(series["returns_1d"], rollingWindow)

	// Regime one-hots are always all present; exactly one is set per row.
	for _, regime := range domain.Regimes {
		values := make([]float64, n)
		for i := range rows {
			if rows[i].Regime == "" {
				values[i] = math.NaN()
				continue
			}
			if rows[i].Regime == regime {
				values[i] = 1
			}
		}
		series["regime_"+regime] = values
	}
	return series
}

func shift(values []float64, steps int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		if i < steps {
			out[i] = math.NaN()
			continue
		}
		out[i] = values[i-steps]
	}
	return out
}

// joinOnDate inner-joins feature rows with price bars on calendar date.
// Intraday precision is dropped on both sides before matching so two
// independently sourced series with different timestamp conventions still
// line up. Zero overlap is an AlignmentError carrying both date ranges.
func joinOnDate(rows []domain.FeatureRow, prices []*domain.PriceBar) ([]domain.FeatureRow, []float64, error) {
	closeByDate := make(map[string]float64, len(prices))
	var priceFrom, priceTo time.Time
	priceCount := 0
	for _, bar := range prices {
		if bar == nil {
			continue
		}
		closeByDate[dateKey(bar.Timestamp)] = bar.Close
		ts := bar.Timestamp.UTC()
		if priceCount == 0 || ts.Before(priceFrom) {
			priceFrom = ts
		}
		if priceCount == 0 || ts.After(priceTo) {
			priceTo = ts
		}
		priceCount++
	}

	ordered := append([]domain.FeatureRow(nil), rows...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	joined := make([]domain.FeatureRow, 0, len(ordered))
	closes := make([]float64, 0, len(ordered))
	for i := range ordered {
		if c, ok := closeByDate[dateKey(ordered[i].Timestamp)]; ok {
			joined = append(joined, ordered[i])
			closes = append(closes, c)
		}
	}

	if len(joined) == 0 {
		symbol := ""
		var featureFrom, featureTo time.Time
		if len(ordered) > 0 {
			symbol = ordered[0].Symbol
			featureFrom = ordered[0].Timestamp
			featureTo = ordered[len(ordered)-1].Timestamp
		}
		return nil, nil, &domain.AlignmentError{
			Symbol:       symbol,
			FeatureCount: len(ordered),
			PriceCount:   priceCount,
			FeatureFrom:  featureFrom,
			FeatureTo:    featureTo,
			PriceFrom:    priceFrom,
			PriceTo:      priceTo,
		}
	}
	return joined, closes, nil
}

func dateKey(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}
