package common

import (
	"encoding/json"
	"math"

	"equicast/internal/domain"
)

const (
	ModelNameGBRT    = "gbrt"
	ModelNameSARIMA  = "sarima"
	ModelNameIForest = "iforest"

	ArtifactFormatGBRT    = "json/gbrt-v1"
	ArtifactFormatSARIMA  = "json/sarima-v1"
	ArtifactFormatIForest = "json/iforest-v1"
)

// DirectionDeadBand is the predicted-change fraction below which a forecast
// is called neutral rather than a direction.
const DirectionDeadBand = 0.001

const (
	DirectionalProb = 0.65
	NeutralProb     = 0.50
)

// RegressionArtifact is the persistence envelope for feature-vector models:
// the scaler fitted on the training partition, the exact column order and
// the serialized model itself.
type RegressionArtifact struct {
	Columns []string        `json:"columns"`
	Means   []float64       `json:"means"`
	Stds    []float64       `json:"stds"`
	Model   json.RawMessage `json:"model"`
}

// ZScore maps a confidence level onto its two-sided normal quantile.
// Unknown levels fall back to 95%.
func ZScore(confidence float64) float64 {
	switch {
	case confidence >= 0.99:
		return 2.576
	case confidence >= 0.95:
		return 1.96
	case confidence >= 0.90:
		return 1.645
	default:
		return 1.96
	}
}

// DirectionFromChange classifies a predicted price against the latest close.
// Moves inside the dead band are neutral with an uninformative probability.
func DirectionFromChange(predicted, lastClose float64) (domain.ForecastDirection, float64) {
	if lastClose == 0 || math.IsNaN(predicted) || math.IsNaN(lastClose) {
		return domain.DirectionNeutral, NeutralProb
	}
	change := (predicted - lastClose) / lastClose
	switch {
	case change > DirectionDeadBand:
		return domain.DirectionUp, DirectionalProb
	case change < -DirectionDeadBand:
		return domain.DirectionDown, DirectionalProb
	default:
		return domain.DirectionNeutral, NeutralProb
	}
}

// RegressionMetrics summarizes held-out predictions the way validation
// reports expect them: rmse, mae, r2, mape and a step-over-step directional
// accuracy.
func RegressionMetrics(actual, predicted []float64) map[string]float64 {
	n := len(actual)
	if n == 0 || len(predicted) != n {
		return map[string]float64{"rmse": 0, "mae": 0, "r2": 0, "mape": 0, "directional_accuracy": 0, "n_val": 0}
	}

	mean := 0.0
	for _, y := range actual {
		mean += y
	}
	mean /= float64(n)

	sse, sae, sst, ape := 0.0, 0.0, 0.0, 0.0
	apeCount := 0
	for i := 0; i < n; i++ {
		d := predicted[i] - actual[i]
		sse += d * d
		sae += math.Abs(d)
		dm := actual[i] - mean
		sst += dm * dm
		if actual[i] != 0 {
			ape += math.Abs(d / actual[i])
			apeCount++
		}
	}

	r2 := 0.0
	if sst > 0 {
		r2 = 1 - sse/sst
	}
	mape := 0.0
	if apeCount > 0 {
		mape = ape / float64(apeCount) * 100
	}

	hits, moves := 0, 0
	for i := 1; i < n; i++ {
		actualMove := actual[i] - actual[i-1]
		predictedMove := predicted[i] - actual[i-1]
		if actualMove == 0 {
			continue
		}
		moves++
		if (actualMove > 0) == (predictedMove > 0) {
			hits++
		}
	}
	directional := 0.0
	if moves > 0 {
		directional = float64(hits) / float64(moves)
	}

	return map[string]float64{
		"rmse":                 math.Sqrt(sse / float64(n)),
		"mae":                  sae / float64(n),
		"r2":                   r2,
		"mape":                 mape,
		"directional_accuracy": directional,
		"n_val":                float64(n),
	}
}

func Clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0.5
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
