package dataset

import "math"

// Scaler standardizes feature vectors with per-column mean and stddev fit
// on the training partition. Constant columns keep a stddev of 1 so
// transforming them is a no-op instead of a division by zero.
type Scaler struct {
	Means []float64 `json:"means"`
	Stds  []float64 `json:"stds"`
}

func FitScaler(x [][]float64) *Scaler {
	if len(x) == 0 {
		return &Scaler{}
	}
	cols := len(x[0])
	means := make([]float64, cols)
	stds := make([]float64, cols)

	for j := 0; j < cols; j++ {
		sum := 0.0
		for i := range x {
			sum += x[i][j]
		}
		means[j] = sum / float64(len(x))
	}
	for j := 0; j < cols; j++ {
		ss := 0.0
		for i := range x {
			d := x[i][j] - means[j]
			ss += d * d
		}
		stds[j] = math.Sqrt(ss / float64(len(x)))
		if stds[j] == 0 {
			stds[j] = 1
		}
	}
	return &Scaler{Means: means, Stds: stds}
}

// Transform returns a standardized copy of v. The input is never mutated.
func (s *Scaler) Transform(v []float64) []float64 {
	out := make([]float64, len(v))
	for j := range v {
		if j < len(s.Means) {
			out[j] = (v[j] - s.Means[j]) / s.Stds[j]
			continue
		}
		out[j] = v[j]
	}
	return out
}

func (s *Scaler) TransformBatch(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i := range x {
		out[i] = s.Transform(x[i])
	}
	return out
}
