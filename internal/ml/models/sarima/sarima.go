// Package sarima fits a multiplicative seasonal ARIMA baseline with the
// Hannan-Rissanen two-stage least squares procedure: a long autoregression
// first estimates the innovations, then AR and MA terms are regressed
// jointly. Estimation is linear algebra only, so fitting is fast and exactly
// reproducible.
package sarima

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

const ModelType = "sarima"

// Order is (P,D,Q)x(SP,SD,SQ) with Season observations per cycle.
type Order struct {
	P      int `json:"p"`
	D      int `json:"d"`
	Q      int `json:"q"`
	SP     int `json:"sp"`
	SD     int `json:"sd"`
	SQ     int `json:"sq"`
	Season int `json:"season"`
}

// DefaultOrder is (2,1,2)x(1,1,1) with a 5-observation trading week.
func DefaultOrder() Order {
	return Order{P: 2, D: 1, Q: 2, SP: 1, SD: 1, SQ: 1, Season: 5}
}

// Model is a fitted baseline. The tails of the differenced series, the
// innovations and the per-stage differencing state are kept so forecasts can
// be produced without the training data.
type Model struct {
	Spec      Order     `json:"order"`
	ARLags    []int     `json:"ar_lags"`
	MALags    []int     `json:"ma_lags"`
	ARCoeffs  []float64 `json:"ar_coeffs"`
	MACoeffs  []float64 `json:"ma_coeffs"`
	Intercept float64   `json:"intercept"`

	DiffTail     []float64 `json:"diff_tail"`     // stationary series, most recent last
	ResidualTail []float64 `json:"residual_tail"` // innovations aligned with DiffTail
	SeasonalTail []float64 `json:"seasonal_tail"` // last Season values of the d-differenced series
	LastLevel    float64   `json:"last_level"`
}

const minSeriesLength = 40

// Train fits the model on a level series ordered oldest first.
func Train(series []float64, order Order) (*Model, error) {
	if order.Season < 2 || order.D != 1 || order.SD != 1 {
		return nil, fmt.Errorf("sarima: unsupported order %+v", order)
	}
	if len(series) < minSeriesLength {
		return nil, fmt.Errorf("sarima: need at least %d observations, have %d", minSeriesLength, len(series))
	}
	for i, v := range series {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("sarima: non-finite observation at %d", i)
		}
	}

	z := diff(series, 1)
	w := diff(z, order.Season)

	arLags := productLags(order.P, order.SP, order.Season)
	maLags := productLags(order.Q, order.SQ, order.Season)
	maxLag := maxOf(arLags, maLags)

	longOrder := maxLag + 3
	if len(w) <= longOrder+maxLag+2 {
		return nil, fmt.Errorf("sarima: only %d stationary observations for lag depth %d", len(w), maxLag)
	}

	resid, err := longARResiduals(w, longOrder)
	if err != nil {
		return nil, err
	}

	// Second stage: w_t on its own lags and the estimated innovations.
	start := longOrder + maxLag
	rows := len(w) - start
	cols := 1 + len(arLags) + len(maLags)
	if rows <= cols {
		return nil, fmt.Errorf("sarima: %d regression rows for %d coefficients", rows, cols)
	}

	design := mat.NewDense(rows, cols, nil)
	target := mat.NewDense(rows, 1, nil)
	for r := 0; r < rows; r++ {
		t := start + r
		design.Set(r, 0, 1)
		for j, lag := range arLags {
			design.Set(r, 1+j, w[t-lag])
		}
		for j, lag := range maLags {
			design.Set(r, 1+len(arLags)+j, resid[t-lag])
		}
		target.Set(r, 0, w[t])
	}

	beta, err := solveLeastSquares(design, target)
	if err != nil {
		return nil, fmt.Errorf("sarima: coefficient solve: %w", err)
	}

	m := &Model{
		Spec:      order,
		ARLags:    arLags,
		MALags:    maLags,
		Intercept: beta[0],
		ARCoeffs:  beta[1 : 1+len(arLags)],
		MACoeffs:  beta[1+len(arLags):],
	}

	// Final in-sample innovations under the fitted coefficients.
	finalResid := make([]float64, len(w))
	copy(finalResid, resid)
	for t := start; t < len(w); t++ {
		finalResid[t] = w[t] - m.onePoint(w, finalResid, t)
	}

	m.DiffTail = tail(w, maxLag)
	m.ResidualTail = tail(finalResid, maxLag)
	m.SeasonalTail = tail(z, order.Season)
	m.LastLevel = series[len(series)-1]
	return m, nil
}

// Forecast produces level forecasts for the next h steps by iterating the
// stationary model forward with zero future innovations and then undoing the
// seasonal and regular differencing.
func (m *Model) Forecast(h int) []float64 {
	if h <= 0 {
		return nil
	}
	w := append([]float64(nil), m.DiffTail...)
	resid := append([]float64(nil), m.ResidualTail...)
	z := append([]float64(nil), m.SeasonalTail...)

	out := make([]float64, h)
	level := m.LastLevel
	for k := 0; k < h; k++ {
		wNext := m.onePoint(w, resid, len(w))
		w = append(w, wNext)
		resid = append(resid, 0)

		zNext := wNext + z[len(z)-m.Spec.Season]
		z = append(z, zNext)

		level += zNext
		out[k] = level
	}
	return out
}

// onePoint evaluates the ARMA recursion for position t; lags reaching before
// the start of the slices contribute zero.
func (m *Model) onePoint(w, resid []float64, t int) float64 {
	v := m.Intercept
	for j, lag := range m.ARLags {
		if t-lag >= 0 {
			v += m.ARCoeffs[j] * w[t-lag]
		}
	}
	for j, lag := range m.MALags {
		if t-lag >= 0 {
			v += m.MACoeffs[j] * resid[t-lag]
		}
	}
	return v
}

func (m *Model) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

func (m *Model) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}

// longARResiduals runs the first Hannan-Rissanen stage: a pure AR fit of the
// given order whose residuals stand in for the unobserved innovations.
func longARResiduals(w []float64, order int) ([]float64, error) {
	rows := len(w) - order
	design := mat.NewDense(rows, order+1, nil)
	target := mat.NewDense(rows, 1, nil)
	for r := 0; r < rows; r++ {
		t := order + r
		design.Set(r, 0, 1)
		for lag := 1; lag <= order; lag++ {
			design.Set(r, lag, w[t-lag])
		}
		target.Set(r, 0, w[t])
	}

	beta, err := solveLeastSquares(design, target)
	if err != nil {
		return nil, fmt.Errorf("sarima: long autoregression solve: %w", err)
	}

	resid := make([]float64, len(w))
	for t := order; t < len(w); t++ {
		fit := beta[0]
		for lag := 1; lag <= order; lag++ {
			fit += beta[lag] * w[t-lag]
		}
		resid[t] = w[t] - fit
	}
	return resid, nil
}

func solveLeastSquares(a, b *mat.Dense) ([]float64, error) {
	var qr mat.QR
	qr.Factorize(a)

	_, cols := a.Dims()
	var solution mat.Dense
	if err := qr.SolveTo(&solution, false, b); err != nil {
		return nil, err
	}
	out := make([]float64, cols)
	for i := range out {
		out[i] = solution.At(i, 0)
		if math.IsNaN(out[i]) || math.IsInf(out[i], 0) {
			return nil, fmt.Errorf("non-finite coefficient at %d", i)
		}
	}
	return out, nil
}

// productLags expands a multiplicative (p)x(P)_s polynomial into the union
// of plain, seasonal and cross-term lags.
func productLags(p, sp, season int) []int {
	set := make(map[int]bool)
	for i := 1; i <= p; i++ {
		set[i] = true
	}
	for j := 1; j <= sp; j++ {
		set[j*season] = true
		for i := 1; i <= p; i++ {
			set[j*season+i] = true
		}
	}
	out := make([]int, 0, len(set))
	for lag := range set {
		out = append(out, lag)
	}
	sort.Ints(out)
	return out
}

func diff(values []float64, lag int) []float64 {
	out := make([]float64, len(values)-lag)
	for i := range out {
		out[i] = values[i+lag] - values[i]
	}
	return out
}

func tail(values []float64, n int) []float64 {
	if len(values) <= n {
		return append([]float64(nil), values...)
	}
	return append([]float64(nil), values[len(values)-n:]...)
}

func maxOf(a, b []int) int {
	out := 0
	for _, v := range a {
		if v > out {
			out = v
		}
	}
	for _, v := range b {
		if v > out {
			out = v
		}
	}
	return out
}
