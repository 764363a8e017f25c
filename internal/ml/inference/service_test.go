package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"equicast/internal/domain"
	"equicast/internal/ml/common"
	"equicast/internal/ml/models/gbrt"
	"equicast/internal/ml/models/sarima"

	"go.opentelemetry.io/otel/trace"
)

func TestRunLatestIssuesForecastPerHorizon(t *testing.T) {
	now := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)
	registry := &stubRegistry{models: map[string]*domain.ModelVersion{
		"gbrt": gbrtModelVersion(t, 1503),
	}}
	store := newStubForecastStore()

	svc := NewService(nilTracer(), &stubFeatureReader{rows: makeFeatureRows(12)}, &stubBarReader{close: 1500}, registry, store, Config{
		Symbol:      "HDFCBANK.NS",
		HorizonDays: 5,
	})

	result, err := svc.RunLatest(context.Background(), now)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Forecasts != 5 || result.ModelName != "gbrt" {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(store.byKey) != 5 {
		t.Fatalf("expected 5 stored forecasts, got %d", len(store.byKey))
	}

	for _, f := range store.byKey {
		if f.PredictedPrice != 1503 {
			t.Fatalf("predicted price %v, want 1503", f.PredictedPrice)
		}
		// +0.2% against a 1500 close clears the dead band.
		if f.Direction != domain.DirectionUp || f.DirectionProbability != 0.65 {
			t.Fatalf("direction %s/%v, want UP/0.65", f.Direction, f.DirectionProbability)
		}
		if f.ConfidenceLevel != 0.95 {
			t.Fatalf("confidence level %v", f.ConfidenceLevel)
		}
		if f.ConfidenceLower > f.PredictedPrice || f.ConfidenceUpper < f.PredictedPrice {
			t.Fatal("interval does not bracket the point estimate")
		}
		days := int(f.TargetDate.Sub(f.IssuedAt).Hours() / 24)
		if days < 1 || days > 5 {
			t.Fatalf("target date %v out of horizon range", f.TargetDate)
		}
	}
}

func TestRunLatestSmallMoveIsNeutral(t *testing.T) {
	registry := &stubRegistry{models: map[string]*domain.ModelVersion{
		"gbrt": gbrtModelVersion(t, 1500.5),
	}}
	store := newStubForecastStore()
	svc := NewService(nilTracer(), &stubFeatureReader{rows: makeFeatureRows(12)}, &stubBarReader{close: 1500}, registry, store, Config{
		Symbol: "HDFCBANK.NS",
	})

	if _, err := svc.RunLatest(context.Background(), time.Now()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	for _, f := range store.byKey {
		if f.Direction != domain.DirectionNeutral || f.DirectionProbability != 0.5 {
			t.Fatalf("direction %s/%v, want NEUTRAL/0.5", f.Direction, f.DirectionProbability)
		}
	}
}

func TestRunLatestRerunSupersedesSameTargetDate(t *testing.T) {
	now := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)
	registry := &stubRegistry{models: map[string]*domain.ModelVersion{
		"gbrt": gbrtModelVersion(t, 1503),
	}}
	store := newStubForecastStore()
	svc := NewService(nilTracer(), &stubFeatureReader{rows: makeFeatureRows(12)}, &stubBarReader{close: 1500}, registry, store, Config{
		Symbol: "HDFCBANK.NS", HorizonDays: 5,
	})

	if _, err := svc.RunLatest(context.Background(), now); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if _, err := svc.RunLatest(context.Background(), now.Add(2*time.Hour)); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if len(store.byKey) != 5 {
		t.Fatalf("rerun duplicated forecasts: %d stored", len(store.byKey))
	}
	if store.upserts != 10 {
		t.Fatalf("expected 10 upserts across both runs, got %d", store.upserts)
	}
}

func TestRunLatestFallsBackToBaseline(t *testing.T) {
	series := make([]float64, 200)
	rng := rand.New(rand.NewSource(8))
	for i := range series {
		series[i] = 1500 + 0.3*float64(i) + rng.NormFloat64()*4
	}
	baseline, err := sarima.Train(series, sarima.DefaultOrder())
	if err != nil {
		t.Fatalf("baseline train failed: %v", err)
	}
	blob, err := baseline.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	registry := &stubRegistry{models: map[string]*domain.ModelVersion{
		"sarima": {
			ModelName:      "sarima",
			ModelVersion:   "v1.0",
			ModelType:      sarima.ModelType,
			FeatureVersion: domain.FeatureVersion,
			ArtifactFormat: common.ArtifactFormatSARIMA,
			ArtifactBlob:   blob,
			IsProduction:   true,
		},
	}}
	store := newStubForecastStore()
	svc := NewService(nilTracer(), &stubFeatureReader{rows: makeFeatureRows(12)}, &stubBarReader{close: series[len(series)-1]}, registry, store, Config{
		Symbol: "HDFCBANK.NS", HorizonDays: 5,
	})

	result, err := svc.RunLatest(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.ModelName != "sarima" || result.Forecasts != 5 {
		t.Fatalf("unexpected result %+v", result)
	}
	for _, f := range store.byKey {
		if math.IsNaN(f.PredictedPrice) {
			t.Fatal("baseline produced NaN forecast")
		}
	}
}

func TestRunLatestNoProductionModel(t *testing.T) {
	svc := NewService(nilTracer(), &stubFeatureReader{rows: makeFeatureRows(12)}, &stubBarReader{close: 1500},
		&stubRegistry{models: map[string]*domain.ModelVersion{}}, newStubForecastStore(), Config{Symbol: "HDFCBANK.NS"})

	_, err := svc.RunLatest(context.Background(), time.Now())
	var infErr *domain.InferenceError
	if !errors.As(err, &infErr) {
		t.Fatalf("expected InferenceError, got %v", err)
	}
}

func TestRunLatestFeatureVersionMismatch(t *testing.T) {
	model := gbrtModelVersion(t, 1503)
	model.FeatureVersion = "v0"
	svc := NewService(nilTracer(), &stubFeatureReader{rows: makeFeatureRows(12)}, &stubBarReader{close: 1500},
		&stubRegistry{models: map[string]*domain.ModelVersion{"gbrt": model}}, newStubForecastStore(), Config{Symbol: "HDFCBANK.NS"})

	_, err := svc.RunLatest(context.Background(), time.Now())
	var infErr *domain.InferenceError
	if !errors.As(err, &infErr) {
		t.Fatalf("expected InferenceError, got %v", err)
	}
}

func TestRunLatestUnknownColumnInArtifact(t *testing.T) {
	model := gbrtModelVersionWithColumns(t, 1503, []string{"sma_5", "bogus"})
	svc := NewService(nilTracer(), &stubFeatureReader{rows: makeFeatureRows(12)}, &stubBarReader{close: 1500},
		&stubRegistry{models: map[string]*domain.ModelVersion{"gbrt": model}}, newStubForecastStore(), Config{Symbol: "HDFCBANK.NS"})

	_, err := svc.RunLatest(context.Background(), time.Now())
	var infErr *domain.InferenceError
	if !errors.As(err, &infErr) {
		t.Fatalf("expected InferenceError, got %v", err)
	}
}

// gbrtModelVersion builds a trivial production regressor whose prediction is
// always base, wrapped in the standard artifact envelope.
func gbrtModelVersion(t *testing.T, base float64) *domain.ModelVersion {
	t.Helper()
	return gbrtModelVersionWithColumns(t, base, []string{"sma_5", "returns_1d"})
}

func gbrtModelVersionWithColumns(t *testing.T, base float64, columns []string) *domain.ModelVersion {
	t.Helper()
	model := &gbrt.Model{Params: gbrt.DefaultParams(), Base: base}
	modelBlob, err := model.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal model: %v", err)
	}
	means := make([]float64, len(columns))
	stds := make([]float64, len(columns))
	for i := range stds {
		stds[i] = 1
	}
	blob, err := json.Marshal(common.RegressionArtifact{
		Columns: columns,
		Means:   means,
		Stds:    stds,
		Model:   modelBlob,
	})
	if err != nil {
		t.Fatalf("marshal artifact: %v", err)
	}
	return &domain.ModelVersion{
		ModelName:      "gbrt",
		ModelVersion:   "v1.0",
		ModelType:      gbrt.ModelType,
		FeatureVersion: domain.FeatureVersion,
		FeatureColumns: columns,
		ArtifactFormat: common.ArtifactFormatGBRT,
		ArtifactBlob:   blob,
		IsProduction:   true,
	}
}

func makeFeatureRows(n int) []domain.FeatureRow {
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]domain.FeatureRow, 0, n)
	for i := 0; i < n; i++ {
		f := float64(i)
		rows = append(rows, domain.FeatureRow{
			Symbol: "HDFCBANK.NS", Timestamp: start.AddDate(0, 0, i), FeatureVersion: domain.FeatureVersion,
			SMA5: 1500 + f, SMA20: 1498 + f, SMA50: 1495 + f, EMA12: 1500 + f, EMA26: 1499 + f,
			RSI14: 55, MACD: 0.5, MACDSignal: 0.4, MACDHistogram: 0.1,
			BollingerUpper: 1520 + f, BollingerMid: 1500 + f, BollingerLower: 1480 + f,
			ATR14: 12, OBV: 1000 * f,
			Return1D: 0.001, Return5D: 0.004, Return20D: 0.01,
			Volatility20: 0.012, VolumeSMA20: 1e6, VolumeRatio: 1.1,
			IndexCorrelation: 0.6, PeerCorrelation: 0.5, RelativeStrength: 0.1,
			Regime: domain.RegimeTrendingUp, TrendStrength: 0.03,
		})
	}
	return rows
}

type stubFeatureReader struct {
	rows []domain.FeatureRow
}

func (s *stubFeatureReader) ListRecent(_ context.Context, _, _ string, limit int) ([]domain.FeatureRow, error) {
	if limit > 0 && len(s.rows) > limit {
		return append([]domain.FeatureRow(nil), s.rows[len(s.rows)-limit:]...), nil
	}
	return append([]domain.FeatureRow(nil), s.rows...), nil
}

type stubBarReader struct {
	close float64
}

func (s *stubBarReader) Latest(_ context.Context, symbol string) (*domain.PriceBar, error) {
	return &domain.PriceBar{Symbol: symbol, Timestamp: time.Now().UTC(), Close: s.close}, nil
}

type stubRegistry struct {
	models map[string]*domain.ModelVersion
}

func (s *stubRegistry) GetActiveModel(_ context.Context, modelName string) (*domain.ModelVersion, error) {
	if m, ok := s.models[modelName]; ok && m.IsProduction {
		copyModel := *m
		return &copyModel, nil
	}
	return nil, nil
}

type stubForecastStore struct {
	byKey   map[string]domain.Forecast
	upserts int
}

func newStubForecastStore() *stubForecastStore {
	return &stubForecastStore{byKey: make(map[string]domain.Forecast)}
}

func (s *stubForecastStore) UpsertForecast(_ context.Context, f domain.Forecast) (*domain.Forecast, error) {
	key := fmt.Sprintf("%s|%s|%s|%s", f.Symbol, f.TargetDate.Format("2006-01-02"), f.ModelName, f.ModelVersion)
	s.byKey[key] = f
	s.upserts++
	copyForecast := f
	return &copyForecast, nil
}

func nilTracer() trace.Tracer {
	return trace.NewNoopTracerProvider().Tracer("inference-test")
}
