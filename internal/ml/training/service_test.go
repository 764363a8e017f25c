package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"equicast/internal/domain"
	"go.opentelemetry.io/otel/trace"
)

func TestTrainAllRegistersAllModelsWithoutPromoting(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	features, bars := makeTrainingData(400)
	registry := newStubRegistry()

	svc := NewService(nilTracer(), &stubFeatureStore{rows: features}, &stubBarStore{bars: bars}, registry, Config{
		Symbol:          "HDFCBANK.NS",
		Horizon:         1,
		TrainWindowDays: 730,
		MinTrainSamples: 50,
		EnableScreen:    true,
		IForestTrees:    50,
	})

	results, err := svc.TrainAll(context.Background(), now)
	if err != nil {
		t.Fatalf("train all failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected gbrt, sarima and iforest results, got %d", len(results))
	}

	want := map[string]bool{"gbrt": false, "sarima": false, "iforest": false}
	for _, r := range results {
		if _, ok := want[r.ModelName]; !ok {
			t.Fatalf("unexpected model %q", r.ModelName)
		}
		want[r.ModelName] = true
		if r.ModelVersion != "v1.0" {
			t.Fatalf("expected default version v1.0, got %q", r.ModelVersion)
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("missing result for %s", name)
		}
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if len(registry.models) != 3 {
		t.Fatalf("expected 3 registered versions, got %d", len(registry.models))
	}
	for key, model := range registry.models {
		if model.IsProduction {
			t.Fatalf("training promoted %s; promotion must be explicit", key)
		}
		if len(model.ArtifactBlob) == 0 {
			t.Fatalf("empty artifact for %s", key)
		}
	}
	if len(registry.activated) != 0 {
		t.Fatalf("training called ActivateModel: %v", registry.activated)
	}
}

func TestTrainAllRetrainOverwritesSameVersion(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	features, bars := makeTrainingData(350)
	registry := newStubRegistry()
	svc := NewService(nilTracer(), &stubFeatureStore{rows: features}, &stubBarStore{bars: bars}, registry, Config{
		Symbol:          "HDFCBANK.NS",
		MinTrainSamples: 50,
	})

	if _, err := svc.TrainAll(context.Background(), now); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if _, err := svc.TrainAll(context.Background(), now.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if len(registry.models) != 2 {
		t.Fatalf("expected 2 versions after overwrite, got %d", len(registry.models))
	}
	if registry.upserts["gbrt:v1.0"] != 2 {
		t.Fatalf("expected 2 upserts of gbrt:v1.0, got %d", registry.upserts["gbrt:v1.0"])
	}
}

func TestTrainAllNoDataError(t *testing.T) {
	registry := newStubRegistry()
	svc := NewService(nilTracer(), &stubFeatureStore{}, &stubBarStore{}, registry, Config{Symbol: "HDFCBANK.NS"})
	if _, err := svc.TrainAll(context.Background(), time.Now()); err == nil {
		t.Fatal("expected error with no stored data")
	}
}

func TestTrainAllEnforcesMinSamples(t *testing.T) {
	features, bars := makeTrainingData(120)
	registry := newStubRegistry()
	svc := NewService(nilTracer(), &stubFeatureStore{rows: features}, &stubBarStore{bars: bars}, registry, Config{
		Symbol:          "HDFCBANK.NS",
		MinTrainSamples: 100000,
	})
	if _, err := svc.TrainAll(context.Background(), time.Now()); err == nil {
		t.Fatal("expected error below the sample floor")
	}
}

func TestPromoteDelegatesToRegistry(t *testing.T) {
	registry := newStubRegistry()
	features, bars := makeTrainingData(350)
	svc := NewService(nilTracer(), &stubFeatureStore{rows: features}, &stubBarStore{bars: bars}, registry, Config{
		Symbol:          "HDFCBANK.NS",
		MinTrainSamples: 50,
	})
	if _, err := svc.TrainAll(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("train failed: %v", err)
	}
	if err := svc.Promote(context.Background(), "gbrt", "v1.0"); err != nil {
		t.Fatalf("promote failed: %v", err)
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if len(registry.activated) != 1 || registry.activated[0] != "gbrt:v1.0" {
		t.Fatalf("unexpected activations: %v", registry.activated)
	}
}

type stubFeatureStore struct {
	rows []domain.FeatureRow
}

func (s *stubFeatureStore) ListRows(_ context.Context, _, _ string, _, _ time.Time) ([]domain.FeatureRow, error) {
	return append([]domain.FeatureRow(nil), s.rows...), nil
}

type stubBarStore struct {
	bars []*domain.PriceBar
}

func (s *stubBarStore) ListRange(_ context.Context, _ string, _, _ time.Time) ([]*domain.PriceBar, error) {
	return append([]*domain.PriceBar(nil), s.bars...), nil
}

type stubRegistry struct {
	mu        sync.Mutex
	models    map[string]*domain.ModelVersion
	upserts   map[string]int
	activated []string
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{
		models:  make(map[string]*domain.ModelVersion),
		upserts: make(map[string]int),
	}
}

func (s *stubRegistry) UpsertModelVersion(_ context.Context, model domain.ModelVersion) (*domain.ModelVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s:%s", model.ModelName, model.ModelVersion)
	copyModel := model
	s.models[key] = &copyModel
	s.upserts[key]++
	return &copyModel, nil
}

func (s *stubRegistry) ActivateModel(_ context.Context, modelName, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s:%s", modelName, version)
	if _, ok := s.models[key]; !ok {
		return fmt.Errorf("model not found for activation: %s", key)
	}
	s.activated = append(s.activated, key)
	return nil
}

// makeTrainingData builds aligned daily features and bars with a mild trend
// plus a weekly wiggle so every model has structure to fit.
func makeTrainingData(n int) ([]domain.FeatureRow, []*domain.PriceBar) {
	start := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	rows := make([]domain.FeatureRow, 0, n)
	bars := make([]*domain.PriceBar, 0, n)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < n; i++ {
		f := float64(i)
		c := 1500 + 0.5*f + 10*math.Sin(2*math.Pi*f/5) + rng.NormFloat64()*3
		ts := start.AddDate(0, 0, i)
		bars = append(bars, &domain.PriceBar{
			Symbol: "HDFCBANK.NS", Timestamp: ts,
			Open: c - 1, High: c + 5, Low: c - 5, Close: c, Volume: 1e6,
		})
		rows = append(rows, domain.FeatureRow{
			Symbol: "HDFCBANK.NS", Timestamp: ts, FeatureVersion: domain.FeatureVersion,
			SMA5: c, SMA20: c - 2, SMA50: c - 5, EMA12: c, EMA26: c - 1,
			RSI14: 50 + 10*math.Sin(f/3), MACD: math.Sin(f / 4), MACDSignal: 0.8 * math.Sin(f/4), MACDHistogram: 0.2 * math.Sin(f/4),
			BollingerUpper: c + 20, BollingerMid: c, BollingerLower: c - 20,
			ATR14: 10, OBV: 1000 * f,
			Return1D: 0.001 * math.Sin(f), Return5D: 0.002 * math.Sin(f/2), Return20D: 0.004 * math.Sin(f/5),
			Volatility20: 0.01, VolumeSMA20: 1e6, VolumeRatio: 1,
			IndexCorrelation: 0.6, PeerCorrelation: 0.5, RelativeStrength: 0.1,
			Regime: domain.Regimes[i%len(domain.Regimes)], TrendStrength: 0.01,
		})
	}
	return rows, bars
}

func nilTracer() trace.Tracer {
	return trace.NewNoopTracerProvider().Tracer("training-test")
}
