package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"equicast/internal/domain"
	"equicast/internal/features"

	"go.opentelemetry.io/otel/trace"
)

func TestRefreshFeaturesWritesRows(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := stubBars(map[string][]*domain.PriceBar{
		"HDFCBANK.NS": trendBars("HDFCBANK.NS", 80, start),
		"^NSEBANK":    trendBars("^NSEBANK", 80, start),
		"ICICIBANK.NS": trendBars("ICICIBANK.NS", 80, start),
	})
	writer := &stubFeatureWriter{}
	svc := NewForecastService(
		testTracer(), bars, features.NewEngine(domain.FeatureVersion), writer, nil, nil, nil,
		ForecastServiceConfig{Symbol: "HDFCBANK.NS", SectorIndex: "^NSEBANK", PeerSymbols: []string{"ICICIBANK.NS"}},
	)

	n, err := svc.RefreshFeatures(context.Background())
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if n == 0 || len(writer.rows) != n {
		t.Fatalf("expected written rows to match count, got n=%d stored=%d", n, len(writer.rows))
	}
	for _, row := range writer.rows {
		if row.Symbol != "HDFCBANK.NS" {
			t.Fatalf("unexpected symbol in feature row: %s", row.Symbol)
		}
	}
}

func TestRefreshFeaturesNoBarsReturnsNoDataError(t *testing.T) {
	svc := NewForecastService(
		testTracer(), stubBars(nil), features.NewEngine(domain.FeatureVersion), &stubFeatureWriter{}, nil, nil, nil,
		ForecastServiceConfig{Symbol: "HDFCBANK.NS"},
	)

	_, err := svc.RefreshFeatures(context.Background())
	var noData *domain.NoDataError
	if !errors.As(err, &noData) {
		t.Fatalf("expected NoDataError, got %v", err)
	}
}

func TestResolveOutcomesUsesNextTradingDay(t *testing.T) {
	// Target date is a Saturday; the first close lands two days later.
	target := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	monday := target.AddDate(0, 0, 2)
	bars := stubBars(map[string][]*domain.PriceBar{
		"HDFCBANK.NS": {{Symbol: "HDFCBANK.NS", Timestamp: monday, Close: 1512, AdjustedClose: 1512}},
	})
	resolver := &stubForecastResolver{
		pending: []domain.Forecast{
			{ID: 7, Symbol: "HDFCBANK.NS", TargetDate: target, PredictedPrice: 1505},
		},
	}
	svc := NewForecastService(testTracer(), bars, nil, nil, nil, nil, resolver, ForecastServiceConfig{Symbol: "HDFCBANK.NS"})

	resolved, err := svc.ResolveOutcomes(context.Background(), 50)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("expected 1 resolved forecast, got %d", resolved)
	}
	if len(resolver.resolved) != 1 || resolver.resolved[0].id != 7 || resolver.resolved[0].actual != 1512 {
		t.Fatalf("unexpected resolution: %+v", resolver.resolved)
	}
}

func TestResolveOutcomesSkipsMissingCloses(t *testing.T) {
	target := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	resolver := &stubForecastResolver{
		pending: []domain.Forecast{
			{ID: 3, Symbol: "HDFCBANK.NS", TargetDate: target, PredictedPrice: 1505},
		},
	}
	svc := NewForecastService(testTracer(), stubBars(nil), nil, nil, nil, nil, resolver, ForecastServiceConfig{Symbol: "HDFCBANK.NS"})

	resolved, err := svc.ResolveOutcomes(context.Background(), 50)
	if err != nil {
		t.Fatalf("resolve errored: %v", err)
	}
	if resolved != 0 || len(resolver.resolved) != 0 {
		t.Fatalf("expected no resolutions, got %d", resolved)
	}
}

func TestBarLimitForWindow(t *testing.T) {
	if got := barLimitForWindow(730); got != 794 {
		t.Fatalf("expected warmup added to window, got %d", got)
	}
	if got := barLimitForWindow(30); got != 300 {
		t.Fatalf("expected minimum limit floor, got %d", got)
	}
}

func testTracer() trace.Tracer {
	return trace.NewNoopTracerProvider().Tracer("forecast-service-test")
}

func trendBars(symbol string, n int, start time.Time) []*domain.PriceBar {
	bars := make([]*domain.PriceBar, 0, n)
	for i := 0; i < n; i++ {
		price := 1500 + float64(i)
		bars = append(bars, &domain.PriceBar{
			Symbol:        symbol,
			Timestamp:     start.AddDate(0, 0, i),
			Open:          price - 1,
			High:          price + 2,
			Low:           price - 2,
			Close:         price,
			Volume:        1e6,
			AdjustedClose: price,
		})
	}
	return bars
}

type barMapStub struct {
	bySymbol map[string][]*domain.PriceBar
}

func stubBars(bySymbol map[string][]*domain.PriceBar) *barMapStub {
	if bySymbol == nil {
		bySymbol = make(map[string][]*domain.PriceBar)
	}
	return &barMapStub{bySymbol: bySymbol}
}

func (s *barMapStub) ListRecent(_ context.Context, symbol string, limit int) ([]*domain.PriceBar, error) {
	bars := s.bySymbol[symbol]
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

func (s *barMapStub) GetOnDate(_ context.Context, symbol string, date time.Time) (*domain.PriceBar, error) {
	for _, bar := range s.bySymbol[symbol] {
		if bar.Timestamp.UTC().Truncate(24 * time.Hour).Equal(date.UTC().Truncate(24 * time.Hour)) {
			return bar, nil
		}
	}
	return nil, nil
}

type stubFeatureWriter struct {
	rows []domain.FeatureRow
}

func (s *stubFeatureWriter) UpsertRows(_ context.Context, rows []domain.FeatureRow) error {
	s.rows = append(s.rows, rows...)
	return nil
}

type resolvedCall struct {
	id     int64
	actual float64
}

type stubForecastResolver struct {
	pending  []domain.Forecast
	resolved []resolvedCall
}

func (s *stubForecastResolver) ListUnresolvedDue(_ context.Context, _ time.Time, _ int) ([]domain.Forecast, error) {
	return s.pending, nil
}

func (s *stubForecastResolver) ResolveForecast(_ context.Context, id int64, actual float64, _ time.Time) (bool, error) {
	s.resolved = append(s.resolved, resolvedCall{id: id, actual: actual})
	return true, nil
}
