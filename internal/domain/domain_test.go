package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRegimeOneHotOrder(t *testing.T) {
	want := []string{RegimeHighVolatility, RegimeRanging, RegimeTrendingDown, RegimeTrendingUp}
	if len(Regimes) != len(want) {
		t.Fatalf("expected %d regimes, got %d", len(want), len(Regimes))
	}
	for i, regime := range want {
		if Regimes[i] != regime {
			t.Fatalf("regime column order changed at %d: got %s, want %s", i, Regimes[i], regime)
		}
	}
}

func TestForecastDirectionValues(t *testing.T) {
	if DirectionUp != "UP" || DirectionDown != "DOWN" || DirectionNeutral != "NEUTRAL" {
		t.Fatalf("direction constants not set correctly: %s %s %s", DirectionUp, DirectionDown, DirectionNeutral)
	}
}

func TestNoDataError(t *testing.T) {
	err := &NoDataError{Symbol: "HDFCBANK.NS", Stage: "features"}
	if got := err.Error(); got != "no data for HDFCBANK.NS at stage features" {
		t.Fatalf("unexpected message: %s", got)
	}
}

func TestAlignmentErrorMessage(t *testing.T) {
	err := &AlignmentError{
		Symbol:       "HDFCBANK.NS",
		FeatureCount: 10,
		PriceCount:   7,
		FeatureFrom:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		FeatureTo:    time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		PriceFrom:    time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		PriceTo:      time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC),
	}
	want := "no overlapping dates for HDFCBANK.NS: 10 feature rows [2026-01-01 .. 2026-01-10] vs 7 price rows [2026-02-01 .. 2026-02-07]"
	if got := err.Error(); got != want {
		t.Fatalf("unexpected message:\ngot  %s\nwant %s", got, want)
	}
}

func TestTrainingErrorUnwrap(t *testing.T) {
	cause := errors.New("singular design matrix")
	err := &TrainingError{ModelName: "sarima", Err: cause}
	if !errors.Is(err, cause) {
		t.Fatal("expected TrainingError to unwrap to its cause")
	}
	if got := err.Error(); !strings.Contains(got, "sarima") || !strings.Contains(got, "singular design matrix") {
		t.Fatalf("unexpected message: %s", got)
	}
}

func TestInferenceErrorMessage(t *testing.T) {
	err := &InferenceError{ModelName: "gbrt", Reason: "scaler shape mismatch"}
	if got := err.Error(); got != "inference with gbrt: scaler shape mismatch" {
		t.Fatalf("unexpected message: %s", got)
	}
}
