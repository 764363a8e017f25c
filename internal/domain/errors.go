package domain

import (
	"fmt"
	"time"
)

// NoDataError signals an empty or insufficient upstream series. Callers are
// expected to skip the symbol and log rather than abort the whole run.
type NoDataError struct {
	Symbol string
	Stage  string
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("no data for %s at stage %s", e.Symbol, e.Stage)
}

// AlignmentError means the date join between features and prices produced
// zero rows. Both sides' date ranges are carried for diagnosis.
type AlignmentError struct {
	Symbol       string
	FeatureCount int
	PriceCount   int
	FeatureFrom  time.Time
	FeatureTo    time.Time
	PriceFrom    time.Time
	PriceTo      time.Time
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf(
		"no overlapping dates for %s: %d feature rows [%s .. %s] vs %d price rows [%s .. %s]",
		e.Symbol,
		e.FeatureCount, e.FeatureFrom.Format("2006-01-02"), e.FeatureTo.Format("2006-01-02"),
		e.PriceCount, e.PriceFrom.Format("2006-01-02"), e.PriceTo.Format("2006-01-02"),
	)
}

// TrainingError wraps a model fit failure. No partially fitted model is ever
// persisted or promoted behind one of these.
type TrainingError struct {
	ModelName string
	Err       error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("training %s: %v", e.ModelName, e.Err)
}

func (e *TrainingError) Unwrap() error { return e.Err }

// InferenceError means the stored artifact and the live feature row disagree
// (column order, column count, scaler shape). Fatal for that forecast request.
type InferenceError struct {
	ModelName string
	Reason    string
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference with %s: %s", e.ModelName, e.Reason)
}
