package inference

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"equicast/internal/dataset"
	"equicast/internal/domain"
	"equicast/internal/ml/common"
	"equicast/internal/ml/models/gbrt"
	iforestmodel "equicast/internal/ml/models/iforest"
	"equicast/internal/ml/models/sarima"

	"go.opentelemetry.io/otel/trace"
)

type FeatureReader interface {
	ListRecent(ctx context.Context, symbol, version string, limit int) ([]domain.FeatureRow, error)
}

type BarReader interface {
	Latest(ctx context.Context, symbol string) (*domain.PriceBar, error)
}

type ModelRegistry interface {
	GetActiveModel(ctx context.Context, modelName string) (*domain.ModelVersion, error)
}

type ForecastStore interface {
	UpsertForecast(ctx context.Context, forecast domain.Forecast) (*domain.Forecast, error)
}

type Config struct {
	Symbol          string
	FeatureVersion  string
	HorizonDays     int
	ConfidenceLevel float64
	FeatureWindow   int // rows fetched for vector construction
	RecentRows      int // rows scored to estimate prediction spread
	EnableScreen    bool
}

// Service issues forecasts from the production model. The regressor is
// preferred; when no regressor has been promoted the seasonal baseline is
// used instead. Re-running for the same target date overwrites the earlier
// unresolved forecast.
type Service struct {
	tracer    trace.Tracer
	features  FeatureReader
	bars      BarReader
	registry  ModelRegistry
	forecasts ForecastStore
	cfg       Config
}

type RunResult struct {
	ModelName string
	Forecasts int
}

func NewService(tracer trace.Tracer, features FeatureReader, bars BarReader, registry ModelRegistry, forecasts ForecastStore, cfg Config) *Service {
	if cfg.FeatureVersion == "" {
		cfg.FeatureVersion = domain.FeatureVersion
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = 5
	}
	if cfg.ConfidenceLevel <= 0 || cfg.ConfidenceLevel >= 1 {
		cfg.ConfidenceLevel = 0.95
	}
	if cfg.FeatureWindow <= 0 {
		cfg.FeatureWindow = 60
	}
	if cfg.RecentRows <= 0 {
		cfg.RecentRows = 30
	}
	return &Service{tracer: tracer, features: features, bars: bars, registry: registry, forecasts: forecasts, cfg: cfg}
}

// RunLatest produces one forecast per horizon day from the newest stored
// feature row and price bar.
func (s *Service) RunLatest(ctx context.Context, now time.Time) (RunResult, error) {
	_, span := s.tracer.Start(ctx, "inference.run-latest")
	defer span.End()

	now = now.UTC()

	active, err := s.productionModel(ctx)
	if err != nil {
		return RunResult{}, err
	}

	rows, err := s.features.ListRecent(ctx, s.cfg.Symbol, s.cfg.FeatureVersion, s.cfg.FeatureWindow)
	if err != nil {
		return RunResult{}, err
	}
	if len(rows) == 0 {
		return RunResult{}, &domain.NoDataError{Symbol: s.cfg.Symbol, Stage: "inference"}
	}
	latestBar, err := s.bars.Latest(ctx, s.cfg.Symbol)
	if err != nil {
		return RunResult{}, err
	}
	if latestBar == nil {
		return RunResult{}, &domain.NoDataError{Symbol: s.cfg.Symbol, Stage: "inference"}
	}

	var prices []float64
	var stdErr float64
	anomalyScore := math.NaN()

	switch active.ArtifactFormat {
	case common.ArtifactFormatGBRT:
		prices, stdErr, anomalyScore, err = s.forecastGBRT(ctx, active, rows)
	case common.ArtifactFormatSARIMA:
		prices, stdErr, err = s.forecastSARIMA(active)
	default:
		return RunResult{}, &domain.InferenceError{ModelName: active.ModelName, Reason: "unknown artifact format " + active.ArtifactFormat}
	}
	if err != nil {
		return RunResult{}, err
	}

	z := common.ZScore(s.cfg.ConfidenceLevel)
	result := RunResult{ModelName: active.ModelName}
	for h := 1; h <= s.cfg.HorizonDays; h++ {
		predicted := prices[h-1]
		direction, prob := common.DirectionFromChange(predicted, latestBar.Close)

		forecast := domain.Forecast{
			Symbol:               s.cfg.Symbol,
			IssuedAt:             now,
			TargetDate:           now.AddDate(0, 0, h),
			PredictedPrice:       predicted,
			ConfidenceLower:      predicted - z*stdErr,
			ConfidenceUpper:      predicted + z*stdErr,
			ConfidenceLevel:      s.cfg.ConfidenceLevel,
			ModelName:            active.ModelName,
			ModelVersion:         active.ModelVersion,
			FeatureVersion:       s.cfg.FeatureVersion,
			Direction:            direction,
			DirectionProbability: prob,
			DetailsJSON:          s.detailsJSON(active, h, stdErr, anomalyScore),
		}
		if _, err := s.forecasts.UpsertForecast(ctx, forecast); err != nil {
			return result, err
		}
		result.Forecasts++
	}
	return result, nil
}

// productionModel prefers the promoted regressor and falls back to the
// promoted baseline.
func (s *Service) productionModel(ctx context.Context) (*domain.ModelVersion, error) {
	active, err := s.registry.GetActiveModel(ctx, common.ModelNameGBRT)
	if err != nil {
		return nil, err
	}
	if active == nil {
		active, err = s.registry.GetActiveModel(ctx, common.ModelNameSARIMA)
		if err != nil {
			return nil, err
		}
	}
	if active == nil {
		return nil, &domain.InferenceError{ModelName: common.ModelNameGBRT, Reason: "no production model registered"}
	}
	if active.FeatureVersion != "" && active.FeatureVersion != s.cfg.FeatureVersion {
		return nil, &domain.InferenceError{
			ModelName: active.ModelName,
			Reason:    "model feature version " + active.FeatureVersion + " does not match " + s.cfg.FeatureVersion,
		}
	}
	return active, nil
}

// forecastGBRT predicts from the newest feature vector. All horizons share
// the same point estimate; uncertainty comes from the spread of predictions
// over the recent rows.
func (s *Service) forecastGBRT(ctx context.Context, active *domain.ModelVersion, rows []domain.FeatureRow) ([]float64, float64, float64, error) {
	var artifact common.RegressionArtifact
	if err := json.Unmarshal(active.ArtifactBlob, &artifact); err != nil {
		return nil, 0, 0, &domain.InferenceError{ModelName: active.ModelName, Reason: "artifact decode: " + err.Error()}
	}
	if len(artifact.Columns) == 0 || len(artifact.Means) != len(artifact.Columns) || len(artifact.Stds) != len(artifact.Columns) {
		return nil, 0, 0, &domain.InferenceError{ModelName: active.ModelName, Reason: "artifact scaler shape mismatch"}
	}
	model := &gbrt.Model{}
	if err := model.UnmarshalBinary(artifact.Model); err != nil {
		return nil, 0, 0, &domain.InferenceError{ModelName: active.ModelName, Reason: "model decode: " + err.Error()}
	}

	vector, err := dataset.LatestVector(rows, artifact.Columns)
	if err != nil {
		return nil, 0, 0, &domain.InferenceError{ModelName: active.ModelName, Reason: err.Error()}
	}
	scaled := scaleVector(vector, artifact.Means, artifact.Stds)
	predicted := model.Predict(scaled)

	recent := s.recentPredictions(rows, &artifact, model)
	stdErr := stddev(recent) * 0.1

	anomalyScore := math.NaN()
	if s.cfg.EnableScreen {
		anomalyScore = s.screenScore(ctx, scaled)
	}

	prices := make([]float64, s.cfg.HorizonDays)
	for h := range prices {
		prices[h] = predicted
	}
	return prices, stdErr, anomalyScore, nil
}

func (s *Service) forecastSARIMA(active *domain.ModelVersion) ([]float64, float64, error) {
	model := &sarima.Model{}
	if err := model.UnmarshalBinary(active.ArtifactBlob); err != nil {
		return nil, 0, &domain.InferenceError{ModelName: active.ModelName, Reason: "model decode: " + err.Error()}
	}
	prices := model.Forecast(s.cfg.HorizonDays)
	if len(prices) != s.cfg.HorizonDays {
		return nil, 0, &domain.InferenceError{ModelName: active.ModelName, Reason: "baseline produced no forecast"}
	}
	return prices, stddev(model.ResidualTail), nil
}

// recentPredictions replays the model over trailing prefixes of the feature
// rows. Prefixes too short for a full vector are skipped.
func (s *Service) recentPredictions(rows []domain.FeatureRow, artifact *common.RegressionArtifact, model *gbrt.Model) []float64 {
	start := len(rows) - s.cfg.RecentRows
	if start < 0 {
		start = 0
	}
	out := make([]float64, 0, len(rows)-start)
	for i := start; i < len(rows); i++ {
		vector, err := dataset.LatestVector(rows[:i+1], artifact.Columns)
		if err != nil {
			continue
		}
		out = append(out, model.Predict(scaleVector(vector, artifact.Means, artifact.Stds)))
	}
	return out
}

// screenScore runs the anomaly screen on the scaled vector; any failure
// degrades to NaN so the forecast is still produced.
func (s *Service) screenScore(ctx context.Context, scaled []float64) float64 {
	active, err := s.registry.GetActiveModel(ctx, common.ModelNameIForest)
	if err != nil || active == nil {
		return math.NaN()
	}
	screen, err := iforestmodel.UnmarshalBinary(active.ArtifactBlob)
	if err != nil {
		return math.NaN()
	}
	return screen.PredictScore(scaled)
}

func (s *Service) detailsJSON(active *domain.ModelVersion, horizon int, stdErr, anomalyScore float64) string {
	payload := map[string]any{
		"model_type":   active.ModelType,
		"horizon_days": horizon,
		"std_error":    roundFloat(stdErr),
	}
	if !math.IsNaN(anomalyScore) {
		payload["anomaly_score"] = roundFloat(anomalyScore)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func scaleVector(v, means, stds []float64) []float64 {
	out := make([]float64, len(v))
	for i := range v {
		out[i] = (v[i] - means[i]) / stds[i]
	}
	return out
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	ss := 0.0
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}

func roundFloat(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*10000) / 10000
}
