package training

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"equicast/internal/dataset"
	"equicast/internal/domain"
	"equicast/internal/ml/common"
	"equicast/internal/ml/models/gbrt"
	"equicast/internal/ml/models/iforest"
	"equicast/internal/ml/models/sarima"

	"go.opentelemetry.io/otel/trace"
)

type FeatureRowStore interface {
	ListRows(ctx context.Context, symbol, version string, from, to time.Time) ([]domain.FeatureRow, error)
}

type BarStore interface {
	ListRange(ctx context.Context, symbol string, from, to time.Time) ([]*domain.PriceBar, error)
}

type ModelRegistry interface {
	UpsertModelVersion(ctx context.Context, model domain.ModelVersion) (*domain.ModelVersion, error)
	ActivateModel(ctx context.Context, modelName, version string) error
}

type Config struct {
	Symbol          string
	FeatureVersion  string
	ModelVersion    string
	Horizon         int
	TrainWindowDays int
	MinTrainSamples int
	TrainRatio      float64

	EnableScreen      bool
	IForestTrees      int
	IForestSampleSize int
}

// Service retrains every registered model from the stored features and
// prices. Freshly trained versions are registered but never promoted here;
// promotion is an explicit, separate call.
type Service struct {
	tracer   trace.Tracer
	features FeatureRowStore
	bars     BarStore
	registry ModelRegistry
	cfg      Config
}

type ModelTrainResult struct {
	ModelName    string
	ModelVersion string
	SampleCount  int
	ValCount     int
	RMSE         float64
	Metrics      map[string]float64
}

func NewService(tracer trace.Tracer, features FeatureRowStore, bars BarStore, registry ModelRegistry, cfg Config) *Service {
	if cfg.FeatureVersion == "" {
		cfg.FeatureVersion = domain.FeatureVersion
	}
	if cfg.ModelVersion == "" {
		cfg.ModelVersion = "v1.0"
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 1
	}
	if cfg.TrainWindowDays <= 0 {
		cfg.TrainWindowDays = 730
	}
	if cfg.MinTrainSamples <= 0 {
		cfg.MinTrainSamples = 100
	}
	if cfg.TrainRatio <= 0 || cfg.TrainRatio >= 1 {
		cfg.TrainRatio = dataset.DefaultTrainRatio
	}
	if cfg.IForestTrees <= 0 {
		cfg.IForestTrees = iforest.DefaultTrainOptions().NumTrees
	}
	if cfg.IForestSampleSize <= 0 {
		cfg.IForestSampleSize = iforest.DefaultTrainOptions().SampleSize
	}
	return &Service{tracer: tracer, features: features, bars: bars, registry: registry, cfg: cfg}
}

// TrainAll fits the regressor, the seasonal baseline and, when enabled, the
// anomaly screen on the training window ending at now.
func (s *Service) TrainAll(ctx context.Context, now time.Time) ([]ModelTrainResult, error) {
	_, span := s.tracer.Start(ctx, "training.train-all")
	defer span.End()

	now = now.UTC()
	from := now.AddDate(0, 0, -s.cfg.TrainWindowDays)

	rows, err := s.features.ListRows(ctx, s.cfg.Symbol, s.cfg.FeatureVersion, from, now)
	if err != nil {
		return nil, err
	}
	bars, err := s.bars.ListRange(ctx, s.cfg.Symbol, from, now)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || len(bars) == 0 {
		return nil, &domain.NoDataError{Symbol: s.cfg.Symbol, Stage: "training"}
	}

	ds, err := dataset.Build(rows, bars, s.cfg.Horizon, s.cfg.TrainRatio)
	if err != nil {
		return nil, err
	}
	if len(ds.TrainX) < s.cfg.MinTrainSamples {
		return nil, fmt.Errorf("not enough training samples: got %d need >= %d", len(ds.TrainX), s.cfg.MinTrainSamples)
	}

	results := make([]ModelTrainResult, 0, 3)

	gbrtResult, err := s.trainGBRT(ctx, ds, from, now)
	if err != nil {
		return nil, err
	}
	results = append(results, gbrtResult)

	sarimaResult, err := s.trainSARIMA(ctx, bars, from, now)
	if err != nil {
		return nil, err
	}
	results = append(results, sarimaResult)

	if s.cfg.EnableScreen {
		screenResult, err := s.trainScreen(ctx, ds, from, now)
		if err != nil {
			return nil, err
		}
		results = append(results, screenResult)
	}

	return results, nil
}

// Promote marks one registered version as the production model for its name.
func (s *Service) Promote(ctx context.Context, modelName, version string) error {
	_, span := s.tracer.Start(ctx, "training.promote")
	defer span.End()
	return s.registry.ActivateModel(ctx, modelName, version)
}

func (s *Service) trainGBRT(ctx context.Context, ds *dataset.Dataset, from, now time.Time) (ModelTrainResult, error) {
	params := gbrt.DefaultParams()
	model, err := gbrt.Train(ds.TrainX, ds.TrainY, ds.ValX, ds.ValY, ds.Columns, params)
	if err != nil {
		return ModelTrainResult{}, &domain.TrainingError{ModelName: common.ModelNameGBRT, Err: err}
	}

	metrics := common.RegressionMetrics(ds.ValY, model.PredictBatch(ds.ValX))
	for rank, fg := range model.Importance() {
		if rank >= 10 {
			break
		}
		metrics["importance_"+fg.Feature] = fg.Gain
	}

	modelBlob, err := model.MarshalBinary()
	if err != nil {
		return ModelTrainResult{}, &domain.TrainingError{ModelName: common.ModelNameGBRT, Err: err}
	}
	blob, err := json.Marshal(common.RegressionArtifact{
		Columns: ds.Columns,
		Means:   ds.Scaler.Means,
		Stds:    ds.Scaler.Stds,
		Model:   modelBlob,
	})
	if err != nil {
		return ModelTrainResult{}, &domain.TrainingError{ModelName: common.ModelNameGBRT, Err: err}
	}

	hyperJSON, _ := json.Marshal(params)
	return s.register(ctx, domain.ModelVersion{
		ModelName:       common.ModelNameGBRT,
		ModelVersion:    s.cfg.ModelVersion,
		ModelType:       gbrt.ModelType,
		FeatureVersion:  s.cfg.FeatureVersion,
		TrainedAt:       now,
		TrainedFrom:     from,
		TrainedTo:       now,
		TrainingSamples: len(ds.TrainX),
		HyperparamsJSON: string(hyperJSON),
		FeatureColumns:  ds.Columns,
		ArtifactFormat:  common.ArtifactFormatGBRT,
		ArtifactBlob:    blob,
	}, metrics, len(ds.ValX))
}

func (s *Service) trainSARIMA(ctx context.Context, bars []*domain.PriceBar, from, now time.Time) (ModelTrainResult, error) {
	closes := make([]float64, 0, len(bars))
	for _, b := range bars {
		if b != nil {
			closes = append(closes, b.Close)
		}
	}
	order := sarima.DefaultOrder()

	// Held-out evaluation: fit on the head, forecast across the tail.
	trainEnd := int(float64(len(closes)) * s.cfg.TrainRatio)
	metrics := map[string]float64{}
	if trainEnd >= 40 && trainEnd < len(closes) {
		evalModel, err := sarima.Train(closes[:trainEnd], order)
		if err != nil {
			return ModelTrainResult{}, &domain.TrainingError{ModelName: common.ModelNameSARIMA, Err: err}
		}
		actual := closes[trainEnd:]
		metrics = common.RegressionMetrics(actual, evalModel.Forecast(len(actual)))
	}

	model, err := sarima.Train(closes, order)
	if err != nil {
		return ModelTrainResult{}, &domain.TrainingError{ModelName: common.ModelNameSARIMA, Err: err}
	}
	blob, err := model.MarshalBinary()
	if err != nil {
		return ModelTrainResult{}, &domain.TrainingError{ModelName: common.ModelNameSARIMA, Err: err}
	}

	hyperJSON, _ := json.Marshal(order)
	return s.register(ctx, domain.ModelVersion{
		ModelName:       common.ModelNameSARIMA,
		ModelVersion:    s.cfg.ModelVersion,
		ModelType:       sarima.ModelType,
		FeatureVersion:  s.cfg.FeatureVersion,
		TrainedAt:       now,
		TrainedFrom:     from,
		TrainedTo:       now,
		TrainingSamples: len(closes),
		HyperparamsJSON: string(hyperJSON),
		ArtifactFormat:  common.ArtifactFormatSARIMA,
		ArtifactBlob:    blob,
	}, metrics, len(closes)-trainEnd)
}

func (s *Service) trainScreen(ctx context.Context, ds *dataset.Dataset, from, now time.Time) (ModelTrainResult, error) {
	opts := iforest.TrainOptions{
		NumTrees:   s.cfg.IForestTrees,
		SampleSize: s.cfg.IForestSampleSize,
	}
	model, err := iforest.Train(ds.TrainX, ds.Columns, s.cfg.Symbol, s.cfg.FeatureVersion, from, now, opts)
	if err != nil {
		return ModelTrainResult{}, &domain.TrainingError{ModelName: common.ModelNameIForest, Err: err}
	}
	blob, err := model.MarshalBinary()
	if err != nil {
		return ModelTrainResult{}, &domain.TrainingError{ModelName: common.ModelNameIForest, Err: err}
	}

	scores := model.PredictBatch(ds.TrainX)
	mean := 0.0
	for _, v := range scores {
		mean += v
	}
	if len(scores) > 0 {
		mean /= float64(len(scores))
	}
	metrics := map[string]float64{"score_mean": mean, "n": float64(len(scores))}

	hyperJSON, _ := json.Marshal(map[string]any{
		"num_trees":   opts.NumTrees,
		"sample_size": opts.SampleSize,
	})
	return s.register(ctx, domain.ModelVersion{
		ModelName:       common.ModelNameIForest,
		ModelVersion:    s.cfg.ModelVersion,
		ModelType:       iforest.ModelType,
		FeatureVersion:  s.cfg.FeatureVersion,
		TrainedAt:       now,
		TrainedFrom:     from,
		TrainedTo:       now,
		TrainingSamples: len(ds.TrainX),
		HyperparamsJSON: string(hyperJSON),
		FeatureColumns:  ds.Columns,
		ArtifactFormat:  common.ArtifactFormatIForest,
		ArtifactBlob:    blob,
	}, metrics, 0)
}

func (s *Service) register(ctx context.Context, model domain.ModelVersion, metrics map[string]float64, valCount int) (ModelTrainResult, error) {
	metricJSON, _ := json.Marshal(metrics)
	model.MetricsJSON = string(metricJSON)
	model.IsProduction = false

	stored, err := s.registry.UpsertModelVersion(ctx, model)
	if err != nil {
		return ModelTrainResult{}, err
	}
	return ModelTrainResult{
		ModelName:    stored.ModelName,
		ModelVersion: stored.ModelVersion,
		SampleCount:  stored.TrainingSamples,
		ValCount:     valCount,
		RMSE:         metrics["rmse"],
		Metrics:      metrics,
	}, nil
}
