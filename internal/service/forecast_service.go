package service

import (
	"context"
	"fmt"
	"time"

	"equicast/internal/domain"
	"equicast/internal/features"
	"equicast/internal/ml/inference"
	"equicast/internal/ml/training"

	"go.opentelemetry.io/otel/trace"
)

type MarketBarRepository interface {
	ListRecent(ctx context.Context, symbol string, limit int) ([]*domain.PriceBar, error)
	GetOnDate(ctx context.Context, symbol string, date time.Time) (*domain.PriceBar, error)
}

type FeatureWriter interface {
	UpsertRows(ctx context.Context, rows []domain.FeatureRow) error
}

type ForecastResolver interface {
	ListUnresolvedDue(ctx context.Context, now time.Time, limit int) ([]domain.Forecast, error)
	ResolveForecast(ctx context.Context, id int64, actualPrice float64, resolvedAt time.Time) (bool, error)
}

// ForecastService orchestrates the pipeline stages: feature refresh, model
// training, forecast generation and outcome resolution. Each stage is safe to
// re-run; downstream writes are upserts.
type ForecastService struct {
	tracer        trace.Tracer
	barRepo       MarketBarRepository
	featureEngine *features.Engine
	featureRepo   FeatureWriter
	trainingSvc   *training.Service
	inferenceSvc  *inference.Service
	forecastRepo  ForecastResolver

	symbol          string
	sectorIndex     string
	peerSymbols     []string
	trainWindowDays int
}

type ForecastServiceConfig struct {
	Symbol          string
	SectorIndex     string
	PeerSymbols     []string
	TrainWindowDays int
}

func NewForecastService(
	tracer trace.Tracer,
	barRepo MarketBarRepository,
	featureEngine *features.Engine,
	featureRepo FeatureWriter,
	trainingSvc *training.Service,
	inferenceSvc *inference.Service,
	forecastRepo ForecastResolver,
	cfg ForecastServiceConfig,
) *ForecastService {
	if cfg.Symbol == "" {
		cfg.Symbol = "HDFCBANK.NS"
	}
	if cfg.TrainWindowDays <= 0 {
		cfg.TrainWindowDays = 730
	}
	if featureEngine == nil {
		featureEngine = features.NewEngine(domain.FeatureVersion)
	}
	return &ForecastService{
		tracer:          tracer,
		barRepo:         barRepo,
		featureEngine:   featureEngine,
		featureRepo:     featureRepo,
		trainingSvc:     trainingSvc,
		inferenceSvc:    inferenceSvc,
		forecastRepo:    forecastRepo,
		symbol:          cfg.Symbol,
		sectorIndex:     cfg.SectorIndex,
		peerSymbols:     cfg.PeerSymbols,
		trainWindowDays: cfg.TrainWindowDays,
	}
}

// RefreshFeatures recomputes the feature rows for the configured symbol from
// the stored bars and upserts them. Returns the number of rows written.
func (s *ForecastService) RefreshFeatures(ctx context.Context) (int, error) {
	_, span := s.tracer.Start(ctx, "forecast-service.refresh-features")
	defer span.End()

	if s.barRepo == nil || s.featureRepo == nil || s.featureEngine == nil {
		return 0, fmt.Errorf("feature refresh dependencies are not initialized")
	}

	limit := barLimitForWindow(s.trainWindowDays)
	primary, err := s.barRepo.ListRecent(ctx, s.symbol, limit)
	if err != nil {
		return 0, fmt.Errorf("load bars for %s: %w", s.symbol, err)
	}

	var index []*domain.PriceBar
	if s.sectorIndex != "" {
		index, err = s.barRepo.ListRecent(ctx, s.sectorIndex, limit)
		if err != nil {
			return 0, fmt.Errorf("load sector index %s: %w", s.sectorIndex, err)
		}
	}

	var peers [][]*domain.PriceBar
	for _, peer := range s.peerSymbols {
		bars, err := s.barRepo.ListRecent(ctx, peer, limit)
		if err != nil {
			return 0, fmt.Errorf("load peer %s: %w", peer, err)
		}
		if len(bars) > 0 {
			peers = append(peers, bars)
		}
	}

	rows, err := s.featureEngine.BuildRows(primary, index, peers)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := s.featureRepo.UpsertRows(ctx, rows); err != nil {
		return 0, fmt.Errorf("upsert feature rows for %s: %w", s.symbol, err)
	}
	return len(rows), nil
}

func (s *ForecastService) RunTraining(ctx context.Context) ([]training.ModelTrainResult, error) {
	_, span := s.tracer.Start(ctx, "forecast-service.run-training")
	defer span.End()

	if s.trainingSvc == nil {
		return nil, nil
	}
	return s.trainingSvc.TrainAll(ctx, time.Now().UTC())
}

func (s *ForecastService) RunForecasts(ctx context.Context) (inference.RunResult, error) {
	_, span := s.tracer.Start(ctx, "forecast-service.run-forecasts")
	defer span.End()

	if s.inferenceSvc == nil {
		return inference.RunResult{}, nil
	}
	return s.inferenceSvc.RunLatest(ctx, time.Now().UTC())
}

func (s *ForecastService) PromoteModel(ctx context.Context, modelName, version string) error {
	_, span := s.tracer.Start(ctx, "forecast-service.promote-model")
	defer span.End()

	if s.trainingSvc == nil {
		return fmt.Errorf("training service is not initialized")
	}
	return s.trainingSvc.Promote(ctx, modelName, version)
}

// resolveLookaheadDays bounds the search for the realized close when the
// target date lands on a holiday or weekend.
const resolveLookaheadDays = 3

// ResolveOutcomes scores every due unresolved forecast against the first
// close on or shortly after its target date. Forecasts whose close has not
// been ingested yet stay pending. Returns the number resolved.
func (s *ForecastService) ResolveOutcomes(ctx context.Context, limit int) (int, error) {
	_, span := s.tracer.Start(ctx, "forecast-service.resolve-outcomes")
	defer span.End()

	if s.forecastRepo == nil || s.barRepo == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 200
	}

	now := time.Now().UTC()
	pending, err := s.forecastRepo.ListUnresolvedDue(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for i := range pending {
		f := pending[i]
		bar, err := s.closeOnOrAfter(ctx, f.Symbol, f.TargetDate, now)
		if err != nil {
			return resolved, err
		}
		if bar == nil {
			continue
		}
		ok, err := s.forecastRepo.ResolveForecast(ctx, f.ID, bar.Close, now)
		if err != nil {
			return resolved, err
		}
		if ok {
			resolved++
		}
	}
	return resolved, nil
}

func (s *ForecastService) closeOnOrAfter(ctx context.Context, symbol string, target, now time.Time) (*domain.PriceBar, error) {
	for offset := 0; offset <= resolveLookaheadDays; offset++ {
		day := target.AddDate(0, 0, offset)
		if day.After(now) {
			return nil, nil
		}
		bar, err := s.barRepo.GetOnDate(ctx, symbol, day)
		if err != nil {
			return nil, err
		}
		if bar != nil {
			return bar, nil
		}
	}
	return nil, nil
}

func barLimitForWindow(windowDays int) int {
	// Long-window indicators need warmup history beyond the training window.
	limit := windowDays + 64
	if limit < 300 {
		limit = 300
	}
	return limit
}
