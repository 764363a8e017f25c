package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"equicast/internal/config"
	"equicast/internal/domain"
	"equicast/internal/features"
	"equicast/internal/ml/forecasts"
	"equicast/internal/ml/inference"
	"equicast/internal/ml/registry"
	"equicast/internal/ml/training"
	"equicast/internal/repository"
	"equicast/internal/service"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/trace"
)

var (
	loadEnvFunc = godotenv.Load
	openPool    = pgxpool.New
)

type options struct {
	mode    string
	model   string
	version string
	limit   int
}

func main() {
	loadEnvFunc()

	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		log.Fatalf("parse options: %v", err)
	}

	cfg := config.Load()
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Minute)
	defer cancel()

	pool, err := openPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping postgres: %v", err)
	}

	tracer := trace.NewNoopTracerProvider().Tracer("pipeline")
	barRepo := repository.NewBarRepository(pool, tracer)
	featureRepo := features.NewRepository(pool, tracer)
	registryRepo := registry.NewRepository(pool, tracer)
	forecastRepo := forecasts.NewRepository(pool, tracer)
	for name, migrate := range map[string]func(context.Context) error{
		"bars":      barRepo.RunMigrations,
		"features":  featureRepo.RunMigrations,
		"registry":  registryRepo.RunMigrations,
		"forecasts": forecastRepo.RunMigrations,
	} {
		if err := migrate(ctx); err != nil {
			log.Fatalf("run %s migrations: %v", name, err)
		}
	}

	trainingSvc := training.NewService(tracer, featureRepo, barRepo, registryRepo, training.Config{
		Symbol:          cfg.Symbol,
		ModelVersion:    cfg.ModelVersion,
		Horizon:         cfg.HorizonDays,
		TrainWindowDays: cfg.TrainWindowDays,
		MinTrainSamples: cfg.MinTrainSamples,
		TrainRatio:      cfg.TrainRatio,
		EnableScreen:    cfg.EnableScreen,
	})
	inferenceSvc := inference.NewService(tracer, featureRepo, barRepo, registryRepo, forecastRepo, inference.Config{
		Symbol:          cfg.Symbol,
		HorizonDays:     cfg.ForecastDays,
		ConfidenceLevel: cfg.ForecastConfidence,
		EnableScreen:    cfg.EnableScreen,
	})
	svc := service.NewForecastService(
		tracer, barRepo, features.NewEngine(domain.FeatureVersion), featureRepo, trainingSvc, inferenceSvc, forecastRepo,
		service.ForecastServiceConfig{
			Symbol:          cfg.Symbol,
			SectorIndex:     cfg.SectorIndex,
			PeerSymbols:     cfg.PeerSymbols,
			TrainWindowDays: cfg.TrainWindowDays,
		},
	)

	switch opts.mode {
	case "features":
		n, err := svc.RefreshFeatures(ctx)
		if err != nil {
			log.Fatalf("refresh features: %v", err)
		}
		log.Printf("refreshed %d feature rows for %s", n, cfg.Symbol)
	case "train":
		results, err := svc.RunTraining(ctx)
		if err != nil {
			log.Fatalf("train: %v", err)
		}
		for _, r := range results {
			log.Printf("trained %s %s: samples=%d val=%d rmse=%.4f", r.ModelName, r.ModelVersion, r.SampleCount, r.ValCount, r.RMSE)
		}
	case "forecast":
		result, err := svc.RunForecasts(ctx)
		if err != nil {
			log.Fatalf("forecast: %v", err)
		}
		log.Printf("issued %d forecasts from %s", result.Forecasts, result.ModelName)
	case "resolve":
		resolved, err := svc.ResolveOutcomes(ctx, opts.limit)
		if err != nil {
			log.Fatalf("resolve: %v", err)
		}
		log.Printf("resolved %d forecasts", resolved)
	case "promote":
		if err := svc.PromoteModel(ctx, opts.model, opts.version); err != nil {
			log.Fatalf("promote %s %s: %v", opts.model, opts.version, err)
		}
		log.Printf("promoted %s %s to production", opts.model, opts.version)
	}
}

func parseOptions(args []string) (options, error) {
	fs := flag.NewFlagSet("pipeline", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	mode := fs.String("mode", "", "pipeline stage to run: features, train, forecast, resolve or promote")
	model := fs.String("model", "gbrt", "model name for -mode promote")
	version := fs.String("version", "", "model version for -mode promote")
	limit := fs.Int("limit", 0, "max forecasts to resolve for -mode resolve (0 = default)")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts := options{
		mode:    strings.ToLower(strings.TrimSpace(*mode)),
		model:   strings.ToLower(strings.TrimSpace(*model)),
		version: strings.TrimSpace(*version),
		limit:   *limit,
	}

	switch opts.mode {
	case "features", "train", "forecast", "resolve":
	case "promote":
		if opts.model == "" {
			return options{}, fmt.Errorf("promote requires -model")
		}
		if opts.version == "" {
			return options{}, fmt.Errorf("promote requires -version")
		}
	case "":
		return options{}, fmt.Errorf("mode is required: features, train, forecast, resolve or promote")
	default:
		return options{}, fmt.Errorf("unsupported mode: %s", opts.mode)
	}
	if opts.limit < 0 {
		return options{}, fmt.Errorf("limit must be >= 0")
	}

	return opts, nil
}
