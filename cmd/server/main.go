package main

import (
	"context"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"equicast/internal/cache"
	"equicast/internal/config"
	"equicast/internal/db"
	"equicast/internal/domain"
	"equicast/internal/features"
	"equicast/internal/handler"
	"equicast/internal/job"
	"equicast/internal/ml/forecasts"
	"equicast/internal/ml/inference"
	"equicast/internal/ml/registry"
	"equicast/internal/ml/training"
	"equicast/internal/repository"
	"equicast/internal/service"
	"equicast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

var (
	loadEnvFunc            = godotenv.Load
	loadConfigFunc         = config.Load
	initPostgresFunc       = db.InitPostgres
	initRedisFunc          = cache.InitRedis
	initTracerFunc         = tracing.InitTracer
	newBarRepoFunc         = repository.NewBarRepository
	newFeatureRepoFunc     = features.NewRepository
	newRegistryRepoFunc    = registry.NewRepository
	newForecastRepoFunc    = forecasts.NewRepository
	newForecastServiceFunc = service.NewForecastService
	newPipelinePollerFunc  = job.NewPipelinePoller
	startPollerFunc        = func(p *job.PipelinePoller, ctx context.Context) { go p.Start(ctx) }
	newHandlerFunc         = handler.New
	newRouterFunc          = gin.Default
	setupSignalNotify      = ossignal.Notify
	waitForSignalFunc      = func(quit <-chan os.Signal) { <-quit }
	startHTTPServerFunc    = func(srv *http.Server) error { return srv.ListenAndServe() }
	shutdownHTTPServerFunc = func(srv *http.Server, ctx context.Context) error { return srv.Shutdown(ctx) }
)

func main() {
	loadEnvFunc()

	cfg := loadConfigFunc()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	os.Setenv("DATABASE_URL", cfg.DatabaseURL)
	os.Setenv("REDIS_URL", cfg.RedisURL)
	initPostgresFunc(ctx)
	initRedisFunc(ctx)

	tp, tracer, err := initTracerFunc(ctx)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("error shutting down tracer provider: %v", err)
		}
	}()

	barRepo := newBarRepoFunc(db.Pool, tracer)
	featureRepo := newFeatureRepoFunc(db.Pool, tracer)
	registryRepo := newRegistryRepoFunc(db.Pool, tracer)
	forecastRepo := newForecastRepoFunc(db.Pool, tracer)
	if db.Pool != nil {
		for name, migrate := range map[string]func(context.Context) error{
			"bars":      barRepo.RunMigrations,
			"features":  featureRepo.RunMigrations,
			"registry":  registryRepo.RunMigrations,
			"forecasts": forecastRepo.RunMigrations,
		} {
			if err := migrate(ctx); err != nil {
				log.Fatalf("failed to run %s migrations: %v", name, err)
			}
		}
	}

	featureEngine := features.NewEngine(domain.FeatureVersion)
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
	forecastSvc := newForecastServiceFunc(
		tracer, barRepo, featureEngine, featureRepo, trainingSvc, inferenceSvc, forecastRepo,
		service.ForecastServiceConfig{
			Symbol:          cfg.Symbol,
			SectorIndex:     cfg.SectorIndex,
			PeerSymbols:     cfg.PeerSymbols,
			TrainWindowDays: cfg.TrainWindowDays,
		},
	)

	poller := newPipelinePollerFunc(tracer, forecastSvc, time.Duration(cfg.PipelinePollSecs)*time.Second, cfg.TrainHourUTC)
	startPollerFunc(poller, ctx)

	symbols := append([]string{cfg.Symbol, cfg.SectorIndex}, cfg.PeerSymbols...)
	h := newHandlerFunc(tracer, barRepo, featureRepo, forecastRepo, registryRepo, cache.Client, symbols)

	r := newRouterFunc()
	r.Use(otelgin.Middleware("equicast"))
	h.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    httpAddr(cfg.Port),
		Handler: r,
	}

	go func() {
		if err := startHTTPServerFunc(srv); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	setupSignalNotify(quit, syscall.SIGINT, syscall.SIGTERM)
	waitForSignalFunc(quit)
	log.Println("Shutting down server...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := shutdownHTTPServerFunc(srv, shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}

func httpAddr(port int) string {
	addr := strconv.Itoa(port)
	if !strings.HasPrefix(addr, ":") {
		addr = ":" + addr
	}
	return addr
}
