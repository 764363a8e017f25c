package job

import (
	"context"
	"log"
	"time"

	"equicast/internal/ml/inference"
	"equicast/internal/ml/training"

	"go.opentelemetry.io/otel/trace"
)

type Pipeline interface {
	RefreshFeatures(ctx context.Context) (int, error)
	RunTraining(ctx context.Context) ([]training.ModelTrainResult, error)
	RunForecasts(ctx context.Context) (inference.RunResult, error)
	ResolveOutcomes(ctx context.Context, limit int) (int, error)
}

// PipelinePoller periodically refreshes features, issues forecasts and
// resolves due outcomes. Training runs once per day at the configured hour.
type PipelinePoller struct {
	tracer       trace.Tracer
	pipeline     Pipeline
	pollInterval time.Duration
	trainHourUTC int

	lastTrainDay string
}

func NewPipelinePoller(tracer trace.Tracer, pipeline Pipeline, pollInterval time.Duration, trainHourUTC int) *PipelinePoller {
	if pollInterval <= 0 {
		pollInterval = time.Hour
	}
	if trainHourUTC < 0 || trainHourUTC > 23 {
		trainHourUTC = 0
	}
	return &PipelinePoller{
		tracer:       tracer,
		pipeline:     pipeline,
		pollInterval: pollInterval,
		trainHourUTC: trainHourUTC,
	}
}

// Start runs the pipeline loop. Blocks until ctx is cancelled.
func (p *PipelinePoller) Start(ctx context.Context) {
	if p.pipeline == nil {
		log.Println("Pipeline poller disabled: no pipeline service")
		<-ctx.Done()
		return
	}

	log.Println("Pipeline poller starting...")
	p.runCycle(ctx, time.Now().UTC())

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Pipeline poller stopped")
			return
		case <-ticker.C:
			p.runCycle(ctx, time.Now().UTC())
		}
	}
}

func (p *PipelinePoller) runCycle(ctx context.Context, now time.Time) {
	_, span := p.tracer.Start(ctx, "pipeline-poller.run-cycle")
	defer span.End()

	if n, err := p.pipeline.RefreshFeatures(ctx); err != nil {
		log.Printf("feature refresh error: %v", err)
	} else if n > 0 {
		log.Printf("refreshed %d feature rows", n)
	}

	if p.shouldTrain(now) {
		if results, err := p.pipeline.RunTraining(ctx); err != nil {
			log.Printf("training error: %v", err)
		} else {
			p.lastTrainDay = now.Format("2006-01-02")
			for _, r := range results {
				log.Printf("trained %s %s on %d samples (rmse=%.4f)", r.ModelName, r.ModelVersion, r.SampleCount, r.RMSE)
			}
		}
	}

	if result, err := p.pipeline.RunForecasts(ctx); err != nil {
		log.Printf("forecast error: %v", err)
	} else if result.Forecasts > 0 {
		log.Printf("issued %d forecasts from %s", result.Forecasts, result.ModelName)
	}

	if resolved, err := p.pipeline.ResolveOutcomes(ctx, 0); err != nil {
		log.Printf("outcome resolution error: %v", err)
	} else if resolved > 0 {
		log.Printf("resolved %d forecasts", resolved)
	}
}

// shouldTrain is true once per UTC day, from the configured hour onwards.
func (p *PipelinePoller) shouldTrain(now time.Time) bool {
	if now.UTC().Hour() < p.trainHourUTC {
		return false
	}
	return p.lastTrainDay != now.UTC().Format("2006-01-02")
}
