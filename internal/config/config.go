package config

import (
	"log"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	Port        int

	Symbol      string
	SectorIndex string
	PeerSymbols []string

	ForecastDays       int
	ForecastConfidence float64
	HorizonDays        int
	TrainRatio         float64
	TrainWindowDays    int
	MinTrainSamples    int
	ModelVersion       string

	PipelinePollSecs int
	TrainHourUTC     int
	EnableScreen     bool
}

func Load() *Config {
	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
	}

	if cfg.DatabaseURL == "" {
		log.Println("Warning: DATABASE_URL not set")
	}
	if cfg.RedisURL == "" {
		log.Println("Warning: REDIS_URL not set, defaulting to localhost:6379")
		cfg.RedisURL = "localhost:6379"
	}

	cfg.Port = 8080
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Port = n
		}
	}

	cfg.Symbol = strings.TrimSpace(os.Getenv("SYMBOL"))
	if cfg.Symbol == "" {
		cfg.Symbol = "HDFCBANK.NS"
	}

	cfg.SectorIndex = strings.TrimSpace(os.Getenv("SECTOR_INDEX"))
	if cfg.SectorIndex == "" {
		cfg.SectorIndex = "^NSEBANK"
	}

	cfg.PeerSymbols = parseSymbolList(os.Getenv("PEER_SYMBOLS"))

	cfg.ForecastDays = 5
	if v := strings.TrimSpace(os.Getenv("FORECAST_DAYS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ForecastDays = n
		}
	}

	cfg.ForecastConfidence = 0.95
	if v := strings.TrimSpace(os.Getenv("FORECAST_CONFIDENCE")); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 && n < 1 {
			cfg.ForecastConfidence = n
		}
	}

	cfg.HorizonDays = 1
	if v := strings.TrimSpace(os.Getenv("HORIZON_DAYS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HorizonDays = n
		}
	}

	cfg.TrainRatio = 0.8
	if v := strings.TrimSpace(os.Getenv("TRAIN_RATIO")); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 && n < 1 {
			cfg.TrainRatio = n
		}
	}

	cfg.TrainWindowDays = 730
	if v := strings.TrimSpace(os.Getenv("TRAIN_WINDOW_DAYS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TrainWindowDays = n
		}
	}

	cfg.MinTrainSamples = 100
	if v := strings.TrimSpace(os.Getenv("MIN_TRAIN_SAMPLES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MinTrainSamples = n
		}
	}

	cfg.ModelVersion = strings.TrimSpace(os.Getenv("MODEL_VERSION"))
	if cfg.ModelVersion == "" {
		cfg.ModelVersion = "v1.0"
	}

	cfg.PipelinePollSecs = 3600
	if v := strings.TrimSpace(os.Getenv("PIPELINE_POLL_SECS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PipelinePollSecs = n
		}
	}

	cfg.TrainHourUTC = 0
	if v := strings.TrimSpace(os.Getenv("TRAIN_HOUR_UTC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 23 {
			cfg.TrainHourUTC = n
		}
	}

	cfg.EnableScreen = true
	if v := strings.TrimSpace(os.Getenv("ENABLE_SCREEN")); v != "" {
		if strings.EqualFold(v, "true") {
			cfg.EnableScreen = true
		} else if strings.EqualFold(v, "false") {
			cfg.EnableScreen = false
		}
	}

	return cfg
}

func parseSymbolList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		symbol := strings.ToUpper(strings.TrimSpace(part))
		if symbol == "" {
			continue
		}
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	return out
}
