package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"equicast/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

type BarReader interface {
	ListRecent(ctx context.Context, symbol string, limit int) ([]*domain.PriceBar, error)
}

type FeatureReader interface {
	ListRecent(ctx context.Context, symbol, version string, limit int) ([]domain.FeatureRow, error)
}

type ForecastReader interface {
	ListBySymbol(ctx context.Context, symbol string, limit int) ([]domain.Forecast, error)
}

type ModelLister interface {
	ListModels(ctx context.Context, modelName string) ([]domain.ModelVersion, error)
}

type Handler struct {
	tracer       trace.Tracer
	bars         BarReader
	features     FeatureReader
	forecasts    ForecastReader
	registry     ModelLister
	cache        *redis.Client
	cacheTTL     time.Duration
	symbols      map[string]struct{}
	symbolsOrder []string
}

// New builds the API handler. symbols is the set the API serves: the primary
// symbol plus its sector index and peers. cache may be nil; forecast
// responses are then served uncached.
func New(
	tracer trace.Tracer,
	bars BarReader,
	features FeatureReader,
	forecasts ForecastReader,
	registry ModelLister,
	cache *redis.Client,
	symbols []string,
) *Handler {
	allowed := make(map[string]struct{}, len(symbols))
	order := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := allowed[s]; ok {
			continue
		}
		allowed[s] = struct{}{}
		order = append(order, s)
	}
	return &Handler{
		tracer:       tracer,
		bars:         bars,
		features:     features,
		forecasts:    forecasts,
		registry:     registry,
		cache:        cache,
		cacheTTL:     time.Minute,
		symbols:      allowed,
		symbolsOrder: order,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/api/prices/:symbol", h.GetPrices)
	r.GET("/api/features/:symbol", h.GetFeatures)
	r.GET("/api/forecasts/:symbol", h.GetForecasts)
	r.GET("/api/models", h.GetModels)
}

// Health godoc
// @Summary      Liveness probe
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) resolveSymbol(c *gin.Context) (string, bool) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return "", false
	}
	if _, ok := h.symbols[symbol]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             "unsupported symbol: " + symbol,
			"supported_symbols": h.symbolsOrder,
		})
		return "", false
	}
	return symbol, true
}
