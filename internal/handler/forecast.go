package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"equicast/internal/domain"
	"equicast/internal/ml/common"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// GetForecasts godoc
// @Summary      Get issued price forecasts
// @Description  Returns forecasts for a symbol, newest target date first
// @Tags         forecasts
// @Produce      json
// @Param        symbol  path   string  true   "Symbol"
// @Param        limit   query  int     false  "Number of forecasts (default 50, max 200)"  default(50)
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Router       /api/forecasts/{symbol} [get]
func (h *Handler) GetForecasts(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-forecasts")
	defer span.End()

	symbol, ok := h.resolveSymbol(c)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("symbol", symbol))

	limit, ok := parseLimit(c, 50, 200)
	if !ok {
		return
	}

	cacheKey := forecastCacheKey(symbol, limit)
	if cached, ok := h.cachedForecasts(ctx, cacheKey); ok {
		c.Data(http.StatusOK, "application/json; charset=utf-8", cached)
		return
	}

	forecasts, err := h.forecasts.ListBySymbol(ctx, symbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	payload, err := json.Marshal(gin.H{"symbol": symbol, "forecasts": forecasts})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.storeForecastCache(ctx, cacheKey, payload)

	c.Data(http.StatusOK, "application/json; charset=utf-8", payload)
}

// GetModels godoc
// @Summary      List registered model versions
// @Description  Returns every version of each model with its metrics; artifacts are omitted
// @Tags         models
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/models [get]
func (h *Handler) GetModels(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-models")
	defer span.End()

	out := make(map[string][]domain.ModelVersion)
	for _, name := range []string{common.ModelNameGBRT, common.ModelNameSARIMA, common.ModelNameIForest} {
		models, err := h.registry.ListModels(ctx, name)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if len(models) > 0 {
			out[name] = models
		}
	}

	c.JSON(http.StatusOK, gin.H{"models": out})
}

func forecastCacheKey(symbol string, limit int) string {
	return "forecasts:" + symbol + ":" + strconv.Itoa(limit)
}

func (h *Handler) cachedForecasts(ctx context.Context, key string) ([]byte, bool) {
	if h.cache == nil {
		return nil, false
	}
	payload, err := h.cache.Get(ctx, key).Bytes()
	if err != nil {
		// redis.Nil and transport errors both fall through to Postgres.
		return nil, false
	}
	return payload, true
}

func (h *Handler) storeForecastCache(ctx context.Context, key string, payload []byte) {
	if h.cache == nil {
		return
	}
	// Cache failures are ignored; the next request falls through to Postgres.
	_ = h.cache.Set(ctx, key, payload, h.cacheTTL).Err()
}
