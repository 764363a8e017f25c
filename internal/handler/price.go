package handler

import (
	"net/http"
	"strconv"
	"strings"

	"equicast/internal/domain"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// GetPrices godoc
// @Summary      Get recent daily bars
// @Description  Returns stored OHLCV bars for a symbol, oldest first
// @Tags         prices
// @Produce      json
// @Param        symbol  path   string  true   "Symbol (e.g., HDFCBANK.NS)"
// @Param        limit   query  int     false  "Number of bars (default 100, max 500)"  default(100)
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Router       /api/prices/{symbol} [get]
func (h *Handler) GetPrices(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-prices")
	defer span.End()

	symbol, ok := h.resolveSymbol(c)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("symbol", symbol))

	limit, ok := parseLimit(c, 100, 500)
	if !ok {
		return
	}

	bars, err := h.bars.ListRecent(ctx, symbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "bars": bars})
}

// GetFeatures godoc
// @Summary      Get engineered feature rows
// @Description  Returns recent feature rows for a symbol, oldest first
// @Tags         features
// @Produce      json
// @Param        symbol   path   string  true   "Symbol"
// @Param        limit    query  int     false  "Number of rows (default 50, max 200)"  default(50)
// @Param        version  query  string  false  "Feature version"  default(v1)
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Router       /api/features/{symbol} [get]
func (h *Handler) GetFeatures(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-features")
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

	version := strings.TrimSpace(c.Query("version"))
	if version == "" {
		version = domain.FeatureVersion
	}

	rows, err := h.features.ListRecent(ctx, symbol, version, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "feature_version": version, "rows": rows})
}

func parseLimit(c *gin.Context, def, max int) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > max {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and " + strconv.Itoa(max)})
		return 0, false
	}
	return n, true
}
