package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/marketlens/internal/hub"
	"github.com/navid-fn/marketlens/internal/market"
	"github.com/navid-fn/marketlens/internal/models"
)

// MarketService is the part of market.Core the HTTP layer uses.
type MarketService interface {
	GetAggregatedMarketData(ctx context.Context) models.AggregatedMarketData
	GetMarketData(ctx context.Context, symbols []string) models.AggregatedMarketData
	GetTokenData(ctx context.Context, symbol string) (models.UnifiedMarketData, error)
	GetOrderBook(ctx context.Context, symbol string, levels int) (models.OrderBookData, error)
	GetRecentTrades(ctx context.Context, symbol string, limit int) ([]models.RecentTrade, error)
	SubscribeToMarketUpdates(ctx context.Context, symbols []string, callback func(models.UnifiedMarketData)) (*hub.Subscription, error)
	Unsubscribe(sub *hub.Subscription)
	Refresh(ctx context.Context) models.AggregatedMarketData
	Health() market.Health
}

var _ MarketService = (*market.Core)(nil)

type MarketHandler struct {
	service MarketService
	logger  logrus.FieldLogger
}

func NewMarketHandler(service MarketService, logger logrus.FieldLogger) *MarketHandler {
	return &MarketHandler{
		service: service,
		logger:  logger.WithField("component", "http"),
	}
}

// GetMarket serves the watch list, or ?symbols=A,B for a batch.
func (h *MarketHandler) GetMarket(c *gin.Context) {
	symbols := SplitSymbols(c.Query("symbols"))
	if len(symbols) == 0 {
		c.JSON(http.StatusOK, h.service.GetAggregatedMarketData(c.Request.Context()))
		return
	}
	c.JSON(http.StatusOK, h.service.GetMarketData(c.Request.Context(), symbols))
}

func (h *MarketHandler) GetToken(c *gin.Context) {
	rec, err := h.service.GetTokenData(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *MarketHandler) GetOrderBook(c *gin.Context) {
	levels, err := intQuery(c, "levels")
	if err != nil {
		h.writeError(c, err)
		return
	}
	ob, err := h.service.GetOrderBook(c.Request.Context(), c.Param("symbol"), levels)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ob)
}

func (h *MarketHandler) GetTrades(c *gin.Context) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		h.writeError(c, err)
		return
	}
	trades, err := h.service.GetRecentTrades(c.Request.Context(), c.Param("symbol"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (h *MarketHandler) Refresh(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Refresh(c.Request.Context()))
}

// Health answers 503 when every adapter is unavailable.
func (h *MarketHandler) Health(c *gin.Context) {
	health := h.service.Health()
	status := http.StatusOK
	if health.Status == market.StatusDown {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

func (h *MarketHandler) writeError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, market.ErrInvalidArgument), errors.Is(err, hub.ErrNoSymbols):
		status = http.StatusBadRequest
	default:
		h.logger.Warnf("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// SplitSymbols parses a comma separated symbol list.
func SplitSymbols(raw string) []string {
	if raw == "" {
		return nil
	}
	return models.NormalizeSymbols(strings.Split(raw, ","))
}

// intQuery returns 0 when the parameter is absent.
func intQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer: %w", name, market.ErrInvalidArgument)
	}
	return n, nil
}
