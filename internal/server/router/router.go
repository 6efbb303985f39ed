package router

import (
	"github.com/gin-gonic/gin"

	"github.com/navid-fn/marketlens/internal/server/handler"
)

type Config struct {
	MarketHandler *handler.MarketHandler
	StreamHandler *handler.StreamHandler
}

func NewRouter(cfg *Config) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	router.GET("/health", cfg.MarketHandler.Health)

	api := router.Group("/v1")
	registerMarketRoutes(api, cfg.MarketHandler)
	if cfg.StreamHandler != nil {
		api.GET("/stream", cfg.StreamHandler.Stream)
	}

	return router
}

func registerMarketRoutes(router *gin.RouterGroup, marketHandler *handler.MarketHandler) {
	market := router.Group("/market")
	{
		market.GET("", marketHandler.GetMarket)
		market.POST("/refresh", marketHandler.Refresh)
		market.GET("/:symbol", marketHandler.GetToken)
		market.GET("/:symbol/orderbook", marketHandler.GetOrderBook)
		market.GET("/:symbol/trades", marketHandler.GetTrades)
	}
}
