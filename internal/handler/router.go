package handler

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"coinflip-engine/internal/config"
	"coinflip-engine/internal/ws"
)

// NewRouter wires the HTTP routes for the settlement engine.
func NewRouter(cfg *config.ServerConfig, coinflip *CoinflipHandler, hub *ws.Hub) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger())

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, userIDHeader)
	r.Use(cors.New(corsCfg))

	api := r.Group("/api/coinflip")
	api.POST("/create", coinflip.Create)
	api.POST("/check-join", coinflip.CheckJoin)
	api.POST("/join", coinflip.Join)
	api.POST("/cancel", coinflip.Cancel)
	api.GET("/games", coinflip.ListActive)
	api.GET("/stats", coinflip.Stats)

	r.GET("/ws", func(c *gin.Context) {
		hub.HandleUpgrade(c.Writer, c.Request)
	})

	return r
}
