package rest

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// HealthChecker reports one dependency's availability.
type HealthChecker func() string

// NewRouter assembles the HTTP surface: query endpoints, the websocket
// trade stream and a health probe.
func NewRouter(h *Handlers, stream http.Handler, allowedOrigins []string, health map[string]HealthChecker) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:  allowedOrigins,
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
	}))

	router.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		report := gin.H{}
		for name, check := range health {
			state := check()
			report[name] = state
			if state != "up" {
				status = http.StatusServiceUnavailable
			}
		}
		c.JSON(status, report)
	})

	router.GET("/ticker", h.GetTicker)
	router.GET("/ticker/history", h.GetTickerHistory)
	router.GET("/price/multi", h.GetPriceMulti)
	router.GET("/price/convert", h.GetConversion)

	if stream != nil {
		router.GET("/ws/trades", gin.WrapH(stream))
	}

	return router
}
