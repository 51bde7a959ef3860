package api

import (
	"net/http"

	"peerlink/internal/server/config"
	"peerlink/internal/server/metrics"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and
// middleware. m may be nil, which disables /metrics.
func SetupRouter(handler *Handler, cfg *config.Config, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{
			echo.HeaderContentType,
			"Range",
			HeaderFilename,
			HeaderPassphrase,
			HeaderTTLMillis,
			HeaderOneTime,
			HeaderChunkName,
			HeaderChunkIndex,
			HeaderTotalChunks,
			HeaderFileSize,
		},
		ExposeHeaders: []string{
			echo.HeaderContentDisposition,
			echo.HeaderContentLength,
			echo.HeaderWWWAuthenticate,
			"Content-Range",
			"Accept-Ranges",
		},
	}))
	e.Use(RequestLogger())
	if m != nil {
		e.Use(Metrics(m))
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	// Health & stats
	e.GET("/api/health", handler.HandleHealth)
	e.GET("/api/stats", handler.HandleStats)

	// Upload (rate-limited)
	e.POST("/upload", handler.HandleUpload, RateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))

	// Download
	e.GET("/download/:code", handler.HandleDownload)

	// Server-push events
	e.GET("/events/:id", handler.HandleEvents)
	e.GET("/ws/:id", handler.HandleWebSocket)

	// Metadata
	e.GET("/api/info/:code", handler.HandleInfo)
	e.GET("/api/history/:code", handler.HandleHistory)

	return e
}
