// Package adminapi builds the diagnostics HTTP surface spopagentd
// exposes alongside the SPOP listener, following
// internal/seed/server.go's gin.New()+Recovery+RequestLogger+
// RequestMetricsMiddleware+cors router construction shape.
package adminapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nullstream/spopagent/internal/observability"
	"github.com/nullstream/spopagent/internal/spop/engine"
)

// EngineStatuser is the slice of *engine.Engine the admin surface
// needs; declared as an interface so router tests can supply a fake
// without standing up a real listener.
type EngineStatuser interface {
	Running() bool
	Status() engine.Status
}

// NewRouter builds the admin gin.Engine wired to eng's live state.
func NewRouter(eng EngineStatuser, logger zerolog.Logger, corsOrigins []string) *gin.Engine {
	observability.RegisterMetrics()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/healthz", func(c *gin.Context) {
		if !eng.Running() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopped"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, eng.Status())
	})

	return r
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
