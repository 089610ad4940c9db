package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-stream-gateway/internal/jobs"
)

// StatusResponse is the body of the admin /status endpoint
type StatusResponse struct {
	Status   string        `json:"status"`
	Phase    string        `json:"phase"`
	Version  string        `json:"version"`
	LaunchAt time.Time     `json:"launch_at"`
	Uptime   string        `json:"uptime"`
	Storage  string        `json:"storage,omitempty"`
	Jobs     []jobs.Status `json:"jobs"`
}

// AdminHandler serves /health, /status and /metrics for operators
func (a *Application) AdminHandler() http.Handler {
	router := gin.New()
	router.Use(ErrorBoundary(a.logger.Named("admin")))

	router.GET("/health", a.handleHealth)
	router.GET("/status", a.handleStatus)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.NoRoute(NotFound)
	return router
}

func (a *Application) handleHealth(c *gin.Context) {
	if a.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("Storage health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *Application) handleStatus(c *gin.Context) {
	resp := StatusResponse{
		Status:   "ok",
		Phase:    a.Phase().String(),
		Version:  a.opts.Launch.Version,
		LaunchAt: a.opts.Launch.At.UTC(),
		Uptime:   a.opts.Launch.Since().Round(time.Second).String(),
		Jobs:     a.supervisor.Status(),
	}
	if a.store != nil {
		resp.Storage = string(a.store.Kind())
	}
	for _, st := range resp.Jobs {
		if st.State == jobs.StateFailed {
			resp.Status = "degraded"
		}
	}
	c.JSON(http.StatusOK, resp)
}
