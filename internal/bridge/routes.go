package bridge

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/codepod/internal/container"
	"github.com/danmuck/codepod/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

func (s *Service) routes() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(s.cfg.ServiceID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.ServiceID,
			"version": version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.containers.Preflight(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ready":   true,
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.ServiceID,
			"conns":   s.ConnCount(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/sessions", s.handleListSessions)
	r.DELETE("/sessions/:id", s.handleKillSession)
	r.GET("/sessions/:id/runs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"runs": s.router.Ledger().List(c.Param("id"))})
	})

	r.GET("/ws", func(c *gin.Context) {
		s.serveWS(c.Writer, c.Request)
	})
	return r
}

// handleListSessions merges registry sessions with containers left by
// earlier processes.
func (s *Service) handleListSessions(c *gin.Context) {
	prefix := strings.TrimSpace(c.Query("user"))
	known := s.registry.ListSessionsForUser(prefix)
	body := gin.H{
		"sessions": known,
		"kernels":  s.registry.Snapshot(),
	}
	active, err := s.containers.ListActiveSessions(c.Request.Context(), container.KernelPrefix)
	if err != nil {
		body["containersError"] = err.Error()
	} else {
		matched := make([]string, 0, len(active))
		for _, id := range active {
			if strings.HasPrefix(id, prefix) {
				matched = append(matched, id)
			}
		}
		body["containers"] = matched
	}
	c.JSON(http.StatusOK, body)
}

func (s *Service) handleKillSession(c *gin.Context) {
	id := c.Param("id")
	if err := container.ValidateSessionID(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// A client that hangs up mid-kill must not leave containers behind.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), s.cfg.ShutdownTimeout)
	defer cancel()
	report := s.KillSession(ctx, id)
	c.JSON(http.StatusOK, gin.H{
		"sessionId": report.SessionID,
		"known":     report.Known,
		"closed":    report.Closed,
		"removed":   report.Removed,
		"warnings":  report.WarningStrings(),
	})
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
