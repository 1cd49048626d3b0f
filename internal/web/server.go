// Package web serves the metrics scrape endpoint and health checks.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/p2pool-tools/p2pool-exporter/internal/util"
)

// Pinger reports state-store availability for the health endpoint
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes /metrics and /healthz
type Server struct {
	bind     string
	registry *prometheus.Registry
	store    Pinger
	router   *gin.Engine
	server   *http.Server
}

// NewServer creates the scrape server
func NewServer(bind string, registry *prometheus.Registry, store Pinger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		bind:     bind,
		registry: registry,
		store:    store,
		router:   router,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	s.router.GET("/healthz", s.handleHealth)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start begins serving in the background
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.bind,
		Handler: s.router,
	}

	util.Infof("Metrics server listening on %s", s.bind)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("Metrics server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
