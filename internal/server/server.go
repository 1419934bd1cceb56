// Package server exposes the extension controller over a diagnostic HTTP
// API and serves extension files from a local directory.
//
// Routes:
//
//	GET    /healthz                        liveness
//	GET    /metrics                        Prometheus metrics
//	GET    /extensions/*filepath           extension files (when a directory is configured)
//	GET    /api/extensions                 loaded extensions
//	POST   /api/extensions                 load {"location": "..."}
//	GET    /api/extensions/:id             one extension
//	DELETE /api/extensions/:id             unload
//	POST   /api/extensions/:id/activate    activate
//	POST   /api/extensions/:id/deactivate  deactivate
//	POST   /api/extensions/:id/reload      reload
//	GET    /api/extensions/:id/state/:scope  global or workspace state
//	GET    /api/active                     active extensions
//	GET    /api/contributions              all contributions by kind
//	GET    /api/contributions/:kind        contributions of one kind
//	GET    /api/events                     activation events and their extensions
//	POST   /api/dispatch                   dispatch {"event": "..."}
//	POST   /api/settings/validate          validate {"key": "...", "value": ...}
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dshills/exthost/internal/extension"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// Config configures a Server.
type Config struct {
	// Controller is the extension controller to expose. Required.
	Controller *extension.Controller

	// ExtensionsDir is served under URLPrefix when set.
	ExtensionsDir string
	URLPrefix     string

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	Logger *zap.Logger
}

// Server is the diagnostic HTTP server.
type Server struct {
	ctrl   *extension.Controller
	logger *zap.Logger
	engine *gin.Engine
}

// New builds the router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		ctrl:   cfg.Controller,
		logger: logger,
		engine: gin.New(),
	}

	s.engine.Use(gin.Recovery(), s.requestLogger())

	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	if cfg.ExtensionsDir != "" {
		prefix := strings.TrimSuffix(cfg.URLPrefix, "/")
		if prefix == "" {
			prefix = "/extensions"
		}
		s.engine.Static(prefix, cfg.ExtensionsDir)
	}

	s.registerRoutes(s.engine.Group("/api"))
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("diagnostic server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// requestLogger assigns a request id and logs each request.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := getOrCreateRequestID(c)

		c.Next()

		s.logger.Debug("http request",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"extensions": s.ctrl.Count(),
	})
}
