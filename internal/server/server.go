// Package server implements the HTTP edge: the gin router exposing the
// three public model-dialect APIs, the admin surface enumerated in
// SPEC_FULL.md's external interfaces section, the Prometheus metrics
// endpoint, and the internal duplex channel an in-page client opens back to
// the server. Authenticating inbound clients is the spec's own named
// out-of-scope external collaborator, so RequireAPIKey is deliberately a
// thin, swappable stub rather than a full auth implementation.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aistudio-proxy/aistudio-proxy/internal/authsource"
	"github.com/aistudio-proxy/aistudio-proxy/internal/config"
	"github.com/aistudio-proxy/aistudio-proxy/internal/handler"
	"github.com/aistudio-proxy/aistudio-proxy/internal/logging"
	"github.com/aistudio-proxy/aistudio-proxy/internal/metrics"
	"github.com/aistudio-proxy/aistudio-proxy/internal/pool"
	"github.com/aistudio-proxy/aistudio-proxy/internal/registry"
	"github.com/aistudio-proxy/aistudio-proxy/internal/rotation"
)

// apiRateLimit bounds the public and admin surfaces at 100 requests/sec with
// a burst of 200, matching the teacher's fixed limiter budget; requests
// streaming a model response are long-lived but count as a single request
// against this limiter, same as any other.
const (
	apiRateLimit = 100
	apiRateBurst = 200
)

// Server wires the request handler's dispatcher to gin and owns the
// process's single HTTP listener.
type Server struct {
	cfg      *config.Reloader
	log      *logging.Logger
	metrics  *metrics.Collector
	auth     *authsource.Source
	pool     *pool.Manager
	registry *registry.Registry
	rotation *rotation.Controller
	dispatch *handler.Dispatcher

	engine   *gin.Engine
	httpSrv  *http.Server
	limiter  *rate.Limiter
}

// New builds a Server. Call Run to start listening.
func New(cfg *config.Reloader, log *logging.Logger, mc *metrics.Collector, auth *authsource.Source, pm *pool.Manager, reg *registry.Registry, rc *rotation.Controller, d *handler.Dispatcher) *Server {
	if log == nil {
		log = logging.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:      cfg,
		log:      log,
		metrics:  mc,
		auth:     auth,
		pool:     pm,
		registry: reg,
		rotation: rc,
		dispatch: d,
		engine:   gin.New(),
		limiter:  rate.NewLimiter(rate.Limit(apiRateLimit), apiRateBurst),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.Use(gin.Recovery(), s.requestLogger(), s.rateLimit())

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	openai := s.engine.Group("/v1", RequireAPIKey(func() []string { return s.cfg.Config().APIKeys.OpenAI }))
	openai.POST("/chat/completions", s.handleChatCompletions)

	anthropic := s.engine.Group("/v1", RequireAPIKey(func() []string { return s.cfg.Config().APIKeys.Anthropic }))
	anthropic.POST("/messages", s.handleMessages)

	gemini := s.engine.Group("/v1beta", RequireAPIKey(func() []string { return s.cfg.Config().APIKeys.Gemini }))
	gemini.POST("/models/:model", s.handleGenerateContent)

	admin := s.engine.Group("/api")
	admin.PUT("/accounts/current", s.handleSwitchAccount)
	admin.DELETE("/accounts/:i", s.handleRemoveAccount)
	admin.POST("/accounts/deduplicate", s.handleDeduplicate)
	admin.POST("/files", s.handleAddFile)
	admin.POST("/files/batch", s.handleAddFilesBatch)
	admin.GET("/status", s.handleStatus)
	admin.PUT("/settings/streaming-mode", s.handleSetStreamingMode)
	admin.PUT("/settings/force-thinking", s.handleSetBoolFeature(func(f *config.FeatureToggles, v bool) { f.ForceThinking = v }))
	admin.PUT("/settings/force-web-search", s.handleSetBoolFeature(func(f *config.FeatureToggles, v bool) { f.ForceWebSearch = v }))
	admin.PUT("/settings/force-url-context", s.handleSetBoolFeature(func(f *config.FeatureToggles, v bool) { f.ForceURLContext = v }))
	admin.PUT("/settings/debug-mode", s.handleSetBoolFeature(func(f *config.FeatureToggles, v bool) { f.DebugMode = v }))
	admin.PUT("/settings/log-max-count", s.handleSetLogMaxCount)

	s.engine.GET("/internal/channel", s.handleChannelUpgrade)
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": gin.H{"message": "rate limit exceeded", "code": "rate_limited"}})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Run starts the HTTP listener and blocks until ctx is cancelled or the
// listener fails. A bind failure here is one of the fatal startup errors
// that must produce a non-zero exit code.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.Config().ListenAddr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}
