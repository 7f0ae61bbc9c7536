// Package api exposes the decision engine over HTTP: one evaluation
// endpoint, the risk and model views, the decision audit trail, and a
// WebSocket stream of engine events.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"trading-decision-engine/config"
	"trading-decision-engine/internal/database"
	"trading-decision-engine/internal/engine"
	"trading-decision-engine/internal/ensemble"
	"trading-decision-engine/internal/events"
)

// RateLimiter provides simple in-memory rate limiting per client
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	engine      *engine.Engine
	registry    *ensemble.Registry
	audit       *database.AuditRepository // Nil when the audit log is disabled
	db          *database.DB              // Nil when the audit log is disabled
	eventBus    *events.EventBus
	cfg         config.ServerConfig
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	startTime   time.Time
}

// NewServer creates a new API server
func NewServer(
	cfg config.ServerConfig,
	eng *engine.Engine,
	registry *ensemble.Registry,
	audit *database.AuditRepository, // Can be nil if the audit log is disabled
	db *database.DB, // Can be nil if the audit log is disabled
	eventBus *events.EventBus,
	logger zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	window := time.Duration(cfg.RateWindowSecs) * time.Second
	if window <= 0 {
		window = time.Minute
	}

	server := &Server{
		router:      router,
		engine:      eng,
		registry:    registry,
		audit:       audit,
		db:          db,
		eventBus:    eventBus,
		cfg:         cfg,
		rateLimiter: NewRateLimiter(cfg.RateLimit, window),
		logger:      logger.With().Str("component", "api").Logger(),
		startTime:   time.Now(),
	}

	server.setupRoutes()

	InitWebSocket(eventBus, server.logger)

	return server
}

// rateLimitMiddleware rate limits requests by client address
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"message": "Too many requests. Please slow down.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	api.Use(s.rateLimitMiddleware())
	{
		// Evaluation endpoint: one snapshot in, one decision out
		api.POST("/evaluate", s.handleEvaluate)

		// Risk view for a given account snapshot
		api.GET("/risk", s.handleRiskState)

		// Model registry endpoints
		api.GET("/models", s.handleGetModels)
		api.POST("/models/reload", s.handleReloadModels)

		// Decision audit trail
		api.GET("/decisions", s.handleGetDecisions)

		// Engine state summary
		api.GET("/stats", s.handleStats)

		// Trade feedback for the adaptive threshold and circuit breaker
		api.POST("/trades/result", s.handleTradeResult)
	}

	// WebSocket stream of engine events
	s.router.GET("/ws", s.handleWebSocket)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	dbStatus := "disabled"
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		dbStatus = "healthy"
		if err := s.db.Pool.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": "unhealthy",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"database":       dbStatus,
		"model_version":  s.registry.Version(),
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
