// Package api is the synchronous control surface: HTTP JSON endpoints
// for operators and the monitoring UI, plus the whale-alert WebSocket.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mastertrade/core/config"
	"github.com/mastertrade/core/internal/cache"
	"github.com/mastertrade/core/internal/collectors"
	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/fabric"
	"github.com/mastertrade/core/internal/risk"
)

// StrategyEngine is the slice of the orchestrator the API can trigger.
type StrategyEngine interface {
	RunGeneration(ctx context.Context) error
	DrainBacktests(ctx context.Context) error
}

// RateLimiter provides simple in-memory rate limiting per client.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key.
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

// Server is the HTTP control API server.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	cfg         *config.Config
	repo        *database.Repository
	cache       *cache.Service
	bus         *fabric.Fabric
	collectors  *collectors.Manager
	goals       *risk.GoalTracker
	engine      StrategyEngine
	hub         *WhaleHub
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	startedAt   time.Time
}

// NewServer builds the server and its route table. Collector manager,
// goal tracker, and strategy engine may be nil when those clusters run
// in another process; their endpoints then answer 503.
func NewServer(
	cfg *config.Config,
	repo *database.Repository,
	cacheSvc *cache.Service,
	bus *fabric.Fabric,
	manager *collectors.Manager,
	goals *risk.GoalTracker,
	engine StrategyEngine,
	logger zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.Server.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.Server.AllowedOrigins, ",")
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Actor-ID"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		cfg:         cfg,
		repo:        repo,
		cache:       cacheSvc,
		bus:         bus,
		collectors:  manager,
		goals:       goals,
		engine:      engine,
		hub:         NewWhaleHub(bus, logger),
		rateLimiter: NewRateLimiter(cfg.Server.RateLimitPerMin, time.Minute),
		logger:      logger.With().Str("component", "api").Logger(),
		startedAt:   time.Now(),
	}

	router.Use(s.requestIDMiddleware())
	router.Use(s.rateLimitMiddleware())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", s.handleMetrics)
	s.router.GET("/ws/whale-alerts", s.handleWhaleAlertsWS)

	s.router.GET("/collectors", s.handleListCollectors)
	s.router.GET("/collectors/costs", s.handleCollectorCosts)
	s.router.GET("/signals/recent", s.handleRecentSignals)
	s.router.GET("/signals/stats", s.handleSignalStats)
	s.router.GET("/strategies", s.handleListStrategies)
	s.router.GET("/goals/status", s.handleGoalStatus)
	s.router.GET("/goals/history/:type", s.handleGoalHistory)
	s.router.GET("/alerts/list", s.handleListAlerts)

	// Mutating routes require an actor and write the audit trail.
	mutate := s.router.Group("")
	mutate.Use(s.actorMiddleware())
	mutate.Use(s.auditMiddleware())

	mutate.POST("/collectors/:name/enable", s.handleEnableCollector)
	mutate.POST("/collectors/:name/disable", s.handleDisableCollector)
	mutate.POST("/collectors/:name/restart", s.handleRestartCollector)
	mutate.PUT("/collectors/:name/rate-limit", s.handleSetCollectorRateLimit)
	mutate.POST("/collectors/:name/reset-breaker", s.handleResetCollectorBreaker)

	mutate.POST("/strategies/generate", s.handleGenerateStrategies)
	mutate.POST("/strategies/:id/pause", s.handlePauseStrategy)
	mutate.POST("/strategies/:id/resume", s.handleResumeStrategy)

	mutate.PUT("/goals/targets", s.handleSetGoalTarget)
	mutate.POST("/goals/record-profit", s.handleRecordProfit)

	mutate.POST("/alerts/:id/acknowledge", s.handleAcknowledgeAlert)
	mutate.POST("/alerts/:id/resolve", s.handleResolveAlert)
	mutate.POST("/alerts/:id/snooze", s.handleSnoozeAlert)
}

// Start runs the HTTP listener and the whale-alert hub until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("control API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			apiError(c, http.StatusTooManyRequests, "rate_limited", "too many requests, slow down")
			c.Abort()
			return
		}
		c.Next()
	}
}

// actorMiddleware resolves the acting identity. With a JWT secret
// configured the bearer token is mandatory and the subject claim is the
// actor; without one the X-Actor-ID header is accepted.
func (s *Server) actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := s.resolveActor(c)
		if err != nil {
			apiError(c, http.StatusUnauthorized, "unauthorized", err.Error())
			c.Abort()
			return
		}
		c.Set("actor", actor)
		c.Next()
	}
}

func (s *Server) resolveActor(c *gin.Context) (string, error) {
	if s.cfg.Server.JWTSecret != "" {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			return "", fmt.Errorf("bearer token required")
		}
		return s.actorFromToken(strings.TrimPrefix(header, "Bearer "))
	}
	if actor := c.GetHeader("X-Actor-ID"); actor != "" {
		return actor, nil
	}
	return "", fmt.Errorf("actor id required")
}

func (s *Server) actorFromToken(raw string) (string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.Server.JWTSecret), nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

// auditMiddleware records every mutating call and announces it as a
// system.config event.
func (s *Server) auditMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload map[string]interface{}
		if c.Request.Body != nil {
			body, err := io.ReadAll(c.Request.Body)
			if err == nil && len(body) > 0 {
				_ = json.Unmarshal(body, &payload)
				c.Request.Body = io.NopCloser(bytes.NewReader(body))
			}
		}

		c.Next()

		actor := c.GetString("actor")
		row := &database.APIAuditRow{
			Actor:   actor,
			Method:  c.Request.Method,
			Path:    c.Request.URL.Path,
			Payload: payload,
			Status:  c.Writer.Status(),
		}
		if err := s.repo.RecordAudit(c.Request.Context(), row); err != nil {
			s.logger.Error().Err(err).Str("path", row.Path).Msg("audit write failed")
		}
		s.publishConfigEvent(c.Request.Context(), actor, c.Request.Method, c.Request.URL.Path, c.Writer.Status())
	}
}

func (s *Server) publishConfigEvent(ctx context.Context, actor, method, path string, status int) {
	family := "api"
	if parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2); parts[0] != "" {
		family = parts[0]
	}
	env, err := fabric.NewEnvelope(fabric.TypeSystemNotification, "api", fabric.SystemNotificationPayload{
		Event:    "config_change",
		Severity: database.SeverityInfo,
		Message:  fmt.Sprintf("%s %s by %s", method, path, actor),
		Details:  map[string]interface{}{"actor": actor, "status": status},
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, fabric.ExchangeSystem, fabric.SystemKey("config", family), env); err != nil {
		s.logger.Warn().Err(err).Msg("config event publish failed")
	}
}

// apiError writes the error envelope shared by every endpoint.
func apiError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}
