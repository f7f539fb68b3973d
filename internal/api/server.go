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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/auth"
	"futures-trading-bot/internal/bot"
	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/events"
	"futures-trading-bot/internal/market"
	"futures-trading-bot/internal/signal"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
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

// BotAPI defines the engine methods the control surface exposes
type BotAPI interface {
	Status() map[string]interface{}
	ListBots() []bot.BotRecord
	GetBot(symbol string) (bot.BotRecord, bool)
	CreateManualBot(ctx context.Context, symbol string, manual bot.ManualBotParams) (bot.BotRecord, error)
	CloseBot(ctx context.Context, symbol string) error
	SignalSnapshot(ctx context.Context, symbol string) signal.Signal
	ActivateTradingRules(ctx context.Context) int
	SyncOnce(ctx context.Context) bot.SyncReport
	LastSyncReport() *bot.SyncReport
	BreakerStats() map[string]interface{}
	ResetBreaker()
}

// TradeStore reads closed-trade history. *database.DB satisfies it.
type TradeStore interface {
	GetTradeHistory(ctx context.Context, limit, offset int) ([]bot.TradeRecord, error)
	GetTradeStats(ctx context.Context) (database.TradeStats, error)
}

// HealthChecker reports backing-store health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server is the HTTP control surface
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      config.ServerConfig
	store       *config.Store
	engine      BotAPI
	maturity    *market.MaturityFilter
	trades      TradeStore
	health      HealthChecker
	bus         *events.Bus
	authService *auth.Service
	hub         *WSHub
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	startedAt   time.Time
}

// NewServer creates the API server
func NewServer(
	cfg config.ServerConfig,
	store *config.Store,
	engine BotAPI,
	maturity *market.MaturityFilter, // Can be nil, maturity routes 404
	trades TradeStore, // Can be nil if the database is disabled
	health HealthChecker, // Can be nil if the database is disabled
	bus *events.Bus,
	authService *auth.Service,
	logger zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	origins := splitOrigins(cfg.AllowedOrigins)
	if len(origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		config:      cfg,
		store:       store,
		engine:      engine,
		maturity:    maturity,
		trades:      trades,
		health:      health,
		bus:         bus,
		authService: authService,
		rateLimiter: NewRateLimiter(120, time.Minute),
		logger:      logger.With().Str("component", "API").Logger(),
		startedAt:   time.Now(),
	}

	server.hub = NewWSHub(server.logger)
	go server.hub.Run()
	bus.SubscribeAll(func(event events.Event) {
		server.hub.BroadcastEvent(event)
	})

	server.setupRoutes()
	return server
}

func splitOrigins(raw string) []string {
	if raw == "" || raw == "*" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Public surface
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", s.handleWebSocket)
	s.router.POST("/api/auth/login", auth.LoginHandler(s.authService))
	s.router.GET("/api/auth/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"auth_enabled": s.authService.Enabled()})
	})

	// Control surface, JWT-protected when auth is enabled
	api := s.router.Group("/api")
	api.Use(auth.Middleware(s.authService))
	api.Use(s.rateLimitMiddleware())
	{
		api.GET("/status", s.handleStatus)

		api.GET("/bots", s.handleListBots)
		api.POST("/bots", s.handleCreateBot)
		api.GET("/bots/:symbol", s.handleGetBot)
		api.DELETE("/bots/:symbol", s.handleCloseBot)

		api.GET("/signals/:symbol", s.handleGetSignal)

		api.GET("/config", s.handleGetConfig)
		api.PATCH("/config", s.handleUpdateConfig)

		api.GET("/maturity", s.handleListMaturity)
		api.POST("/maturity/refresh", s.handleRefreshMaturity)

		api.GET("/sync/report", s.handleSyncReport)
		api.POST("/sync/force", s.handleForceSync)

		api.GET("/breaker", s.handleBreakerStats)
		api.POST("/breaker/reset", s.handleResetBreaker)

		api.GET("/trades", s.handleTradeHistory)
		api.GET("/trades/stats", s.handleTradeStats)
	}
}

// rateLimitMiddleware rate limits requests by endpoint path
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		if !s.rateLimiter.Allow(path) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "RATE_LIMITED",
				"message": "too many requests to this endpoint",
				"path":    path,
			})
			return
		}
		c.Next()
	}
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until shutdown
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
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

	s.hub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	}

	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := s.health.HealthCheck(ctx); err != nil {
			resp["status"] = "degraded"
			resp["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp["database"] = "healthy"
	}

	c.JSON(http.StatusOK, resp)
}
