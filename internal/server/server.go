// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/freightdesk/paycore/internal/circuitbreaker"
	"github.com/freightdesk/paycore/internal/clock"
	"github.com/freightdesk/paycore/internal/config"
	"github.com/freightdesk/paycore/internal/credit"
	"github.com/freightdesk/paycore/internal/gateway"
	"github.com/freightdesk/paycore/internal/health"
	"github.com/freightdesk/paycore/internal/logging"
	"github.com/freightdesk/paycore/internal/metrics"
	"github.com/freightdesk/paycore/internal/money"
	"github.com/freightdesk/paycore/internal/payment"
	"github.com/freightdesk/paycore/internal/ratelimit"
	"github.com/freightdesk/paycore/internal/reconciliation"
	"github.com/freightdesk/paycore/internal/security"
	"github.com/freightdesk/paycore/internal/validation"
	"github.com/freightdesk/paycore/internal/wallet"
)

// simulatorDelay is how long the test gateway holds a charge in
// "initiated" before auto-succeeding.
const simulatorDelay = 10 * time.Second

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	wallets      *wallet.Service
	credits      *credit.Service
	payments     *payment.Service
	recon        *reconciliation.Service
	creditTimer  *credit.Timer
	paymentTimer *payment.Timer
	reconTimer   *reconciliation.Timer
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		walletStore  wallet.Store
		creditStore  credit.Store
		paymentStore payment.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		walletStore = wallet.NewPostgresStore(db)
		creditStore = credit.NewPostgresStore(db)
		paymentStore = payment.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		walletStore = wallet.NewMemoryStore()
		creditStore = credit.NewMemoryStore()
		paymentStore = payment.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Gateway adapter per configured provider. The simulator is always
	// available for the "simulator" payment method.
	sim := gateway.NewSimulator(simulatorDelay, cfg.SimulatorFailRate, clock.System{})
	var gw gateway.Adapter
	switch cfg.GatewayProvider {
	case "stripe":
		gw = gateway.WithBreaker(
			gateway.NewStripeAdapter(cfg.StripeAPIKey),
			circuitbreaker.New(5, 30*time.Second))
	default:
		gw = sim
	}
	s.logger.Info("payment gateway configured", "provider", gw.Name())

	// Wallet ledger
	s.wallets = wallet.NewService(walletStore,
		wallet.WithLogger(s.logger),
		wallet.WithLockTimeout(cfg.LockTimeout),
	)

	// Credit ledger with overdue sweep
	overdraftFee, err := money.New(cfg.OverdraftFee, money.USD)
	if err != nil {
		return nil, fmt.Errorf("invalid CREDIT_OVERDRAFT_FEE: %w", err)
	}
	s.credits = credit.NewService(creditStore,
		credit.WithLogger(s.logger),
		credit.WithLockTimeout(cfg.LockTimeout),
		credit.WithOverdraftFee(overdraftFee),
	)
	s.creditTimer = credit.NewTimer(s.credits, cfg.OverdueSweepInterval, s.logger)

	// Payment orchestrator with reconcile sweep
	s.payments = payment.NewService(paymentStore, s.wallets, s.credits, gw, sim,
		payment.WithLogger(s.logger),
		payment.WithCallbackSecret(cfg.CallbackSecret, cfg.CallbackMaxSkew),
		payment.WithRetryPolicy(cfg.RetryAttempts, cfg.RetryBaseDelay),
		payment.WithGracePeriod(cfg.ProcessingGracePeriod),
	)
	s.paymentTimer = payment.NewTimer(s.payments, cfg.ReconcileSweepInterval, s.logger)

	// Ledger integrity audit + half-transfer repair
	s.recon = reconciliation.NewService(s.wallets, walletStore,
		reconciliation.WithLogger(s.logger),
	)
	s.reconTimer = reconciliation.NewTimer(s.recon, cfg.ReconcileSweepInterval, s.logger)

	if cfg.CallbackSecret == "" {
		s.logger.Warn("CALLBACK_SECRET not set, gateway callbacks will be rejected")
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id and :ownerID URL params on all v1 routes (no-op when absent)
	v1.Use(validation.IDParamMiddleware())

	walletHandler := wallet.NewHandler(s.wallets, s.logger)
	walletHandler.RegisterRoutes(v1)

	creditHandler := credit.NewHandler(s.credits, s.logger)
	creditHandler.RegisterRoutes(v1)

	paymentHandler := payment.NewHandler(s.payments, s.logger)
	paymentHandler.RegisterRoutes(v1)

	// Admin routes: status overrides, reversals, sweeps.
	// In production these sit behind the platform's internal gateway.
	walletHandler.RegisterAdminRoutes(v1)
	creditHandler.RegisterAdminRoutes(v1)
	paymentHandler.RegisterAdminRoutes(v1)
	v1.POST("/admin/reconciliation/run", s.runReconciliation)
}

// runReconciliation handles POST /v1/admin/reconciliation/run
func (s *Server) runReconciliation(c *gin.Context) {
	res, err := s.recon.RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reconciliation run failed",
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "paycore",
		"description": "Payment and ledger core for the freight platform",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// DB pool stats for the metrics endpoint
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Startup repair: compensate transfer legs orphaned by a crash
	// before traffic resumes, then keep sweeping on the timer.
	go func() {
		if repaired, err := s.recon.RepairTransfers(runCtx); err != nil {
			s.logger.Error("startup transfer repair failed", "error", err)
		} else if repaired > 0 {
			s.logger.Info("startup transfer repair finished", "repaired", repaired)
		}
	}()

	// Start overdue-interest sweep timer
	go s.creditTimer.Start(runCtx)

	// Start stuck-payment reconcile timer
	go s.paymentTimer.Start(runCtx)

	// Start ledger audit timer
	go s.reconTimer.Start(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (timers, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop sweep timers
	if s.creditTimer != nil {
		s.creditTimer.Stop()
		s.logger.Info("overdue sweep timer stopped")
	}
	if s.paymentTimer != nil {
		s.paymentTimer.Stop()
		s.logger.Info("reconcile timer stopped")
	}
	if s.reconTimer != nil {
		s.reconTimer.Stop()
		s.logger.Info("audit timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
