// Package server wires the custody pipeline together and serves the ops
// endpoints.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/custodian/internal/chain"
	"github.com/mbd888/custodian/internal/circuitbreaker"
	"github.com/mbd888/custodian/internal/config"
	"github.com/mbd888/custodian/internal/custody"
	"github.com/mbd888/custodian/internal/health"
	"github.com/mbd888/custodian/internal/kv"
	"github.com/mbd888/custodian/internal/logging"
	"github.com/mbd888/custodian/internal/markets"
	"github.com/mbd888/custodian/internal/metrics"
	"github.com/mbd888/custodian/internal/reconciliation"
	"github.com/mbd888/custodian/internal/retry"
	"github.com/mbd888/custodian/internal/settlement"
	"github.com/mbd888/custodian/internal/traces"
)

// Server owns every long-lived component of the process.
type Server struct {
	cfg     *config.Config
	version string
	db      *sql.DB
	kv      kv.Store
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger
	checks  *health.Registry

	endpoints   []chain.Endpoint
	pool        *chain.Pool
	ledger      *chain.Ledger
	markets     *markets.Directory
	custody     *custody.Service
	recon       *reconciliation.Service
	engine      *settlement.Engine
	settleTimer *settlement.Timer
	reconTimer  *reconciliation.Timer

	stopTracing  func(context.Context) error
	cancelRunCtx context.CancelFunc
	drainDelay   time.Duration

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

// WithVersion sets the version reported by /health and build_info.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithEndpoints replaces the configured gateway URLs (for testing)
func WithEndpoints(eps ...chain.Endpoint) Option {
	return func(s *Server) {
		s.endpoints = eps
	}
}

// WithDrainDelay sets how long Shutdown waits before closing the listener.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		checks:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stop, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stop

	store, err := s.openStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.setupLedger(); err != nil {
		s.closeStorage()
		return nil, err
	}

	s.markets = markets.NewDirectory(s.kv, s.logger).WithInvalidator(s.ledger)

	s.custody = custody.NewService(store, s.logger).
		WithMarkets(s.markets).
		WithInvalidator(s.ledger).
		WithMinAge(cfg.SettleMinAge)
	if cfg.CustodyIDFormat == "legacy" {
		s.custody.WithLegacyIDs()
	}

	s.recon = reconciliation.NewService(s.ledger, s.custody, s.logger).
		WithChunking(cfg.ReconcileChunkSize, cfg.ReconcileChunkDelay).
		WithUnknownGrace(cfg.ReconcileUnknownGrace)
	s.custody.WithVerifier(s.recon).WithReceiptChecker(s.recon)

	builder, err := chain.NewSettlementBuilder(cfg.OperatorPrivateKey, cfg.ChainID, cfg.LedgerContract)
	if err != nil {
		s.closeStorage()
		return nil, fmt.Errorf("failed to load operator key: %w", err)
	}
	fees := chain.FeePolicy{Base: cfg.FeeBase, PerItem: cfg.FeePerItem, Max: cfg.FeeMax}
	settler := chain.NewSettler(builder, s.pool, s.ledger, fees, s.logger)

	s.engine = settlement.NewEngine(s.custody, settler, s.logger).
		WithLimits(cfg.SettleMinAge, cfg.SettleMaxBatch)

	if cfg.SettleInterval > 0 {
		s.settleTimer = settlement.NewTimer(s.engine, cfg.SettleInterval, s.logger)
	}
	if cfg.ReconcileInterval > 0 {
		s.reconTimer = reconciliation.NewTimer(s.recon, cfg.ReconcileInterval, s.logger)
	}

	s.registerChecks(store)
	metrics.BuildInfo.WithLabelValues(s.version, cfg.StoreBackend).Set(1)

	s.logger.Info("custody pipeline ready",
		"operator", builder.Address(),
		"endpoints", len(s.pool.Endpoints()),
		"store", cfg.StoreBackend,
		"id_format", cfg.CustodyIDFormat,
	)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStore opens the configured backend. Market data always lives in a
// kv.Store; with the postgres backend it stays in memory.
func (s *Server) openStore(ctx context.Context) (custody.Store, error) {
	cfg := s.cfg
	switch cfg.StoreBackend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.kv = kv.NewMemoryStore()
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		return custody.NewPostgresStore(db), nil

	case "redis":
		rs, err := kv.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.kv = rs
		s.logger.Info("using Redis storage", "url", maskDSN(cfg.RedisURL))

	case "leveldb":
		ls, err := kv.OpenLevelDB(cfg.LevelDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open leveldb: %w", err)
		}
		s.kv = ls
		s.logger.Info("using LevelDB storage", "path", cfg.LevelDBPath)

	default:
		s.kv = kv.NewMemoryStore()
		s.logger.Warn("using in-memory storage, records are lost on restart")
	}
	return custody.NewKVStore(s.kv), nil
}

func (s *Server) setupLedger() error {
	cfg := s.cfg
	if len(s.endpoints) == 0 {
		for _, u := range cfg.LedgerEndpoints {
			s.endpoints = append(s.endpoints, chain.NewHTTPEndpoint(u, nil))
		}
	}

	policy := retry.Default
	if cfg.LedgerRetryCount > 0 {
		policy.Attempts = cfg.LedgerRetryCount
	}
	if cfg.LedgerRetryBaseDelay > 0 {
		policy.BaseDelay = cfg.LedgerRetryBaseDelay
	}

	breaker := circuitbreaker.New(5, 0)
	breaker.OnTransition(func(endpoint string, from, to circuitbreaker.State) {
		s.logger.Warn("ledger endpoint circuit changed",
			"endpoint", endpoint, "from", from.String(), "to", to.String())
	})

	pool, err := chain.NewPool(s.endpoints, chain.Options{
		Contract:          cfg.LedgerContract,
		Sender:            cfg.LedgerSender,
		APIKeys:           cfg.LedgerAPIKeys,
		KeyRotation:       chain.KeyRotation(cfg.LedgerKeyRotation),
		Retry:             policy,
		RequestsPerSecond: cfg.LedgerRPS,
		Breaker:           breaker,
		FeePadding:        cfg.FeePadding,
		Logger:            s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build ledger pool: %w", err)
	}
	s.pool = pool
	s.ledger = chain.NewLedger(pool, cfg.LedgerCacheTTL)
	return nil
}

func (s *Server) registerChecks(store custody.Store) {
	s.checks.Register("store", func(ctx context.Context) health.Status {
		if err := store.Ping(ctx); err != nil {
			return health.Status{Healthy: false, Detail: err.Error()}
		}
		return health.Status{Healthy: true}
	})
	s.checks.Register("ledger", func(context.Context) health.Status {
		total := len(s.pool.Endpoints())
		open := 0
		var names []string
		for _, es := range s.pool.Breaker().Snapshot() {
			if es.State == circuitbreaker.StateOpen {
				open++
				names = append(names, es.Endpoint)
			}
		}
		if open == total {
			return health.Status{Healthy: false, Detail: "all endpoints open: " + strings.Join(names, ",")}
		}
		if open > 0 {
			return health.Status{Healthy: true, Detail: fmt.Sprintf("%d/%d endpoints open", open, total)}
		}
		return health.Status{Healthy: true}
	})
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.contextMiddleware())
	s.router.Use(s.loggingMiddleware())
}

// contextMiddleware tags each request with a run id so handler logs can be
// correlated. An upstream X-Request-ID is reused.
func (s *Server) contextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := logging.WithRunID(c.Request.Context(), id)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", attrs...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timers    map[string]bool `json:"timers"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	timers := map[string]bool{}
	if s.settleTimer != nil {
		timers["settlement"] = s.settleTimer.Running()
	}
	if s.reconTimer != nil {
		timers["reconciliation"] = s.reconTimer.Running()
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timers:    timers,
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the settlement and reconciliation timers,
// then blocks until a signal, ctx cancellation, or a listener error.
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.settleTimer != nil {
		go s.settleTimer.Start(runCtx)
	}
	if s.reconTimer != nil {
		go s.reconTimer.Start(runCtx)
	}
	go metrics.StartStatsCollector(runCtx, s.db, 15*time.Second)
	go s.ledger.Cache().RunPurger(runCtx, time.Minute)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown stops the timers, drains HTTP, waits for background intake
// work, and closes storage. A settlement batch already broadcasting is
// allowed to finish recording its result.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.logger.Info("settlement timer stopped")
	}
	if s.reconTimer != nil {
		s.reconTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	var shutdownErr error
	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(s.drainDelay)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.custody.Wait()

	if s.stopTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
		cancel()
	}

	s.closeStorage()
	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStorage() {
	if s.kv != nil {
		if err := s.kv.Close(); err != nil {
			s.logger.Error("store close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Custody returns the custody service for in-process callers.
func (s *Server) Custody() *custody.Service { return s.custody }

// Markets returns the market directory.
func (s *Server) Markets() *markets.Directory { return s.markets }

// Settlement returns the batch settlement engine.
func (s *Server) Settlement() *settlement.Engine { return s.engine }

// Reconciliation returns the reconciliation service.
func (s *Server) Reconciliation() *reconciliation.Service { return s.recon }

// Ledger returns the cached ledger client.
func (s *Server) Ledger() *chain.Ledger { return s.ledger }
