// Package server sets up the HTTP server with all routes
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/agentspay/agentspay/internal/adminauth"
	"github.com/agentspay/agentspay/internal/chain"
	"github.com/agentspay/agentspay/internal/config"
	"github.com/agentspay/agentspay/internal/contracts"
	"github.com/agentspay/agentspay/internal/disputes"
	"github.com/agentspay/agentspay/internal/health"
	"github.com/agentspay/agentspay/internal/idgen"
	"github.com/agentspay/agentspay/internal/keys"
	"github.com/agentspay/agentspay/internal/logging"
	"github.com/agentspay/agentspay/internal/metrics"
	"github.com/agentspay/agentspay/internal/ratelimit"
	"github.com/agentspay/agentspay/internal/security"
	"github.com/agentspay/agentspay/internal/settlement"
	"github.com/agentspay/agentspay/internal/traces"
	"github.com/agentspay/agentspay/internal/utxo"
	"github.com/agentspay/agentspay/internal/validation"
	"github.com/agentspay/agentspay/internal/wallet"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	wallets     *wallet.Service
	utxos       *utxo.Service
	settlements *settlement.Service
	contracts   *contracts.Service
	disputes    *disputes.Service
	stepup      *adminauth.Service
	auditor     *adminauth.Auditor
	keyChecker  *adminauth.KeyChecker

	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	shutdownTraces func(context.Context) error

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
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	// Storage: Postgres when DATABASE_URL is set, otherwise in-memory.
	var (
		walletStore     wallet.Store
		utxoStore       utxo.Store
		settlementStore settlement.Store
		contractStore   contracts.Store
		disputeStore    disputes.Store
		stepupStore     adminauth.Store
		auditStore      adminauth.AuditStore
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		walletStore = wallet.NewPostgresStore(db)
		utxoStore = utxo.NewPostgresStore(db)
		settlementStore = settlement.NewPostgresStore(db)
		contractStore = contracts.NewPostgresStore(db)
		disputeStore = disputes.NewPostgresStore(db)
		pgAdmin := adminauth.NewPostgresStore(db)
		stepupStore, auditStore = pgAdmin, pgAdmin

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		walletStore = wallet.NewMemoryStore()
		utxoStore = utxo.NewMemoryStore()
		settlementStore = settlement.NewMemoryStore()
		contractStore = contracts.NewMemoryStore()
		disputeStore = disputes.NewMemoryStore()
		memAdmin := adminauth.NewMemoryStore()
		stepupStore, auditStore = memAdmin, memAdmin
	}

	// Chain access. Without a node URL the engine still runs: platform-mode
	// settlements are pure bookkeeping, multisig spends and anchors refuse.
	var chainClient utxo.ChainClient
	if cfg.ChainNodeURL != "" {
		chainClient = chain.NewClient(cfg.ChainNodeURL)
		s.logger.Info("chain node configured", "url", cfg.ChainNodeURL)
	} else {
		chainClient = unavailableChain{}
		s.logger.Warn("no CHAIN_NODE_URL set; running without chain access")
	}
	s.utxos = utxo.NewService(utxoStore, chainClient)

	s.wallets = wallet.NewService(walletStore, cfg.MasterSecret)

	// Platform settlement wallet (multisig co-signer, anchor funding).
	var platformKey *btcec.PrivateKey
	var platformAddr string
	if cfg.PlatformKey != "" {
		platformKey, err = keys.ParsePrivateKeyHex(cfg.PlatformKey)
		if err != nil {
			return nil, fmt.Errorf("invalid PLATFORM_KEY: %w", err)
		}
		platformAddr, err = keys.DeriveAddress(platformKey.PubKey())
		if err != nil {
			return nil, err
		}
		s.logger.Info("platform wallet loaded", "address", platformAddr)
	}

	s.settlements = settlement.NewService(settlementStore, cfg.AdminWalletAllowlist)
	if cfg.ChainNodeURL != "" {
		s.settlements = s.settlements.WithBroadcaster(s.utxos)
	}
	if platformKey != nil {
		s.settlements = s.settlements.WithPlatformKey(platformKey, cfg.FeeRate)
	}

	var anchorer contracts.Anchorer
	if platformKey != nil && cfg.ChainNodeURL != "" {
		anchorer = contracts.NewChainAnchorer(s.utxos, platformKey, platformAddr, cfg.FeeRate)
		s.logger.Info("contract anchoring enabled")
	}
	s.contracts = contracts.NewService(contractStore, anchorer).WithPayments(s.settlements)

	s.disputes = disputes.NewService(disputeStore, s.settlements)

	s.auditor = adminauth.NewAuditor(auditStore)
	s.stepup = adminauth.NewService(stepupStore, cfg.AdminWalletAllowlist, s.auditor)
	s.keyChecker = adminauth.NewKeyChecker(cfg.AdminKey, cfg.AdminKeyPrevious, cfg.AdminKeyLegacy)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// unavailableChain is the stand-in when no node is configured.
type unavailableChain struct{}

func (unavailableChain) ListUTXOs(context.Context, string) ([]utxo.UTXO, error) {
	return nil, chain.ErrNodeUnavailable
}

func (unavailableChain) Broadcast(context.Context, string) (string, error) {
	return "", chain.ErrNodeUnavailable
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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

func (s *Server) setupRoutes() {
	// Health & metrics
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")
	v1.Use(validation.AddressParamMiddleware())

	walletHandler := wallet.NewHandler(s.wallets)
	settlementHandler := settlement.NewHandler(s.settlements)
	contractHandler := contracts.NewHandler(s.contracts)
	disputeHandler := disputes.NewHandler(s.disputes)
	stepupHandler := adminauth.NewHandler(s.stepup, s.auditor)

	// PUBLIC ROUTES (registration and reads)
	walletHandler.RegisterRoutes(v1)
	settlementHandler.RegisterRoutes(v1)
	contractHandler.RegisterRoutes(v1)
	disputeHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (wallet credential required)
	protected := v1.Group("")
	protected.Use(wallet.RequireAuth(s.wallets))
	settlementHandler.RegisterProtectedRoutes(protected)
	contractHandler.RegisterProtectedRoutes(protected)
	disputeHandler.RegisterProtectedRoutes(protected)

	// ADMIN ROUTES (rotating static key, plus wallet step-up for the
	// operations that move funds)
	admin := v1.Group("")
	admin.Use(adminauth.RequireKey(s.keyChecker))
	stepupHandler.RegisterRoutes(admin)

	privileged := admin.Group("")
	privileged.Use(adminauth.RequireWalletStepUp(s.stepup, s.cfg.AdminRequireWalletAuth))
	disputeHandler.RegisterAdminRoutes(privileged)
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)
	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
		"name":        "agentspay",
		"description": "Escrow and multisig settlement for agent payments",
		"version":     "0.1.0",
		"endpoints":   gin.H{"api": "/v1", "health": "/health", "metrics": "/metrics"},
	})
}

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

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
