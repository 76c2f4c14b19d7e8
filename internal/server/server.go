// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/payxpay/payxpay/internal/auth"
	"github.com/payxpay/payxpay/internal/config"
	"github.com/payxpay/payxpay/internal/health"
	"github.com/payxpay/payxpay/internal/invoice"
	"github.com/payxpay/payxpay/internal/logging"
	"github.com/payxpay/payxpay/internal/metrics"
	"github.com/payxpay/payxpay/internal/notify"
	"github.com/payxpay/payxpay/internal/payment"
	"github.com/payxpay/payxpay/internal/ratelimit"
	"github.com/payxpay/payxpay/internal/rates"
	"github.com/payxpay/payxpay/internal/realtime"
	"github.com/payxpay/payxpay/internal/security"
	"github.com/payxpay/payxpay/internal/session"
	"github.com/payxpay/payxpay/internal/telegram"
	"github.com/payxpay/payxpay/internal/traces"
	"github.com/payxpay/payxpay/internal/validation"
	"github.com/payxpay/payxpay/internal/xion"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db    *sql.DB       // nil if using in-memory
	redis *redis.Client // nil without REDIS_URL

	chain  invoice.Chain
	oracle rates.Oracle
	sender notify.Sender

	invoices    *invoice.Service
	emitter     *notify.Emitter
	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	verifier *telegram.Verifier
	issuer   *session.Issuer

	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error
	drainDelay     time.Duration

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

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithChain replaces the Xion REST client and arbiter (for testing)
func WithChain(c invoice.Chain) Option {
	return func(s *Server) {
		s.chain = c
	}
}

// WithOracle replaces the Pyth rate oracle (for testing)
func WithOracle(o rates.Oracle) Option {
	return func(s *Server) {
		s.oracle = o
	}
}

// WithSender replaces the Telegram bot used for notifications (for testing)
func WithSender(sender notify.Sender) Option {
	return func(s *Server) {
		s.sender = sender
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.IsProduction() {
		if err := security.ValidateEndpoints(map[string]string{
			"XION_REST_URL": cfg.XionRESTURL,
			"HERMES_URL":    cfg.HermesURL,
			"BOT_API_URL":   cfg.BotAPIURL,
		}); err != nil {
			return nil, fmt.Errorf("unsafe upstream endpoint: %w", err)
		}
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	store, err := s.openStore()
	if err != nil {
		return nil, err
	}

	if err := s.setupUpstreams(); err != nil {
		return nil, err
	}

	signer := invoice.NewSigner(cfg.InvoiceSecret)
	validator := payment.NewValidator(s.oracle, payment.Config{
		Denom:      cfg.PaymentDenom,
		Decimals:   cfg.PaymentDecimals,
		Tolerance:  cfg.PaymentTolerance,
		MaxRateAge: cfg.RateMaxAge,
	}, s.logger)

	s.verifier = telegram.NewVerifier(cfg.BotToken, cfg.InitDataTTL)
	s.issuer, err = session.NewIssuer(cfg.SessionSecret, cfg.SessionTTL, cfg.InitDataTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create session issuer: %w", err)
	}

	bot := telegram.NewBot(cfg.BotAPIURL, cfg.BotToken, &http.Client{Timeout: 15 * time.Second})
	if s.sender == nil {
		s.sender = bot
	}
	notifyCfg := notify.Config{
		AppURL:      cfg.AppURL,
		ExplorerURL: cfg.ExplorerURL,
	}
	s.emitter = notify.NewEmitter(s.sender, notifyCfg, s.logger)
	saver, ok := s.sender.(notify.InlineSaver)
	if !ok {
		saver = bot
	}

	s.realtimeHub = realtime.NewHub(s.issuer, s.logger, realtime.WithAllowedOrigins(cfg.AllowedOrigins))

	s.invoices = invoice.NewService(store, signer, s.chain, validator).
		WithNotifier(s.emitter).
		WithEvents(s.realtimeHub).
		WithSharer(notify.NewSharer(saver, cfg.BotUsername, notifyCfg)).
		WithLogger(s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStore picks Postgres when DATABASE_URL is set, otherwise memory.
func (s *Server) openStore() (invoice.Store, error) {
	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, invoices are kept in memory")
		return invoice.NewMemoryStore(), nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.health.Register("database", health.Database(db))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return invoice.NewPostgresStore(db), nil
}

// setupUpstreams builds the chain client and rate oracle unless injected.
func (s *Server) setupUpstreams() error {
	cfg := s.cfg

	if s.chain == nil {
		client := xion.NewClient(cfg.XionRESTURL, xion.WithLogger(s.logger))
		adapter := &chainAdapter{Client: client}
		if cfg.ArbiterEnabled() {
			arbiter, err := xion.NewArbiter(client, xion.ArbiterConfig{
				PrivateKeyHex: cfg.ArbiterKey,
				Address:       cfg.ArbiterAddress,
				Contract:      cfg.EscrowContract,
				ChainID:       cfg.XionChainID,
				Fee: xion.Fee{
					Amount:   []xion.Coin{{Denom: cfg.FeeDenom, Amount: big.NewInt(cfg.FeeAmount)}},
					GasLimit: cfg.GasLimit,
					Granter:  cfg.FeeGranter,
				},
			}, s.logger)
			if err != nil {
				return fmt.Errorf("failed to create escrow arbiter: %w", err)
			}
			adapter.arbiter = arbiter
			s.logger.Info("escrow arbiter enabled", "address", cfg.ArbiterAddress, "contract", cfg.EscrowContract)
		} else {
			s.logger.Warn("ARBITER_KEY not set, escrow approve and refund are disabled")
		}
		s.chain = adapter
		s.health.Register("xion", health.Ping("xion", client.Ping))
	}

	if s.oracle == nil {
		var oracle rates.Oracle = rates.NewHermesClient(cfg.HermesURL, &http.Client{Timeout: 10 * time.Second}, s.logger)
		if cfg.RedisURL != "" {
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			s.redis = redis.NewClient(opts)
			s.health.Register("redis", health.Redis(s.redis))
			oracle = rates.NewCachedOracle(oracle, rates.NewRedisCache(s.redis, "payxpay:"), cfg.RateCacheTTL, s.logger)
			s.logger.Info("rate cache enabled", "ttl", cfg.RateCacheTTL)
		}
		s.oracle = oracle
	}
	return nil
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

	// Mini-Apps are framed by Telegram's web clients
	s.router.Use(security.HeadersMiddleware(security.TelegramFrameAncestors...))
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(logging.RequestContext(s.logger))
	s.router.Use(logging.Requests())

	// Sessions are resolved before rate limiting so users get their own bucket
	s.router.Use(auth.Middleware(s.issuer))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(s.cfg.RateLimitRPM/6, 5),
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.health.Handler(s.version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	authHandler := auth.NewHandler(s.verifier, s.issuer, s.logger)
	invoiceHandler := invoice.NewHandler(s.invoices, s.cfg.BotUsername)
	ratesHandler := rates.NewHandler(s.oracle)

	// Public
	authHandler.RegisterRoutes(v1)
	invoiceHandler.RegisterRoutes(v1)
	ratesHandler.RegisterRoutes(v1)
	s.realtimeHub.RegisterRoutes(v1)

	// Session required
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	authHandler.RegisterProtectedRoutes(protected)
	invoiceHandler.RegisterProtectedRoutes(protected)
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

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"chain_id", s.cfg.XionChainID,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stops the hub once no handler can publish anymore
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if err := s.emitter.Wait(ctx); err != nil {
		s.logger.Warn("pending notifications abandoned", "error", err)
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if err := s.shutdownTraces(ctx); err != nil {
		s.logger.Error("trace exporter shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// chainAdapter serves invoice.Chain from the REST client and, when a key is
// configured, the escrow arbiter.
type chainAdapter struct {
	*xion.Client
	arbiter *xion.Arbiter
}

func (a *chainAdapter) ReleaseEscrow(ctx context.Context, invoiceID string) (*xion.Tx, error) {
	if a.arbiter == nil {
		return nil, xion.ErrArbiterDisabled
	}
	return a.arbiter.ReleaseEscrow(ctx, invoiceID)
}

func (a *chainAdapter) RefundEscrow(ctx context.Context, invoiceID string) (*xion.Tx, error) {
	if a.arbiter == nil {
		return nil, xion.ErrArbiterDisabled
	}
	return a.arbiter.RefundEscrow(ctx, invoiceID)
}
