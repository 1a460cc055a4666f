// Package server wires the trade broker's services together and serves them
// over HTTP.
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
	"github.com/redis/go-redis/v9"

	"github.com/olawolejethro/azariPay-sub002/internal/auth"
	"github.com/olawolejethro/azariPay-sub002/internal/config"
	"github.com/olawolejethro/azariPay-sub002/internal/dispute"
	"github.com/olawolejethro/azariPay-sub002/internal/escrow"
	"github.com/olawolejethro/azariPay-sub002/internal/fees"
	"github.com/olawolejethro/azariPay-sub002/internal/health"
	"github.com/olawolejethro/azariPay-sub002/internal/idgen"
	"github.com/olawolejethro/azariPay-sub002/internal/ledger"
	"github.com/olawolejethro/azariPay-sub002/internal/logging"
	"github.com/olawolejethro/azariPay-sub002/internal/metrics"
	"github.com/olawolejethro/azariPay-sub002/internal/negotiation"
	"github.com/olawolejethro/azariPay-sub002/internal/notify"
	"github.com/olawolejethro/azariPay-sub002/internal/orders"
	"github.com/olawolejethro/azariPay-sub002/internal/ratelimit"
	"github.com/olawolejethro/azariPay-sub002/internal/realtime"
	"github.com/olawolejethro/azariPay-sub002/internal/reconciliation"
	"github.com/olawolejethro/azariPay-sub002/internal/security"
	"github.com/olawolejethro/azariPay-sub002/internal/syncutil"
	"github.com/olawolejethro/azariPay-sub002/internal/trade"
	"github.com/olawolejethro/azariPay-sub002/internal/traces"
	"github.com/olawolejethro/azariPay-sub002/internal/txn"
	"github.com/olawolejethro/azariPay-sub002/internal/validation"
)

// Version is reported by the info endpoint; set by ldflags in cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *sql.DB       // nil if using in-memory
	redis *redis.Client // nil without REDIS_URL

	ledger       *ledger.Ledger
	book         *orders.Book
	fees         *fees.Resolver
	escrows      *escrow.Service
	negotiations *negotiation.Service
	trades       *trade.Manager
	disputes     *dispute.Manager
	reconciler   *reconciliation.Service

	queue      *notify.Queue
	kafka      *notify.KafkaSink
	hub        *realtime.Hub
	health     *health.Registry
	rateLimit  *ratelimit.Limiter
	stopTraces func(context.Context) error

	negotiationTimer *negotiation.Timer
	tradeTimer       *trade.Timer
	reconcileTimer   *reconciliation.Timer

	router       *gin.Engine
	httpSrv      *http.Server
	drainDelay   time.Duration
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

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// stores groups the persistence backends chosen at startup.
type stores struct {
	tx           txn.Runner
	wallets      ledger.Store
	orders       orders.Store
	fees         fees.Store
	escrows      escrow.Store
	negotiations negotiation.Store
	trades       trade.Store
	disputes     dispute.Store
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTraces = stopTraces

	st, err := s.openStores(ctx)
	if err != nil {
		return nil, err
	}

	var locker syncutil.Locker = syncutil.NewKeyedMutex()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		locker = syncutil.NewRedisLocker(s.redis, 30*time.Second)
		s.logger.Info("using Redis trade locks")
	}

	// Notifications: realtime push always, Kafka when configured, log otherwise.
	s.hub = realtime.NewHub(s.logger)
	sinks := []notify.Sink{s.hub}
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaNotificationTopic)
		sinks = append(sinks, s.kafka)
		s.logger.Info("publishing notifications to kafka", "topic", cfg.KafkaNotificationTopic)
	} else {
		sinks = append(sinks, notify.NewLogSink(s.logger))
	}
	s.queue = notify.NewQueue(cfg.NotifyQueueSize, sinks...).
		WithLogger(s.logger).
		WithOpsUser(cfg.OpsUserID)

	s.ledger = ledger.New(st.wallets, st.tx).WithLogger(s.logger)
	s.book = orders.NewBook(st.orders, st.tx).WithLogger(s.logger)
	s.fees = fees.NewResolver(st.fees).
		WithAlerter(s.queue).
		WithLogger(s.logger)
	s.escrows = escrow.NewService(st.escrows, s.ledger, s.fees, s.book, st.tx).
		WithPlatformAccount(cfg.PlatformAccountID).
		WithLogger(s.logger)
	s.negotiations = negotiation.NewService(st.negotiations, s.book, st.tx).
		WithNotifier(s.queue).
		WithChat(s.hub).
		WithWindows(cfg.NegotiationWindow, cfg.TradeCreationWindow).
		WithMaxOpen(cfg.MaxOpenNegotiations).
		WithLogger(s.logger)
	s.trades = trade.NewManager(st.trades, s.escrows, s.book, s.ledger, st.tx).
		WithNegotiations(s.negotiations).
		WithLocker(locker).
		WithNotifier(s.queue).
		WithChat(s.hub).
		WithPlatformAccount(cfg.PlatformAccountID).
		WithPaymentTimeLimit(cfg.PaymentTimeLimit).
		WithMaxOpenTrades(cfg.MaxOpenTrades).
		WithLogger(s.logger)
	s.disputes = dispute.NewManager(st.disputes, s.trades, s.escrows, st.tx).
		WithNotifier(s.queue).
		WithAlerter(s.queue).
		WithOpsUser(cfg.OpsUserID).
		WithLogger(s.logger)
	s.reconciler = reconciliation.NewService(s.escrows, s.trades).
		WithAlerter(s.queue).
		WithLogger(s.logger)

	s.negotiationTimer = negotiation.NewTimer(s.negotiations, cfg.ReconcileInterval, s.logger)
	s.tradeTimer = trade.NewTimer(s.trades, cfg.ReconcileInterval, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	if s.redis != nil {
		s.health.Register("redis", health.Redis(s.redis))
	}
	s.health.Register("notify-queue", health.Running("notify-queue", s.queue))
	s.health.Register("negotiation-timer", health.Running("negotiation-timer", s.negotiationTimer))
	s.health.Register("trade-timer", health.Running("trade-timer", s.tradeTimer))
	s.health.Register("reconciliation-timer", health.Running("reconciliation-timer", s.reconcileTimer))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// openStores picks Postgres when DATABASE_URL is set, otherwise in-memory
// stores seeded with the configured lock fees.
func (s *Server) openStores(ctx context.Context) (*stores, error) {
	if s.cfg.DatabaseURL == "" {
		feeRows := fees.NewMemoryStore()
		if err := fees.Seed(ctx, feeRows, s.cfg.EscrowLockFees); err != nil {
			return nil, err
		}
		s.logger.Warn("using in-memory storage (data will be lost on restart)",
			"seeded_fees", len(s.cfg.EscrowLockFees))
		return &stores{
			tx:           txn.NewMemoryRunner(),
			wallets:      ledger.NewMemoryStore(),
			orders:       orders.NewMemoryStore(),
			fees:         feeRows,
			escrows:      escrow.NewMemoryStore(),
			negotiations: negotiation.NewMemoryStore(),
			trades:       trade.NewMemoryStore(),
			disputes:     dispute.NewMemoryStore(),
		}, nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	return &stores{
		tx:           txn.NewSQLRunner(db),
		wallets:      ledger.NewPostgresStore(db),
		orders:       orders.NewPostgresStore(db),
		fees:         fees.NewPostgresStore(db),
		escrows:      escrow.NewPostgresStore(db),
		negotiations: negotiation.NewPostgresStore(db),
		trades:       trade.NewPostgresStore(db),
		disputes:     dispute.NewPostgresStore(db),
	}, nil
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

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(s.cfg.MaxBodyBytes))

	// Identity comes from the gateway; limits key on it when present.
	s.router.Use(auth.Middleware(s.cfg.GatewaySecret))
	s.rateLimit = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: s.cfg.RateLimitRPS,
		BurstSize:         s.cfg.RateLimitBurst,
	})
	s.router.Use(s.rateLimit.Middleware())

	s.router.Use(metrics.Middleware())
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
		if userID, ok := auth.UserID(c); ok {
			c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), userID))
		}

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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	orderHandler := orders.NewHandler(s.book)
	orderHandler.RegisterRoutes(v1)

	protected := v1.Group("", auth.RequireAuth())
	ledger.NewHandler(s.ledger).RegisterProtectedRoutes(protected)
	orderHandler.RegisterProtectedRoutes(protected)
	escrow.NewHandler(s.escrows).RegisterProtectedRoutes(protected)
	negotiation.NewHandler(s.negotiations).RegisterProtectedRoutes(protected)
	trade.NewHandler(s.trades).RegisterProtectedRoutes(protected)
	disputeHandler := dispute.NewHandler(s.disputes)
	disputeHandler.RegisterProtectedRoutes(protected)
	s.hub.RegisterProtectedRoutes(protected)

	admin := v1.Group("/admin", auth.RequireAuth(), auth.RequireAdmin())
	disputeHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler, s.reconcileTimer).RegisterAdminRoutes(admin)
	admin.GET("/realtime", s.realtimeStatsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "azaripay-trades",
		"version": Version,
		"env":     s.cfg.Env,
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
	s.health.Handler()(c)
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background loops: notification queue, realtime hub,
// expiry and reconciliation timers. Run calls it; tests may call it directly.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.queue.Start(runCtx)
	go s.hub.Run(runCtx)
	go s.negotiationTimer.Start(runCtx)
	go s.tradeTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)

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

	// Mark as ready after brief delay for startup
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

	s.negotiationTimer.Stop()
	s.tradeTimer.Stop()
	s.reconcileTimer.Stop()

	// Stopping the queue drains pending notifications into the sinks.
	s.queue.Stop()
	waitStopped(s.queue, 6*time.Second)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.rateLimit.Stop()

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
		}
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
	if err := s.stopTraces(ctx); err != nil {
		s.logger.Error("tracer shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// waitStopped polls a background loop until it exits or limit passes.
func waitStopped(r health.Runner, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for r.Running() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
