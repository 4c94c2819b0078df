// Package server sets up the gateway HTTP server with all routes
package server

import (
	"context"
	"crypto/ecdsa"
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
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/escrowgate/internal/apperr"
	"github.com/mbd888/escrowgate/internal/auth"
	"github.com/mbd888/escrowgate/internal/catalog"
	"github.com/mbd888/escrowgate/internal/circuitbreaker"
	"github.com/mbd888/escrowgate/internal/config"
	"github.com/mbd888/escrowgate/internal/escrow"
	"github.com/mbd888/escrowgate/internal/gateway"
	"github.com/mbd888/escrowgate/internal/health"
	"github.com/mbd888/escrowgate/internal/idgen"
	"github.com/mbd888/escrowgate/internal/ledger"
	"github.com/mbd888/escrowgate/internal/ledger/chain"
	"github.com/mbd888/escrowgate/internal/ledger/remote"
	"github.com/mbd888/escrowgate/internal/logging"
	"github.com/mbd888/escrowgate/internal/metrics"
	"github.com/mbd888/escrowgate/internal/ratelimit"
	"github.com/mbd888/escrowgate/internal/realtime"
	"github.com/mbd888/escrowgate/internal/security"
	"github.com/mbd888/escrowgate/internal/traces"
	"github.com/mbd888/escrowgate/internal/validation"
	"github.com/mbd888/escrowgate/pkg/x402"
)

// Breaker settings for upstream providers.
const (
	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg       *config.Config
	version   string
	key       *ecdsa.PrivateKey
	principal escrow.Principal

	// Local ledger only; nil in chain and remote mode.
	escrowService *escrow.Service
	accounts      escrow.Accounts
	events        *escrow.EventLog
	sweeper       *escrow.Sweeper

	ledger      ledger.Ledger
	closeLedger func() error
	catalog     *catalog.Service
	gateway     *gateway.Service
	realtimeHub *realtime.Hub
	health      *health.Registry
	limiter     *ratelimit.Limiter

	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	stopTracing   func(context.Context) error
	shutdownDelay time.Duration

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

// WithLedger replaces the configured ledger adapter (for testing chain and
// remote deployments without a network).
func WithLedger(l ledger.Ledger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// WithVersion sets the version reported by /health and build_info.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithShutdownDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithShutdownDelay(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		version:       "dev",
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		health:        health.NewRegistry(3 * time.Second),
		shutdownDelay: 5 * time.Second,
	}

	// Apply options first (may set ledger/logger)
	for _, opt := range opts {
		opt(s)
	}

	// The operator identity is the only thing we refuse to start without.
	key, err := auth.ParseKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid PRIVATE_KEY: %w", err)
	}
	s.key = key
	s.principal = escrow.NewPrincipal(auth.Address(key))

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		metrics.RegisterDB(db)
		s.health.Register("database", true, func(ctx context.Context) (string, error) {
			return "", db.PingContext(ctx)
		})
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if err := s.setupLedger(); err != nil {
		return nil, err
	}
	if err := s.setupCatalog(); err != nil {
		return nil, err
	}
	s.setupGateway()

	// Realtime event stream follows the local event log.
	s.realtimeHub = realtime.NewHub(s.logger)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
	})
	s.setupRoutes()

	metrics.BuildInfo.WithLabelValues(s.version, s.ledgerMode()).Set(1)
	s.healthy.Store(true)

	s.logger.Info("gateway configured",
		"principal", s.principal,
		"ledger", cfg.LedgerMode,
		"ledgerRef", s.ledger.Ref().Ledger,
		"chainRef", s.ledger.Ref().Chain,
	)

	return s, nil
}

// setupLedger builds the ledger adapter selected by LEDGER_MODE.
func (s *Server) setupLedger() error {
	cfg := s.cfg
	injected := s.ledger
	var l ledger.Ledger

	switch cfg.LedgerMode {
	case config.LedgerLocal, "":
		var (
			store  escrow.Store
			events escrow.EventStore
		)
		if s.db != nil {
			pg := escrow.NewPostgresStore(s.db)
			store, events = pg, pg
			s.accounts = escrow.NewPostgresVault(s.db)
		} else {
			store, events = escrow.NewMemoryStore(), escrow.NewMemoryEventStore()
			s.accounts = escrow.NewVault()
		}

		feeRecipient := s.principal
		if cfg.FeeRecipient != "" {
			if !validation.IsValidEthAddress(cfg.FeeRecipient) {
				return fmt.Errorf("FEE_RECIPIENT is not a valid address")
			}
			feeRecipient = escrow.NewPrincipal(cfg.FeeRecipient)
		}

		s.events = escrow.NewEventLog(events, s.logger)
		s.escrowService = escrow.NewService(store, s.accounts, s.events, s.principal).
			WithLogger(s.logger).
			WithFee(cfg.FeeBPS, feeRecipient)
		if len(cfg.AllowedAssets) > 0 {
			assets := make([]escrow.Asset, 0, len(cfg.AllowedAssets))
			for _, a := range cfg.AllowedAssets {
				assets = append(assets, escrow.ParseAsset(a))
			}
			s.escrowService.WithAllowedAssets(assets...)
		}

		s.sweeper = escrow.NewSweeper(s.escrowService, s.logger).WithInterval(cfg.SweepInterval)
		if cfg.SweepClaims {
			s.sweeper.WithClaimer(s.principal)
		}
		l = ledger.NewLocal(s.escrowService, s.principal)
		s.logger.Info("local escrow ledger enabled", "feeBps", cfg.FeeBPS, "faucet", cfg.Faucet)

	case config.LedgerChain:
		if injected != nil {
			l = injected
			break
		}
		cl, err := chain.New(chain.Config{
			RPCURL:     cfg.RPCURL,
			PrivateKey: cfg.PrivateKey,
			ChainID:    cfg.ChainID,
			Contract:   cfg.EscrowContract,
		})
		if err != nil {
			return fmt.Errorf("failed to create chain ledger: %w", err)
		}
		s.closeLedger = cl.Close
		l = cl
		s.logger.Info("chain escrow ledger enabled", "contract", cfg.EscrowContract, "chainId", cfg.ChainID)

	case config.LedgerRemote:
		if injected != nil {
			l = injected
			break
		}
		l = remote.New(cfg.RemoteLedgerURL, s.key).
			WithHTTPClient(&http.Client{Timeout: cfg.LedgerTimeout}).
			WithReadRetry(3, 200*time.Millisecond)
		s.logger.Info("remote escrow ledger enabled", "url", cfg.RemoteLedgerURL)

	default:
		return fmt.Errorf("unknown ledger mode %q", cfg.LedgerMode)
	}

	s.ledger = ledger.Instrument(l, s.ledgerMode())

	s.health.Register("ledger", true, func(ctx context.Context) (string, error) {
		// Escrow 0 never exists; any protocol answer proves the ledger is reachable.
		if _, err := s.ledger.GetEscrow(ctx, 0); err != nil && !escrow.IsRejection(err) {
			return "", err
		}
		return s.ledgerMode(), nil
	})
	return nil
}

func (s *Server) ledgerMode() string {
	if s.cfg.LedgerMode == "" {
		return config.LedgerLocal
	}
	return s.cfg.LedgerMode
}

// setupCatalog opens the listing store and, on a local ledger, makes the
// gateway the delivery delegate of every provider it lists.
func (s *Server) setupCatalog() error {
	var store catalog.Store
	if s.cfg.CatalogFile != "" {
		fs, err := catalog.OpenFileStore(s.cfg.CatalogFile)
		if err != nil {
			return fmt.Errorf("failed to open catalog: %w", err)
		}
		store = fs
		s.logger.Info("catalog file store", "path", fs.Path())
	} else {
		store = catalog.NewMemoryStore()
	}

	assets := append([]catalog.AssetInfo(nil), catalog.DefaultAssets...)
	if s.cfg.TokenContract != "" {
		if !validation.IsValidEthAddress(s.cfg.TokenContract) {
			return fmt.Errorf("TOKEN_CONTRACT is not a valid address")
		}
		assets = append(assets, catalog.AssetInfo{
			Asset:    escrow.Token(s.cfg.TokenContract),
			Symbol:   s.cfg.TokenSymbol,
			Decimals: s.cfg.TokenDecimals,
		})
	}
	s.catalog = catalog.NewService(store, assets...).WithLogger(s.logger)
	if s.cfg.IsProduction() {
		s.catalog.WithURLCheck(security.CheckUpstreamURL)
	}

	s.health.Register("catalog", false, func(ctx context.Context) (string, error) {
		listings, err := s.catalog.List(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d listings", len(listings)), nil
	})

	if s.escrowService == nil {
		return nil
	}

	delegate := func(_ context.Context, l *catalog.Listing) error {
		return s.escrowService.SetDeliveryDelegate(s.principal, l.Provider, s.principal)
	}
	s.catalog.OnRegister(delegate)

	listings, err := s.catalog.List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	for _, l := range listings {
		if err := delegate(context.Background(), l); err != nil {
			s.logger.Warn("failed to delegate delivery", "listing", l.ID, "provider", l.Provider, "error", err)
		}
	}
	return nil
}

func (s *Server) setupGateway() {
	var store gateway.Store
	if s.db != nil {
		store = gateway.NewPostgresStore(s.db)
	} else {
		store = gateway.NewMemoryStore()
	}

	breaker := circuitbreaker.New(breakerThreshold, breakerOpenFor).
		OnTransition(func(host string, from, to circuitbreaker.State) {
			s.logger.Warn("upstream circuit changed", "host", host, "from", from.String(), "to", to.String())
		})
	s.health.Register("upstreams", false, func(context.Context) (string, error) {
		trips := breaker.Tripped()
		if len(trips) == 0 {
			return "all circuits closed", nil
		}
		hosts := make([]string, len(trips))
		for i, tr := range trips {
			hosts[i] = tr.Host + " " + tr.State
		}
		return "", fmt.Errorf("%d upstream circuits not closed: %s", len(trips), strings.Join(hosts, ", "))
	})
	forwarder := gateway.NewForwarder(s.cfg.UpstreamTimeout, breaker)
	if s.cfg.IsProduction() {
		forwarder.GuardDials(security.DialControl)
	}

	cfg := gateway.DefaultConfig()
	cfg.CatalogTimeout = s.cfg.CatalogTimeout
	cfg.LedgerTimeout = s.cfg.LedgerTimeout
	cfg.UpstreamTimeout = s.cfg.UpstreamTimeout
	cfg.EscrowTimeout = s.cfg.EscrowTimeout
	cfg.PriceFallback = s.cfg.PriceFallback

	s.gateway = gateway.NewService(s.catalog, s.ledger, forwarder, store, cfg, s.logger)
	if s.cfg.PriceFallback {
		s.logger.Warn("price fallback enabled: unmatched subpaths are charged the first endpoint's price")
	}
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

	// Any origin; browser agents need the signing headers in and the demand headers out.
	s.router.Use(security.CORSMiddleware(security.CORSConfig{
		Origins: []string{"*"},
		AllowHeaders: []string{
			auth.HeaderPrincipal, auth.HeaderTimestamp, auth.HeaderSignature, auth.HeaderNonce,
			x402.HeaderEscrowID, "X-Admin-Secret", "Authorization",
		},
		ExposeHeaders: []string{
			x402.HeaderRequired, x402.HeaderCurrency, x402.HeaderAmount,
			x402.HeaderRecipient, x402.HeaderChain, x402.HeaderEscrowID, x402.HeaderDataHash,
		},
	}))

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
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
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

		// Log level based on status code. 402 is the normal first leg of a
		// paid call, not a client error.
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400 && status != http.StatusPaymentRequired:
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/", s.infoHandler)

	root := s.router.Group("")

	// Paid calls. The proxy enforces its own body limit.
	gateway.NewHandler(s.gateway).RegisterRoutes(root)

	// Read-through escrow lookups against whichever ledger is configured
	root.GET("/escrows/:ref", s.getEscrowHandler)
	root.GET("/escrows/:ref/events", s.getEscrowEventsHandler)

	limited := s.router.Group("")
	limited.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Catalog (listing registration is public; providers sign nothing here)
	catalogGroup := limited.Group("")
	catalogGroup.Use(s.limiter.Middleware(func(c *gin.Context) string { return "ip:" + c.ClientIP() }))
	catalog.NewHandler(s.catalog).RegisterRoutes(catalogGroup)

	if s.escrowService == nil {
		return
	}

	// WebSocket event stream
	s.router.GET("/ws/events", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// Local ledger API: public reads, signed writes
	escrowHandler := escrow.NewHandler(s.escrowService, s.accounts).WithFaucet(s.cfg.Faucet)
	escrowHandler.RegisterRoutes(limited)

	signed := limited.Group("")
	signed.Use(
		auth.RequireSignature(auth.NewVerifier(s.cfg.SignatureWindow)),
		s.limiter.Middleware(func(c *gin.Context) string { return "principal:" + auth.Principal(c) }),
	)
	escrowHandler.RegisterProtectedRoutes(signed)

	admin := limited.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		admin.POST("/pause", s.pauseHandler)
		admin.POST("/unpause", s.unpauseHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	report := s.health.CheckAll(ctx)
	checks := make(map[string]string, len(report.Statuses))
	for _, st := range report.Statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
			logging.L(ctx).Warn("health check failed", "check", st.Name, "detail", st.Detail)
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case !report.Healthy:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case report.Degraded:
		status = "degraded"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
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
	ref := s.ledger.Ref()
	assets := s.catalog.Assets()
	symbols := make([]string, 0, len(assets))
	for _, a := range assets {
		symbols = append(symbols, a.Symbol)
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        "escrowgate",
		"description": "Escrow-settled paid API gateway",
		"version":     s.version,
		"principal":   s.principal,
		"ledger":      s.ledgerMode(),
		"ledgerRef":   ref.Ledger,
		"chainRef":    ref.Chain,
		"assets":      symbols,
	})
}

// getEscrowHandler handles GET /escrows/:ref
func (s *Server) getEscrowHandler(c *gin.Context) {
	id, err := ledger.ParseID(c.Param("ref"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Escrow id must be a non-negative integer"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.LedgerTimeout)
	defer cancel()

	e, err := s.ledger.GetEscrow(ctx, id)
	if err != nil {
		kind := apperr.KindOf(err)
		status := apperr.HTTPStatus(kind)
		msg := err.Error()
		switch kind {
		case apperr.EscrowNotFound:
			status = http.StatusNotFound
		case apperr.LedgerCallFailed:
			status = http.StatusBadGateway
			msg = "ledger unavailable"
			logging.L(ctx).Error("escrow read failed", "escrowId", id, "error", err)
		}
		c.JSON(status, gin.H{"error": string(kind), "message": msg})
		return
	}

	ref := s.ledger.Ref()
	c.JSON(http.StatusOK, gin.H{
		"escrow":    e,
		"ledgerRef": ref.Ledger,
		"chainRef":  ref.Chain,
	})
}

// getEscrowEventsHandler handles GET /escrows/:ref/events
func (s *Server) getEscrowEventsHandler(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_supported",
			"message": "Event history is only kept by the local ledger",
		})
		return
	}
	id, err := ledger.ParseID(c.Param("ref"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Escrow id must be a non-negative integer"})
		return
	}
	events, err := s.events.ByEscrow(c.Request.Context(), id)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list events", "escrowId", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (s *Server) pauseHandler(c *gin.Context) {
	if err := s.escrowService.Pause(s.principal); err != nil {
		status, code := escrow.ErrorCode(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	logging.L(c.Request.Context()).Warn("ledger paused")
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) unpauseHandler(c *gin.Context) {
	if err := s.escrowService.Unpause(s.principal); err != nil {
		status, code := escrow.ErrorCode(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	logging.L(c.Request.Context()).Info("ledger unpaused")
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background workers: tracing, the realtime hub, the
// expiry sweeper and the DB stats collector.
func (s *Server) Start(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stop, err := traces.Init(runCtx, s.cfg.OTELEndpoint, "escrowgate", s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
	} else {
		s.stopTracing = stop
	}

	// Start realtime hub and follow the local event log
	if s.events != nil {
		go s.realtimeHub.Run(runCtx)
		s.realtimeHub.Follow(runCtx, s.events)
	}

	// Start expiry sweeper
	if s.sweeper != nil {
		go s.sweeper.Start(runCtx)
	}
	return nil
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Proxied calls may take the full upstream timeout plus ledger writes.
		WriteTimeout: s.cfg.UpstreamTimeout + 2*s.cfg.LedgerTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"principal", s.principal,
		)
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

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

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

	// Cancel the context for all background goroutines (hub, sweeper, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.shutdownDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.limiter.Stop()

	// Stop expiry sweeper
	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("escrow sweeper stopped")
	}

	if n := s.gateway.InFlight(); n > 0 {
		s.logger.Warn("shutting down with redemptions in flight", "count", n)
	}

	// Close ledger connection
	if s.closeLedger != nil {
		if err := s.closeLedger(); err != nil {
			s.logger.Error("ledger close error", "error", err)
		}
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
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

// Principal is the gateway's ledger identity.
func (s *Server) Principal() escrow.Principal {
	return s.principal
}

// Accounts returns the local ledger's balances and custody, or nil on chain
// and remote ledgers.
func (s *Server) Accounts() escrow.Accounts {
	return s.accounts
}
