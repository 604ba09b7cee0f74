// Package server wires the gateway together: identity registry, scoring
// pipeline, step-up and alerting collaborators, and the HTTP surface.
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
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/vmoreau/didgate/internal/alerts"
	"github.com/vmoreau/didgate/internal/classifier"
	"github.com/vmoreau/didgate/internal/config"
	"github.com/vmoreau/didgate/internal/features"
	"github.com/vmoreau/didgate/internal/geoip"
	"github.com/vmoreau/didgate/internal/health"
	"github.com/vmoreau/didgate/internal/identity"
	"github.com/vmoreau/didgate/internal/livefeed"
	"github.com/vmoreau/didgate/internal/logging"
	"github.com/vmoreau/didgate/internal/metrics"
	"github.com/vmoreau/didgate/internal/mfa"
	"github.com/vmoreau/didgate/internal/pipeline"
	"github.com/vmoreau/didgate/internal/policy"
	"github.com/vmoreau/didgate/internal/ratelimit"
	"github.com/vmoreau/didgate/internal/security"
	"github.com/vmoreau/didgate/internal/validation"
)

const (
	defaultChallengeTTL = 5 * time.Minute
	maxRequestBody      = 1 << 20 // 1 MiB
)

// Server is the gateway HTTP server and the owner of its collaborators.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db           *sql.DB
	registry     *identity.Registry
	verifier     *identity.Verifier
	corpus       features.Store
	port         *classifier.Port
	orchestrator *pipeline.Orchestrator
	mfaSvc       *mfa.Service
	mailer       mfa.Mailer
	feed         *livefeed.Hub
	limiter      *ratelimit.Limiter
	checks       *health.Registry

	router  *gin.Engine
	httpSrv *http.Server

	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option customizes a Server before wiring.
type Option func(*Server)

// WithLogger overrides the configured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMailer substitutes the mail dispatcher, regardless of SMTP config.
// Used by tests to capture step-up codes.
func WithMailer(m mfa.Mailer) Option {
	return func(s *Server) { s.mailer = m }
}

// New builds a fully wired server from configuration. With DATABASE_URL
// set it persists subjects, the attempt corpus, and step-up codes in
// PostgreSQL; otherwise everything lives in memory. Challenges are always
// in memory, they are short-lived by contract.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	var (
		subjects identity.SubjectStore
		corpus   features.Store
		otpStore mfa.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}

		s.db = db
		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))

		subjectStore := identity.NewPostgresSubjectStore(db)
		corpusStore := features.NewPostgresStore(db)
		mfaStore := mfa.NewPostgresStore(db)

		// Migrations are best-effort here; cmd/migrate owns the real
		// schema lifecycle and a fresh dev database still comes up.
		migCtx, cancelMig := context.WithTimeout(context.Background(), 10*time.Second)
		for name, migrate := range map[string]func(context.Context) error{
			"subjects": subjectStore.Migrate,
			"attempts": corpusStore.Migrate,
			"otp":      mfaStore.Migrate,
		} {
			if err := migrate(migCtx); err != nil {
				s.logger.Warn("migration failed", "store", name, "error", err)
			}
		}
		cancelMig()

		subjects = subjectStore
		corpus = corpusStore
		otpStore = mfaStore
	} else {
		s.logger.Info("using in-memory storage")
		subjects = identity.NewMemorySubjectStore()
		corpus = features.NewMemoryStore()
		otpStore = mfa.NewMemoryStore()
	}
	s.corpus = corpus

	s.registry = identity.NewRegistry(subjects, identity.NewMemoryChallengeStore()).
		WithChallengeTTL(defaultChallengeTTL)
	s.verifier = identity.NewVerifier()

	s.port = classifier.NewPort(cfg.ModelPath)
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 5*time.Second)
	if err := s.port.Load(loadCtx); err != nil {
		if errors.Is(err, classifier.ErrModelNotFound) {
			s.logger.Info("no trained model on disk, scoring disabled until first training",
				"path", cfg.ModelPath)
		} else {
			s.logger.Warn("model load failed", "path", cfg.ModelPath, "error", err)
		}
	} else {
		art := s.port.Artifact()
		s.logger.Info("model loaded", "path", cfg.ModelPath,
			"trainedAt", art.TrainedAt, "columns", len(art.Columns))
	}
	cancelLoad()

	pol, err := policy.New(cfg.ModerateThreshold, cfg.CriticalThreshold, cfg.BlockOnCritical)
	if err != nil {
		return nil, fmt.Errorf("build policy: %w", err)
	}

	mailer := s.mailer
	if mailer == nil && cfg.MailEnabled() {
		smtpPort, err := strconv.Atoi(cfg.SMTPPort)
		if err != nil {
			return nil, fmt.Errorf("invalid SMTP_PORT %q: %w", cfg.SMTPPort, err)
		}
		mailer = mfa.NewSMTPMailer(cfg.SMTPHost, smtpPort, cfg.SMTPFrom, cfg.SMTPPassword)
	}

	pipelineOpts := []pipeline.Option{
		pipeline.WithGeo(geoip.NewResolver(cfg.GeoLookupURL, cfg.GeoTimeout)),
	}

	if mailer != nil {
		var mfaOpts []mfa.Option
		if cfg.OTPTTL > 0 {
			mfaOpts = append(mfaOpts, mfa.WithTTL(cfg.OTPTTL))
		}
		s.mfaSvc = mfa.NewService(otpStore, mailer, mfaOpts...)
		pipelineOpts = append(pipelineOpts, pipeline.WithMFA(s.mfaSvc, s.stepUpRecipient))
	}

	var notifiers alerts.Fanout
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, alerts.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	if cfg.AlertEmail != "" && mailer != nil {
		notifiers = append(notifiers, alerts.NewEmailNotifier(mailer, cfg.AlertEmail))
	}
	if len(notifiers) > 0 {
		pipelineOpts = append(pipelineOpts, pipeline.WithNotifier(notifiers))
	}

	s.feed = livefeed.NewHub(s.logger)
	pipelineOpts = append(pipelineOpts, pipeline.WithFeed(s.feed))

	s.orchestrator = pipeline.New(corpus, s.port, pol, pipelineOpts...)

	rlCfg := ratelimit.DefaultConfig()
	if cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = cfg.RateLimitRPM
	}
	s.limiter = ratelimit.New(rlCfg)

	s.checks = health.NewRegistry()
	s.checks.Register("database", s.checkDatabase)
	s.checks.Register("model", s.checkModel)

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// stepUpRecipient resolves the step-up delivery address from the
// subject's registered contact.
func (s *Server) stepUpRecipient(ctx context.Context, did string) string {
	subject, err := s.registry.Subject(ctx, did)
	if err != nil {
		return ""
	}
	return subject.Contact
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic recovered", "error", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(nil))
	s.router.Use(validation.RequestSizeMiddleware(maxRequestBody))
	s.router.Use(s.limiter.Middleware())
	s.router.Use(metrics.Middleware())

	s.router.Use(func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("requestId", requestID))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})

	s.router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start).String(),
			"clientIp", c.ClientIP(),
		}
		switch {
		case status >= 500:
			logger.Error("request", attrs...)
		case status >= 400:
			logger.Warn("request", attrs...)
		default:
			logger.Info("request", attrs...)
		}
	})
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/live", s.handleLiveness)
	s.router.GET("/health/ready", s.handleReadiness)
	s.router.GET("/metrics", metrics.Handler())

	auth := s.router.Group("/auth")
	{
		auth.POST("/register", s.handleRegister)
		auth.GET("/challenge/:did", validation.DIDParamMiddleware(), s.handleChallenge)
		auth.POST("/verify", s.handleVerify)
		auth.POST("/mfa/verify", s.handleMFAVerify)
		auth.GET("/users", s.handleListSubjects)
	}

	s.router.POST("/analyze", s.handleAnalyze)
	s.router.POST("/train", s.adminAuth(), s.handleTrain)

	s.router.GET("/ws", gin.WrapF(s.feed.HandleWebSocket))
}

// adminAuth guards operational endpoints with the shared admin secret.
// With no secret configured the endpoints stay open, which is the
// development default.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Run starts the HTTP server and blocks until the context is cancelled
// or a termination signal arrives.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.feed.Run(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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
		s.logger.Info("server listening", "addr", s.httpSrv.Addr, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark ready once the listener has had a moment to bind.
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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

// Shutdown drains in-flight requests and releases resources.
func (s *Server) Shutdown() error {
	s.ready.Store(false)

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown", "error", err)
		}
	}

	s.limiter.Stop()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Orchestrator exposes the scoring pipeline for tests.
func (s *Server) Orchestrator() *pipeline.Orchestrator {
	return s.orchestrator
}

// checkDatabase reports database reachability. The in-memory mode is
// healthy by definition.
func (s *Server) checkDatabase(ctx context.Context) health.Status {
	if s.db == nil {
		return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return health.Status{Name: "database", Healthy: false, Detail: "unreachable"}
	}
	return health.Status{Name: "database", Healthy: true, Detail: "ok"}
}

// checkModel reports whether a trained artifact is loaded. An absent
// model degrades scoring but does not make the gateway unhealthy.
func (s *Server) checkModel(context.Context) health.Status {
	if s.port.Ready() {
		return health.Status{Name: "model", Healthy: true, Detail: "loaded"}
	}
	return health.Status{Name: "model", Healthy: true, Detail: "absent"}
}

func (s *Server) handleHealth(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	checks := gin.H{}
	for _, st := range statuses {
		checks[st.Name] = st.Detail
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
	})
}

func (s *Server) handleLiveness(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "dead"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) handleReadiness(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparsable)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
