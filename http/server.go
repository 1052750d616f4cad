// Package http serves the facilitator API over gin.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	facilitator "github.com/apitoll/facilitator"
	"github.com/apitoll/facilitator/auth"
	"github.com/apitoll/facilitator/validation"
)

const (
	DefaultPort            = "4022"
	DefaultMaxBodyBytes    = 1 << 20
	DefaultShutdownTimeout = 30 * time.Second
)

// Service is the facilitator surface the API exposes.
type Service interface {
	Pay(req facilitator.PaymentRequest) (facilitator.PaymentRecord, error)
	Payment(ctx context.Context, id string) (facilitator.PaymentRecord, error)
	Verify(ctx context.Context, req facilitator.VerifyRequest) facilitator.VerifyResponse
	Forward(ctx context.Context, id string) (*facilitator.ForwardResult, error)
	Stats(ctx context.Context) facilitator.Stats
	PendingPayments() int
}

// Config configures the HTTP server.
type Config struct {
	Port            string
	AllowedOrigins  []string
	RateLimit       int
	RateWindow      time.Duration
	SweepInterval   time.Duration
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
}

// Server is the facilitator HTTP API.
type Server struct {
	cfg       Config
	service   Service
	validator *validation.Validator
	auth      *auth.Authenticator
	limiter   *auth.Limiter
	logger    *slog.Logger
	now       func() time.Time

	router  *gin.Engine
	httpSrv *http.Server

	mu     sync.Mutex
	cancel context.CancelFunc
	bgWG   sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithLimiter replaces the rate limiter built from Config.
func WithLimiter(limiter *auth.Limiter) Option {
	return func(s *Server) {
		s.limiter = limiter
	}
}

// WithClock overrides the time source used in responses.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New builds the router. Nothing listens until Run.
func New(cfg Config, service Service, validator *validation.Validator, authenticator *auth.Authenticator, opts ...Option) *Server {
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		cfg:       cfg,
		service:   service,
		validator: validator,
		auth:      authenticator,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = auth.NewLimiter(cfg.RateLimit, cfg.RateWindow)
	}

	if s.auth.Open() {
		s.logger.Warn("no API keys configured: running in OPEN mode, every request is accepted without authentication")
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Router returns the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.limiter.RunSweeper(bgCtx, s.cfg.SweepInterval)
	}()

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "auth_mode", s.auth.Mode())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		s.stopBackground()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
	}

	return s.Shutdown()
}

// Shutdown stops accepting requests and waits for in-flight handlers.
func (s *Server) Shutdown() error {
	s.logger.Info("starting graceful shutdown")
	defer s.stopBackground()

	if s.httpSrv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) stopBackground() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.bgWG.Wait()
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.POST("/verify", s.rateLimitMiddleware(), s.verifyHandler)

	authed := s.router.Group("/", s.rateLimitMiddleware(), s.authMiddleware())
	authed.GET("/status", s.statusHandler)
	authed.POST("/pay", s.payHandler)
	authed.GET("/pay/:id", s.paymentHandler)
	authed.POST("/forward/:id", s.forwardHandler)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found", "code": "not_found"})
	})
}
