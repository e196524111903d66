// Package api serves the daemon's HTTP API: mind and variant lifecycle,
// message submission streamed back as NDJSON, and the activity feed as SSE.
package api

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/mindkeeper/internal/delivery"
	"github.com/p-blackswan/mindkeeper/internal/health"
	"github.com/p-blackswan/mindkeeper/internal/metrics"
	"github.com/p-blackswan/mindkeeper/internal/minds"
	"github.com/p-blackswan/mindkeeper/internal/registry"
	"github.com/p-blackswan/mindkeeper/internal/requestid"
	"github.com/p-blackswan/mindkeeper/internal/sequencer"
	"github.com/p-blackswan/mindkeeper/internal/store"
	"github.com/p-blackswan/mindkeeper/internal/variant"
)

const defaultKeepAlive = 15 * time.Second

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins string
	// KeepAlive is the SSE comment interval.
	KeepAlive time.Duration
}

// Registry is the read side of mind and variant metadata.
type Registry interface {
	List() ([]registry.MindEntry, error)
	Get(name string) (*registry.MindEntry, error)
	Variants(mind string) ([]registry.Variant, error)
	Variant(mind, name string) (*registry.Variant, error)
}

// Minds creates and removes minds.
type Minds interface {
	Create(ctx context.Context, name string, opts minds.CreateOptions) (*registry.MindEntry, error)
	Delete(ctx context.Context, name string) error
	Sprout(name string) (*registry.MindEntry, error)
	UpgradeAvailable(name string) (bool, error)
}

// Variants forks, merges and deletes variants.
type Variants interface {
	Fork(ctx context.Context, mind, name string, opts variant.ForkOptions) (*registry.Variant, error)
	Merge(ctx context.Context, mind, name string, opts variant.MergeOptions) (*variant.MergeResult, error)
	Delete(ctx context.Context, mind, name string) error
}

// Supervisor controls processes by mind or mind@variant key.
type Supervisor interface {
	Start(ctx context.Context, key string) error
	Stop(ctx context.Context, key string) error
	Restart(ctx context.Context, key string) error
	IsRunning(key string) bool
	PID(key string) int
}

// Messenger hands messages to minds.
type Messenger interface {
	Deliver(ctx context.Context, mind string, msg delivery.Message) (*delivery.Delivery, error)
	Redeliver(ctx context.Context, dl *store.DeadLetter) error
}

// DeadLetters is the dead letter journal.
type DeadLetters interface {
	ListDeadLetters(ctx context.Context, includeResolved bool, limit int) ([]*store.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (*store.DeadLetter, error)
	IncrementRetry(ctx context.Context, id, errMsg string) error
	ResolveDeadLetter(ctx context.Context, id string) error
}

// Deps are the components the API drives.
type Deps struct {
	Registry    Registry
	Minds       Minds
	Variants    Variants
	Supervisor  Supervisor
	Messenger   Messenger
	DeadLetters DeadLetters
	Events      *sequencer.Sequencer
	Checker     *health.Checker
	Metrics     *metrics.Metrics
}

// Server is the API Fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	logger   zerolog.Logger
	config   ServerConfig

	// done is closed on Shutdown so long-lived streams let go of their
	// connections.
	done     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// NewServer creates and configures the API server.
func NewServer(cfg ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "api_server").Logger(),
		config: cfg,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	s.handlers = NewHandlers(deps, cfg.KeepAlive, s.done, logger)

	s.setupMiddleware(ctx, cfg, logger)
	s.setupRoutes(s.handlers, deps.Metrics)

	return s
}

func (s *Server) setupMiddleware(ctx context.Context, cfg ServerConfig, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(func(c *fiber.Ctx) error {
		reqID := requestid.Ensure(c.Get(requestid.Header))
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		c.SetUserContext(requestid.WithRequestID(c.UserContext(), reqID))
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, Last-Event-ID",
			AllowMethods: "GET, POST, DELETE, OPTIONS",
		}))
	}

	if cfg.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(ctx, cfg.RateLimit))
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, logger))

	// Audit log, skipping probes.
	s.app.Use(func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}
		l := requestid.Logger(c.UserContext(), logger)
		l.Info().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("ip", c.IP()).
			Msg("api request")
		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers, m *metrics.Metrics) {
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)
	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}

	v1 := s.app.Group("/api/v1")

	v1.Get("/minds", h.ListMinds)
	v1.Post("/minds", h.CreateMind)
	v1.Get("/minds/:name", h.GetMind)
	v1.Delete("/minds/:name", h.DeleteMind)
	v1.Post("/minds/:name/start", h.StartMind)
	v1.Post("/minds/:name/stop", h.StopMind)
	v1.Post("/minds/:name/restart", h.RestartMind)
	v1.Post("/minds/:name/sprout", h.SproutMind)
	v1.Post("/minds/:name/message", h.SendMessage)

	v1.Get("/minds/:name/variants", h.ListVariants)
	v1.Post("/minds/:name/variants", h.ForkVariant)
	v1.Delete("/minds/:name/variants/:variant", h.DeleteVariant)
	v1.Post("/minds/:name/variants/:variant/start", h.StartVariant)
	v1.Post("/minds/:name/variants/:variant/stop", h.StopVariant)
	v1.Post("/minds/:name/variants/:variant/merge", h.MergeVariant)

	v1.Get("/events", h.Events)

	v1.Get("/dead-letters", h.ListDeadLetters)
	v1.Post("/dead-letters/:id/retry", h.RetryDeadLetter)
}

// Start serves on the configured address. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:4200"
	}
	s.logger.Info().Str("addr", addr).Msg("API server starting")
	return s.app.Listen(addr)
}

// Serve serves on an existing listener. Blocks until stopped.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server starting")
	return s.app.Listener(ln)
}

// Shutdown ends open event streams and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("API server shutting down")
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
	return s.app.ShutdownWithContext(ctx)
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}
		return problemResponse(c, code, "internal_error", utils.StatusMessage(code), detail)
	}
}
