// Package api exposes the control HTTP API: post listing and creation,
// resubmission of failed posts, platform checks, manual ticks and status.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/pprof"

	"postbot/internal/engagement"
	"postbot/internal/platform"
	"postbot/internal/publish"
	"postbot/internal/runtime/supervisor"
	"postbot/internal/storage"
	"postbot/internal/task/periodic"
	logx "postbot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8080"

type Config struct {
	Addr string
	// Token, when set, is required as "Authorization: Bearer <token>".
	Token                string
	AllowUnknownPlatform bool
	// Location interprets zone-less schedule times.
	Location *time.Location
	Now      func() time.Time
	// Pprof mounts the runtime profiler under /debug/pprof.
	Pprof bool
}

// Platforms is the part of platform.Router the API reads.
type Platforms interface {
	IsAvailable(name string) bool
	ListAvailable() []string
	TestConnection(ctx context.Context) map[string]bool
	Snapshot() []platform.PlatformInfo
}

// Tasks runs periodic tasks on demand.
type Tasks interface {
	Trigger(ctx context.Context, name string) error
	Snapshot() []periodic.TaskInfo
}

type Deps struct {
	Store     storage.Store
	Platforms Platforms
	Tasks     Tasks
	Scheduler interface{ Snapshot() publish.Snapshot }
	Refresher interface {
		Last() engagement.RefreshReport
	}
	// Supervisor is optional.
	Supervisor interface {
		Counters() supervisor.SupervisorCounters
	}
}

type Server struct {
	cfg      Config
	deps     Deps
	log      logx.Logger
	validate *validator.Validate
	app      *fiber.App
}

func New(cfg Config, deps Deps, log logx.Logger) (*Server, error) {
	if deps.Store == nil || deps.Platforms == nil {
		return nil, errors.New("api: store and platforms are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{cfg: cfg, deps: deps, log: log, validate: newValidator()}
	s.app = fiber.New(fiber.Config{
		AppName:               "postbot",
		DisableStartupMessage: true,
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          30 * time.Second,
		ErrorHandler:          s.handleError,
	})
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.app.Use(s.recoverer(), s.requestLog(), s.auth())
	if s.cfg.Pprof {
		s.app.Use(pprof.New())
	}
	g := s.app.Group("/api")

	g.Get("/posts", s.listPosts)
	g.Get("/posts/:id", s.getPost)
	g.Post("/posts", s.createPost)
	g.Post("/posts/:id/resubmit", s.resubmitPost)

	g.Get("/platforms", s.listPlatforms)
	g.Get("/platforms/test", s.testPlatforms)

	g.Post("/metrics/refresh", s.refreshMetrics)
	g.Post("/scheduler/run", s.runScheduler)
	g.Get("/status", s.status)
}

// App returns the underlying fiber app (used by tests through App().Test).
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Addr() string { return s.cfg.Addr }

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve() error {
	s.log.Info("api listening", logx.String("addr", s.cfg.Addr), logx.Bool("auth", s.cfg.Token != ""))
	return s.app.Listen(s.cfg.Addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.log.Error("api request failed", logx.String("method", c.Method()), logx.String("path", c.Path()), logx.Err(err))
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
