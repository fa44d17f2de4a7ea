// Package server exposes water level sessions over WebSocket and the
// camera records over a JSON API.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/teslashibe/go-waterwatch/internal/log"
	"github.com/teslashibe/go-waterwatch/internal/metrics"
	"github.com/teslashibe/go-waterwatch/pkg/camera"
	"github.com/teslashibe/go-waterwatch/pkg/protocol"
	"github.com/teslashibe/go-waterwatch/pkg/session"
	"github.com/teslashibe/go-waterwatch/pkg/store"
	"github.com/teslashibe/go-waterwatch/pkg/transport"
)

// Config holds server settings
type Config struct {
	AppName     string
	Version     string
	CORSOrigins string // Comma-separated, "*" for any
	RequestLog  bool
	StaticDir   string
	Session     session.Options
	Transport   transport.Options
}

// Deps are the shared services behind the routes.
type Deps struct {
	Store    store.Store
	Acquirer *camera.Acquirer
	Capture  *camera.Manager
	Registry *session.Registry
}

// Server owns the fiber app and every session it spawns.
type Server struct {
	app  *fiber.App
	cfg  Config
	deps Deps

	base     context.Context
	cancel   context.CancelCauseFunc
	handlers sync.WaitGroup
	started  time.Time

	mu      sync.Mutex
	closing bool // no new observers once set
}

// New builds the app and registers all routes.
func New(cfg Config, deps Deps) *Server {
	if cfg.AppName == "" {
		cfg.AppName = "waterwatch"
	}
	if cfg.CORSOrigins == "" {
		cfg.CORSOrigins = "*"
	}
	if deps.Registry == nil {
		deps.Registry = session.NewRegistry()
	}
	if deps.Capture == nil {
		deps.Capture = camera.NewManager(camera.DefaultConfig())
	}
	capture := deps.Capture
	capture.OnConfigChange = func(cfg camera.Config) error {
		rev := capture.Revision()
		metrics.CaptureRevision.Set(float64(rev))
		log.Info("capture config updated", "revision", rev,
			"width", cfg.Width, "height", cfg.Height, "framerate", cfg.Framerate, "quality", cfg.Quality)
		return nil
	}

	base, cancel := context.WithCancelCause(context.Background())
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		base:    base,
		cancel:  cancel,
		started: time.Now(),
	}

	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if cfg.RequestLog {
		app.Use(logger.New())
	}

	s.app = app
	s.registerRoutes()
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Registry returns the live session registry.
func (s *Server) Registry() *session.Registry { return s.deps.Registry }

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	log.Info("🚀 listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops every session, waits for them to clean up, then stops
// the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.deps.Registry.StopAll(session.ErrShutdown)
	s.cancel(session.ErrShutdown)

	var errs []error
	if err := s.deps.Registry.Wait(ctx); err != nil {
		errs = append(errs, err)
	}

	drained := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	if err := s.app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) registerRoutes() {
	app := s.app

	// WebSocket upgrade middleware
	app.Use("/api/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if s.isClosing() {
			return fiber.ErrServiceUnavailable
		}
		return c.Next()
	})
	app.Get("/api/ws/water-level/:id", websocket.New(s.handleStream))

	api := app.Group("/api")

	cameras := api.Group("/cameras")
	cameras.Post("/", s.handleCreateCamera)
	cameras.Get("/", s.handleListCameras)
	cameras.Get("/:id", s.handleGetCamera)
	cameras.Delete("/:id", s.handleDeleteCamera)

	sessions := api.Group("/sessions")
	sessions.Get("/", s.handleListSessions)
	sessions.Delete("/:id", s.handleStopSession)

	capture := api.Group("/capture")
	capture.Get("/", s.handleGetCapture)
	capture.Put("/", s.handleUpdateCapture)
	capture.Get("/presets", s.handlePresets)

	app.Get("/health", s.handleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	if s.cfg.StaticDir != "" {
		app.Static("/", s.cfg.StaticDir)
	} else {
		app.Get("/", s.handleBanner)
	}
}

// handleStream binds one observer to one session for the life of the
// connection.
func (s *Server) handleStream(c *websocket.Conn) {
	if !s.enter() {
		s.refuse(c)
		return
	}
	defer s.handlers.Done()

	id := c.Params("id")
	t := transport.New(c, s.cfg.Transport)
	t.Start()

	opts := s.cfg.Session
	if opts.Quality == nil {
		opts.Quality = func() int { return s.deps.Capture.GetConfig().Quality }
	}

	sess := session.New(id, t, session.Deps{
		Gateway:  s.deps.Store,
		Acquirer: s.deps.Acquirer,
		Registry: s.deps.Registry,
	}, opts)

	log.Debug("observer connected", "camera_id", id, "remote", c.RemoteAddr().String())
	sess.Run(s.base)
	t.Wait()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// enter counts a new observer unless shutdown has begun. Shutdown waits
// on the count only after closing is set, so Add never races Wait.
func (s *Server) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.handlers.Add(1)
	return true
}

// refuse tells an observer that slipped past the upgrade check that the
// server is going away.
func (s *Server) refuse(c *websocket.Conn) {
	if data, err := protocol.NewError("Server shutting down").Bytes(); err == nil {
		_ = c.WriteMessage(websocket.TextMessage, data)
	}
	_ = c.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
	_ = c.Close()
}
