// Package api exposes the transfer managers over a local HTTP API and a
// websocket event stream.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/eventloop"
	"github.com/transferd/transferd/internal/health"
	"github.com/transferd/transferd/internal/logger"
	"github.com/transferd/transferd/internal/manager"
	"github.com/transferd/transferd/internal/network"
	"github.com/transferd/transferd/internal/progress"
	"github.com/transferd/transferd/internal/scheduler"
	"github.com/transferd/transferd/internal/websocket"
)

// NetworkControl reports connectivity and accepts manual overrides.
type NetworkControl interface {
	network.Monitor
	network.Overrider
}

// Config wires the server to the daemon's services. Only the managers are
// required.
type Config struct {
	Downloads *manager.Manager
	Uploads   *manager.Manager
	Network   NetworkControl
	Hub       *websocket.Hub
	Progress  *progress.Manager
	Health    *health.Service
	Scheduler *scheduler.Scheduler
	Logs      *logger.Tail
	Version   string
	Logger    zerolog.Logger
}

// Server handles HTTP requests for the transferd API.
type Server struct {
	echo      *echo.Echo
	managers  map[string]*manager.Manager
	network   NetworkControl
	hub       *websocket.Hub
	progress  *progress.Manager
	health    *health.Service
	scheduler *scheduler.Scheduler
	logs      *logger.Tail
	version   string
	started   time.Time
	logger    zerolog.Logger
}

// NewServer creates a new API server instance.
func NewServer(cfg Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo: e,
		managers: map[string]*manager.Manager{
			"downloads": cfg.Downloads,
			"uploads":   cfg.Uploads,
		},
		network:   cfg.Network,
		hub:       cfg.Hub,
		progress:  cfg.Progress,
		health:    cfg.Health,
		scheduler: cfg.Scheduler,
		logs:      cfg.Logs,
		version:   cfg.Version,
		started:   time.Now(),
		logger:    cfg.Logger.With().Str("component", "api").Logger(),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Err(v.Error).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Msg("request")
			}
			return nil
		},
	}))
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api/v1")

	api.GET("/health", s.healthCheck)
	api.GET("/health/checks", s.healthChecks)
	api.GET("/status", s.getStatus)

	api.GET("/network", s.getNetwork)
	api.PUT("/network", s.setNetwork)
	api.DELETE("/network", s.clearNetwork)

	api.GET("/progress", s.listProgress)

	tasks := api.Group("/tasks")
	tasks.GET("", s.listTasks)
	tasks.GET("/:id", s.getTask)
	tasks.POST("/:id/run", s.runTask)

	api.GET("/logs", s.getLogs)

	for segment, m := range s.managers {
		if m == nil {
			continue
		}
		newTransferHandlers(m).RegisterRoutes(api.Group("/" + segment))
	}

	if s.hub != nil {
		s.echo.GET("/ws", s.hub.HandleWebSocket)
	}
}

// Start listens on address until Shutdown.
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("starting HTTP server")
	err := s.echo.Start(address)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for running ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	return s.echo.Shutdown(ctx)
}

// Echo returns the echo instance for testing.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Status summarises the daemon.
type Status struct {
	Version  string                       `json:"version"`
	Uptime   string                       `json:"uptime"`
	Network  network.Class                `json:"network"`
	Clients  int                          `json:"clients"`
	Queues   map[string]manager.QueueInfo `json:"queues"`
	Defaults map[string]manager.Defaults  `json:"defaults"`
}

func (s *Server) getStatus(c echo.Context) error {
	ctx := c.Request().Context()

	status := Status{
		Version:  s.version,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Queues:   make(map[string]manager.QueueInfo),
		Defaults: make(map[string]manager.Defaults),
	}
	if s.network != nil {
		status.Network = s.network.Class()
	}
	if s.hub != nil {
		status.Clients = s.hub.ClientCount()
	}
	for segment, m := range s.managers {
		if m == nil {
			continue
		}
		q, err := m.Queue(ctx)
		if err != nil {
			return errorResponse(c, err)
		}
		d, err := m.Defaults(ctx)
		if err != nil {
			return errorResponse(c, err)
		}
		status.Queues[segment] = q
		status.Defaults[segment] = d
	}
	return c.JSON(http.StatusOK, status)
}

// errorResponse maps service errors onto HTTP status codes.
func errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, manager.ErrTransferNotFound), errors.Is(err, scheduler.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, manager.ErrInvalidRequest), errors.Is(err, network.ErrUnknownClass):
		status = http.StatusBadRequest
	case errors.Is(err, eventloop.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
