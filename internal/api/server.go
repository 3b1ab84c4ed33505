// Package api serves the HTTP and WebSocket surface. Handlers stay thin:
// they bind requests, call one engine method, and map fault kinds onto
// status codes. All state lives in the engines behind them.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"contextkeeper/internal/bus"
	"contextkeeper/internal/config"
	"contextkeeper/internal/drift"
	"contextkeeper/internal/fault"
	"contextkeeper/internal/logging"
	"contextkeeper/internal/metrics"
	"contextkeeper/internal/project"
	"contextkeeper/internal/retrieval"
	"contextkeeper/internal/sacred"
	"contextkeeper/internal/task"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Watcher is the optional auto-reindex hook. Nil when WATCH_ENABLED is off.
type Watcher interface {
	Watch(projectID, root string) error
	Unwatch(projectID string)
}

// Deps bundles the engines the server fronts.
type Deps struct {
	Projects  *project.Registry
	Retrieval *retrieval.Engine
	Tasks     *task.Registry
	Sacred    *sacred.Store
	Drift     *drift.Engine
	Bus       *bus.Bus
	Watcher   Watcher
	// Degraded lists startup checks that failed non-fatally (embedding or
	// generation endpoint unreachable). Surfaced by /health.
	Degraded []string
}

// Server is the HTTP+WebSocket front end.
type Server struct {
	echo      *echo.Echo
	cfg       *config.Config
	projects  *project.Registry
	retrieval *retrieval.Engine
	tasks     *task.Registry
	sacred    *sacred.Store
	drift     *drift.Engine
	watcher   Watcher
	hub       *wsHub
	degraded  []string
	started   time.Time
}

// New builds the server with its middleware chain and routes registered.
func New(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler

	s := &Server{
		echo:      e,
		cfg:       cfg,
		projects:  deps.Projects,
		retrieval: deps.Retrieval,
		tasks:     deps.Tasks,
		sacred:    deps.Sacred,
		drift:     deps.Drift,
		watcher:   deps.Watcher,
		hub:       newWSHub(deps.Bus, cfg.WSHeartbeat()),
		degraded:  deps.Degraded,
		started:   time.Now().UTC(),
	}

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("4M"))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
	}))
	e.Use(requestTimeout(cfg.RequestTimeout()))
	e.Use(observe)

	s.routes()
	return s
}

// requestTimeout bounds every request's context. WebSocket connections are
// exempt; they are long-lived and heartbeat-policed instead.
func requestTimeout(d time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/ws" {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), d)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// observe records request counts and latency against the route pattern, not
// the raw URI, keeping metric cardinality bounded.
func observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}

		status := c.Response().Status
		if err != nil {
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else {
				status = statusFor(fault.KindOf(err))
			}
		}

		metrics.APIRequestsTotal.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		logging.APIDebug("%s %s -> %d (%s)", c.Request().Method, c.Request().URL.Path, status, time.Since(start))
		return err
	}
}

// Start serves until Shutdown. Blocking; returns http.ErrServerClosed on a
// clean stop.
func (s *Server) Start() error {
	s.hub.start()
	logging.API("Serving on %s", s.cfg.Server.Bind)
	return s.echo.Start(s.cfg.Server.Bind)
}

// Shutdown drains in-flight requests and closes WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.stop()
	return s.echo.Shutdown(ctx)
}

// Handler exposes the root handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
