// Package adminapi implements the read-only operator HTTP surface: health,
// metrics, and JSON projections of rooms/chats/users. It never mutates
// Store state and never participates in the control/media wire protocol.
package adminapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"rcord/internal/metrics"
	"rcord/internal/session"
	"rcord/internal/store"
)

// Server is the Echo application backing the Admin API.
type Server struct {
	echo     *echo.Echo
	store    *store.Store
	registry *session.Registry
	metrics  *metrics.Counters
}

// New constructs an Echo app exposing /healthz, /metrics, and /api/* routes.
func New(st *store.Store, reg *session.Registry, m *metrics.Counters) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, store: st, registry: reg, metrics: m}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			slog.Info("admin http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/metrics", s.handleMetrics)
	s.echo.GET("/api/rooms", s.handleRooms)
	s.echo.GET("/api/chats", s.handleChats)
	s.echo.GET("/api/users", s.handleUsers)
}

// Run starts Echo and blocks until ctx cancellation or a startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down admin api")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status         string `json:"status"`
	OnlineSessions int    `json:"online_sessions"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:         "ok",
		OnlineSessions: len(s.registry.OnlineUsers()),
	})
}

type metricsResponse struct {
	metrics.Snapshot
	SnapshotID string `json:"snapshot_id"`
}

func (s *Server) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, metricsResponse{
		Snapshot:   s.metrics.Snapshot(),
		SnapshotID: uuid.NewString(),
	})
}

func (s *Server) handleRooms(c echo.Context) error {
	rooms, err := s.store.AllRooms()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"rooms": rooms})
}

func (s *Server) handleChats(c echo.Context) error {
	chats, err := s.store.AllChats()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleUsers(c echo.Context) error {
	users, err := s.store.ListUsers()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"users": users})
}
