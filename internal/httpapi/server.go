package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/friespotatotissue/please/internal/core"
	"github.com/friespotatotissue/please/internal/protocol"
	"github.com/friespotatotissue/please/internal/ws"
)

const shutdownTimeout = 5 * time.Second

// Server is the Echo application.
type Server struct {
	echo     *echo.Echo
	engine   *core.Engine
	gatherer prometheus.Gatherer
}

// New constructs an Echo app with websocket and REST routes. A nil gatherer
// leaves /metrics unregistered.
func New(engine *core.Engine, gatherer prometheus.Gatherer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, engine: engine, gatherer: gatherer}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	s.echo.GET("/api/rooms", s.handleRooms)
	s.echo.GET("/api/rooms/:name", s.handleRoom)
	if s.gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	ws.NewHandler(s.engine).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", addr)
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
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: s.engine.Stats().Connections,
	})
}

type stateResponse struct {
	Connections         int `json:"connections"`
	Identities          int `json:"identities"`
	ConnectedIdentities int `json:"connected_identities"`
	Rooms               int `json:"rooms"`
	Listeners           int `json:"listeners"`
}

func (s *Server) handleState(c echo.Context) error {
	st := s.engine.Stats()
	return c.JSON(http.StatusOK, stateResponse{
		Connections:         st.Connections,
		Identities:          st.Identities,
		ConnectedIdentities: st.ConnectedIdentities,
		Rooms:               st.Rooms,
		Listeners:           st.Listeners,
	})
}

type roomsResponse struct {
	Rooms []protocol.RoomInfo `json:"rooms"`
}

func (s *Server) handleRooms(c echo.Context) error {
	return c.JSON(http.StatusOK, roomsResponse{Rooms: s.engine.RoomList()})
}

type roomResponse struct {
	Room         protocol.RoomInfo      `json:"room"`
	Participants []protocol.Participant `json:"participants"`
}

func (s *Server) handleRoom(c echo.Context) error {
	name, err := url.PathUnescape(c.Param("name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid room name")
	}
	info, ppl, ok := s.engine.RoomSnapshot(name)
	if !ok || (!info.Settings.Visible && info.ID != core.LobbyName) {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	return c.JSON(http.StatusOK, roomResponse{Room: info, Participants: ppl})
}
