package ws

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/friespotatotissue/please/internal/core"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
)

// Handler owns the websocket transport.
type Handler struct {
	engine   *core.Engine
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler feeding engine.
func NewHandler(engine *core.Engine) *Handler {
	return &Handler{
		engine: engine,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	req := c.Request()
	origin := core.Origin{
		RemoteAddr:   req.RemoteAddr,
		ForwardedFor: req.Header.Get("X-Forwarded-For"),
		Token:        c.QueryParam("token"),
	}

	conn, err := h.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, origin)
	return nil
}

func (h *Handler) serveConn(wsConn *websocket.Conn, origin core.Origin) {
	wsConn.SetReadLimit(readLimit)
	_ = wsConn.SetReadDeadline(time.Time{})

	conn := h.engine.Accept(&socket{conn: wsConn}, origin)
	defer h.engine.Disconnect(conn)

	wsConn.SetPongHandler(func(string) error {
		conn.Confirm()
		return nil
	})

	for {
		kind, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "conn_id", conn.ID(), "err", err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		h.engine.HandleFrame(conn, data)
	}
}
