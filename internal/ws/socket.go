package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/friespotatotissue/please/internal/core"
)

// socket adapts a gorilla connection to core.Socket. Gorilla allows one
// concurrent writer, so data frames are serialized by mu; control frames go
// through WriteControl which is safe alongside them.
type socket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

var _ core.Socket = (*socket)(nil)

func (s *socket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *socket) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (s *socket) Close() error {
	return s.conn.Close()
}
