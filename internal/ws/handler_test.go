package ws

import (
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/friespotatotissue/please/internal/core"
	"github.com/friespotatotissue/please/internal/protocol"
)

type envelope struct {
	Type string
	Raw  json.RawMessage
}

type testClient struct {
	conn *websocket.Conn
	envs chan envelope
	user protocol.User
}

func TestJamScenarioOverWebSocket(t *testing.T) {
	_, baseURL := startTestServer(t)

	alice := connectClient(t, baseURL, "alice")
	bob := connectClient(t, baseURL, "bob")

	writeMsg(t, alice, map[string]any{"m": "ch", "_id": "jam"})
	st := readRoomState(t, alice, func(st protocol.RoomState) bool { return st.Ch.ID == "jam" })
	if st.Ch.Crown == nil || st.Ch.Crown.UserID != alice.user.ID {
		t.Fatalf("creator crown = %#v", st.Ch.Crown)
	}

	writeMsg(t, bob, map[string]any{"m": "ch", "_id": "jam"})
	st = readRoomState(t, bob, func(st protocol.RoomState) bool { return st.Ch.ID == "jam" })
	if len(st.Ppl) != 2 || st.Ch.Crown.UserID != alice.user.ID {
		t.Fatalf("snapshot after join = %#v", st)
	}
	readRoomState(t, alice, func(st protocol.RoomState) bool { return st.Ch.Count == 2 })

	_ = alice.conn.Close()

	st = readRoomState(t, bob, func(st protocol.RoomState) bool { return st.Ch.Count == 1 })
	if st.Ch.Crown == nil || st.Ch.Crown.UserID != bob.user.ID {
		t.Fatalf("crown after owner left = %#v", st.Ch.Crown)
	}

	writeMsg(t, bob, map[string]any{"m": "chset", "set": map[string]any{"color": "#fff"}})
	readRoomState(t, bob, func(st protocol.RoomState) bool { return st.Ch.Settings.Color == "#fff" })
}

func TestBatchedFrameDispatchedInOrder(t *testing.T) {
	_, baseURL := startTestServer(t)
	alice := connectClient(t, baseURL, "alice")
	bob := connectClient(t, baseURL, "bob")

	writeMsg(t, bob, map[string]any{"m": "ch", "_id": "jam"})
	readRoomState(t, bob, func(st protocol.RoomState) bool { return st.Ch.ID == "jam" })

	writeMsg(t, alice,
		map[string]any{"m": "ch", "_id": "jam"},
		map[string]any{"m": "a", "message": "first"},
		map[string]any{"m": "a", "message": "second"},
	)

	var first, second protocol.ChatMessage
	readUntil(t, bob, protocol.TypeChat, &first)
	readUntil(t, bob, protocol.TypeChat, &second)
	if first.A != "first" || second.A != "second" {
		t.Fatalf("chat order = %q, %q", first.A, second.A)
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	_, baseURL := startTestServer(t)
	alice := connectClient(t, baseURL, "alice")

	_ = alice.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := alice.conn.WriteMessage(websocket.TextMessage, []byte("{{{")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// A bare object is still one envelope.
	if err := alice.conn.WriteMessage(websocket.TextMessage, []byte(`{"m":"t","e":10}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	var reply protocol.TimeReply
	readUntil(t, alice, protocol.TypeTime, &reply)
	if reply.E != 10 {
		t.Fatalf("time reply = %#v", reply)
	}
}

func TestTokenQueryParamSelectsIdentity(t *testing.T) {
	_, baseURL := startTestServer(t)

	first := connectClient(t, baseURL, "same")
	second := connectClient(t, baseURL, "same")
	other := connectClient(t, baseURL, "other")

	if first.user.ID != second.user.ID {
		t.Fatalf("same token resolved to %q and %q", first.user.ID, second.user.ID)
	}
	if first.user.ID == other.user.ID {
		t.Fatalf("different tokens share identity %q", first.user.ID)
	}
}

func TestHeartbeatKeepsRespondingClient(t *testing.T) {
	engine, baseURL := startTestServer(t)
	alice := connectClient(t, baseURL, "alice")

	engine.Sweep()
	// The client's reader answers the ping.
	time.Sleep(200 * time.Millisecond)
	engine.Sweep()

	writeMsg(t, alice, map[string]any{"m": "t", "e": 1})
	readUntil(t, alice, protocol.TypeTime, nil)
}

func TestHeartbeatClosesSilentClient(t *testing.T) {
	engine, baseURL := startTestServer(t)

	// A raw connection whose pings are never read or answered.
	conn, _, err := websocket.DefaultDialer.Dial(baseURL+"/ws?token=silent", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	waitFor(t, func() bool { return engine.Stats().Connections == 1 })

	conn.SetPingHandler(func(string) error { return nil })
	engine.Sweep()
	engine.Sweep()

	waitFor(t, func() bool { return engine.Stats().Connections == 0 })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func startTestServer(t *testing.T) (*core.Engine, string) {
	t.Helper()

	engine := core.NewEngine(core.Options{
		Resolver: core.TokenResolver{Fallback: core.AddressResolver{}},
	})
	e := echo.New()
	NewHandler(engine).Register(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(func() {
		engine.Shutdown()
		httpServer.Close()
	})

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	return engine, wsURL
}

func connectClient(t *testing.T, baseWSURL, token string) *testClient {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(baseWSURL+"/ws?token="+url.QueryEscape(token), nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	c := &testClient{conn: conn, envs: make(chan envelope, 256)}
	t.Cleanup(func() { _ = conn.Close() })
	go c.readLoop()

	writeMsg(t, c, map[string]any{"m": "hi"})
	var hi protocol.HiReply
	readUntil(t, c, protocol.TypeHi, &hi)
	c.user = hi.U
	return c
}

// readLoop keeps the connection read so control frames are answered.
func (c *testClient) readLoop() {
	defer close(c.envs)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		raws, err := protocol.ParseFrame(data)
		if err != nil {
			continue
		}
		for _, raw := range raws {
			typ, err := protocol.PeekType(raw)
			if err != nil {
				continue
			}
			c.envs <- envelope{Type: typ, Raw: raw}
		}
	}
}

func writeMsg(t *testing.T, c *testClient, msgs ...any) {
	t.Helper()
	data, err := protocol.EncodeFrame(msgs...)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readUntil(t *testing.T, c *testClient, typ string, out any) {
	t.Helper()
	timeout := time.After(4 * time.Second)
	for {
		select {
		case env, ok := <-c.envs:
			if !ok {
				t.Fatalf("connection closed while waiting for %q", typ)
			}
			if env.Type != typ {
				continue
			}
			if out != nil {
				if err := json.Unmarshal(env.Raw, out); err != nil {
					t.Fatalf("decode %s: %v", typ, err)
				}
			}
			return
		case <-timeout:
			t.Fatalf("timed out waiting for %q", typ)
		}
	}
}

func readRoomState(t *testing.T, c *testClient, match func(protocol.RoomState) bool) protocol.RoomState {
	t.Helper()
	for i := 0; i < 50; i++ {
		var st protocol.RoomState
		readUntil(t, c, protocol.TypeChannel, &st)
		if match(st) {
			return st
		}
	}
	t.Fatal("no matching room state")
	return protocol.RoomState{}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}
