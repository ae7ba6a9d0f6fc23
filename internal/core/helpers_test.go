package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/friespotatotissue/please/internal/protocol"
)

type fakeSocket struct {
	frames chan []byte
	pings  atomic.Int32
	closed atomic.Bool
	// failSend makes every Send fail.
	failSend atomic.Bool
	// pending holds envelopes of a partly consumed frame. Test goroutine
	// only.
	pending []envelope
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{frames: make(chan []byte, 256)}
}

func (s *fakeSocket) Send(data []byte) error {
	if s.failSend.Load() {
		return errors.New("send failed")
	}
	s.frames <- data
	return nil
}

func (s *fakeSocket) Ping() error {
	s.pings.Add(1)
	return nil
}

func (s *fakeSocket) Close() error {
	s.closed.Store(true)
	return nil
}

type envelope struct {
	Type string
	Raw  json.RawMessage
}

// next returns the next envelope the socket received.
func (s *fakeSocket) next(t *testing.T) envelope {
	t.Helper()
	if len(s.pending) > 0 {
		env := s.pending[0]
		s.pending = s.pending[1:]
		return env
	}
	select {
	case data := <-s.frames:
		envs, err := protocol.ParseFrame(data)
		if err != nil {
			t.Fatalf("bad outbound frame %s: %v", data, err)
		}
		if len(envs) == 0 {
			t.Fatalf("empty outbound frame")
		}
		for _, raw := range envs {
			typ, err := protocol.PeekType(raw)
			if err != nil {
				t.Fatalf("peek: %v", err)
			}
			s.pending = append(s.pending, envelope{Type: typ, Raw: raw})
		}
		return s.next(t)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for envelope")
		return envelope{}
	}
}

// readUntil reads envelopes until one of type typ arrives and decodes it
// into out.
func (s *fakeSocket) readUntil(t *testing.T, typ string, out any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env := s.next(t)
		if env.Type != typ {
			continue
		}
		if out != nil {
			if err := json.Unmarshal(env.Raw, out); err != nil {
				t.Fatalf("decode %s: %v", typ, err)
			}
		}
		return
	}
	t.Fatalf("did not receive %q", typ)
}

// expectNone asserts that no envelope of type typ arrives within a short
// window.
func (s *fakeSocket) expectNone(t *testing.T, typ string) {
	t.Helper()
	for _, env := range s.pending {
		if env.Type == typ {
			t.Fatalf("unexpected %q envelope: %s", typ, env.Raw)
		}
	}
	s.pending = nil
	timeout := time.After(150 * time.Millisecond)
	for {
		select {
		case data := <-s.frames:
			envs, _ := protocol.ParseFrame(data)
			for _, raw := range envs {
				if got, _ := protocol.PeekType(raw); got == typ {
					t.Fatalf("unexpected %q envelope: %s", typ, raw)
				}
			}
		case <-timeout:
			return
		}
	}
}

type memStore struct {
	mu      sync.Mutex
	records map[string]IdentityRecord
	fail    bool
	saves   int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]IdentityRecord)}
}

func (m *memStore) LoadIdentities(context.Context) (map[string]IdentityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]IdentityRecord, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) SaveIdentity(_ context.Context, rec IdentityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.saves++
	m.records[rec.ID] = rec
	return nil
}

func (m *memStore) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Now == nil {
		opts.Now = fixedClock(5000)
	}
	e := NewEngine(opts)
	t.Cleanup(e.Shutdown)
	return e
}

type testClient struct {
	conn   *Conn
	socket *fakeSocket
	user   protocol.User
}

// join connects a client from addr, says hi and drains the hi reply.
func join(t *testing.T, e *Engine, addr string) *testClient {
	t.Helper()
	sock := newFakeSocket()
	c := e.Accept(sock, Origin{RemoteAddr: addr})
	send(t, e, c, map[string]any{"m": "hi"})

	var reply protocol.HiReply
	sock.readUntil(t, protocol.TypeHi, &reply)
	return &testClient{conn: c, socket: sock, user: reply.U}
}

func send(t *testing.T, e *Engine, c *Conn, msgs ...any) {
	t.Helper()
	data, err := protocol.EncodeFrame(msgs...)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	e.HandleFrame(c, data)
}

// enter moves the client into room and returns the ch snapshot it got.
func (tc *testClient) enter(t *testing.T, e *Engine, room string) protocol.RoomState {
	t.Helper()
	send(t, e, tc.conn, map[string]any{"m": "ch", "_id": room})
	for {
		var st protocol.RoomState
		tc.socket.readUntil(t, protocol.TypeChannel, &st)
		if st.Ch.ID == room {
			return st
		}
	}
}

// stallSocket never completes a Send until it is closed.
type stallSocket struct {
	release   chan struct{}
	closeOnce sync.Once
}

func newStallSocket() *stallSocket {
	return &stallSocket{release: make(chan struct{})}
}

func (s *stallSocket) Send([]byte) error {
	<-s.release
	return errors.New("socket closed")
}

func (s *stallSocket) Ping() error { return nil }

func (s *stallSocket) Close() error {
	s.closeOnce.Do(func() { close(s.release) })
	return nil
}
