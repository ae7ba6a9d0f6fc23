package wt

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/friespotatotissue/please/internal/core"
)

// maxFrame bounds one newline-delimited frame on the control stream.
const maxFrame = 1 << 20

var errFrameTooLarge = errors.New("frame too large")

// streamSocket adapts a reliable bidirectional stream to core.Socket. Frames
// are JSON arrays terminated by '\n'.
type streamSocket struct {
	mu    sync.Mutex
	w     io.Writer
	close func() error
}

var _ core.Socket = (*streamSocket)(nil)

func newStreamSocket(w io.Writer, closeFn func() error) *streamSocket {
	return &streamSocket{w: w, close: closeFn}
}

func (s *streamSocket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	_, err := s.w.Write([]byte{'\n'})
	return err
}

// Ping is a no-op: streams have no control frames. Clients keep the
// connection alive with t envelopes, and every inbound frame confirms
// liveness.
func (s *streamSocket) Ping() error { return nil }

func (s *streamSocket) Close() error { return s.close() }

// serveStream feeds newline-delimited frames from r into the engine until r
// fails.
func serveStream(engine *core.Engine, conn *core.Conn, r io.Reader) error {
	br := bufio.NewReaderSize(r, 4096)
	var buf []byte
	for {
		line, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			buf = append(buf, line...)
			if len(buf) > maxFrame {
				return fmt.Errorf("%w: over %d bytes", errFrameTooLarge, maxFrame)
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		frame := bytes.Clone(line)
		if len(buf) > 0 {
			frame = append(buf, line...)
			buf = nil
		}
		frame = bytes.TrimSpace(frame)
		if len(frame) == 0 {
			continue
		}
		engine.HandleFrame(conn, frame)
	}
}
