// Package wt serves the session protocol over WebTransport. Each session
// opens one bidirectional stream that carries newline-delimited frames in
// both directions.
package wt

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"github.com/friespotatotissue/please/internal/core"
)

// Server holds the WebTransport listener.
type Server struct {
	addr      string
	tlsConfig *tls.Config
	engine    *core.Engine
	wt        *webtransport.Server
}

// NewServer returns a server for engine on the UDP address addr.
func NewServer(addr string, tlsConfig *tls.Config, engine *core.Engine) *Server {
	return &Server{
		addr:      addr,
		tlsConfig: tlsConfig,
		engine:    engine,
	}
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	s.wt = &webtransport.Server{
		H3: &http3.Server{
			Addr:      s.addr,
			TLSConfig: s.tlsConfig,
			Handler:   mux,
		},
		CheckOrigin: func(*http.Request) bool { return true },
	}
	webtransport.ConfigureHTTP3Server(s.wt.H3)

	mux.HandleFunc("/wt", func(w http.ResponseWriter, r *http.Request) {
		origin := core.Origin{
			RemoteAddr:   r.RemoteAddr,
			ForwardedFor: r.Header.Get("X-Forwarded-For"),
			Token:        r.URL.Query().Get("token"),
		}
		sess, err := s.wt.Upgrade(w, r)
		if err != nil {
			slog.Warn("webtransport upgrade failed", "remote", r.RemoteAddr, "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s.handleSession(ctx, sess, origin)
	})

	slog.Info("webtransport listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		_ = s.wt.Close()
	}()

	err := s.wt.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleSession(ctx context.Context, sess *webtransport.Session, origin core.Origin) {
	defer func() { _ = sess.CloseWithError(0, "bye") }()

	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		slog.Debug("webtransport accept stream", "remote", origin.RemoteAddr, "err", err)
		return
	}

	sock := newStreamSocket(stream, func() error {
		return sess.CloseWithError(0, "closed")
	})
	conn := s.engine.Accept(sock, origin)
	defer s.engine.Disconnect(conn)

	if err := serveStream(s.engine, conn, stream); err != nil {
		slog.Debug("webtransport stream ended", "conn_id", conn.ID(), "err", err)
	}
}
