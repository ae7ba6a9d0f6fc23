package wt

import (
	"bufio"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/friespotatotissue/please/internal/core"
	"github.com/friespotatotissue/please/internal/protocol"
)

type pipeClient struct {
	conn net.Conn
	r    *bufio.Reader
}

// startPipe serves one in-memory stream and returns the client end.
func startPipe(t *testing.T, engine *core.Engine, token string) *pipeClient {
	t.Helper()
	server, client := net.Pipe()

	sock := newStreamSocket(server, server.Close)
	conn := engine.Accept(sock, core.Origin{RemoteAddr: "127.0.0.1:4000", Token: token})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = serveStream(engine, conn, server)
		engine.Disconnect(conn)
	}()
	t.Cleanup(func() {
		_ = client.Close()
		<-done
	})
	return &pipeClient{conn: client, r: bufio.NewReader(client)}
}

func (p *pipeClient) write(t *testing.T, line string) {
	t.Helper()
	_ = p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := p.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (p *pipeClient) readUntil(t *testing.T, typ string, out any) {
	t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		line, err := p.r.ReadBytes('\n')
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", typ, err)
		}
		raws, err := protocol.ParseFrame(line)
		if err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		for _, raw := range raws {
			if got, _ := protocol.PeekType(raw); got == typ {
				if out != nil {
					if err := json.Unmarshal(raw, out); err != nil {
						t.Fatalf("decode %s: %v", typ, err)
					}
				}
				return
			}
		}
	}
}

func newEngine(t *testing.T) *core.Engine {
	t.Helper()
	e := core.NewEngine(core.Options{
		Resolver: core.TokenResolver{Fallback: core.AddressResolver{}},
	})
	t.Cleanup(e.Shutdown)
	return e
}

func TestStreamHandshakeAndChat(t *testing.T) {
	engine := newEngine(t)
	alice := startPipe(t, engine, "alice")
	bob := startPipe(t, engine, "bob")

	alice.write(t, `[{"m":"hi"},{"m":"ch","_id":"jam"}]`)
	var hi protocol.HiReply
	alice.readUntil(t, protocol.TypeHi, &hi)
	alice.readUntil(t, protocol.TypeChannel, nil)

	bob.write(t, `[{"m":"hi"}]`)
	bob.readUntil(t, protocol.TypeHi, nil)
	bob.write(t, `[{"m":"ch","_id":"jam"}]`)
	bob.readUntil(t, protocol.TypeChannel, nil)

	alice.write(t, `[{"m":"a","message":"over quic"}]`)
	var msg protocol.ChatMessage
	bob.readUntil(t, protocol.TypeChat, &msg)
	if msg.A != "over quic" || msg.P.UserID != hi.U.ID {
		t.Fatalf("chat = %+v", msg)
	}
}

func TestStreamSkipsBlankAndMalformedLines(t *testing.T) {
	engine := newEngine(t)
	alice := startPipe(t, engine, "alice")

	alice.write(t, "")
	alice.write(t, "not json")
	alice.write(t, `{"m":"hi"}`)
	alice.readUntil(t, protocol.TypeHi, nil)
}

func TestStreamInboundFrameConfirmsLiveness(t *testing.T) {
	engine := newEngine(t)
	alice := startPipe(t, engine, "alice")
	alice.write(t, `[{"m":"hi"}]`)
	alice.readUntil(t, protocol.TypeHi, nil)

	for i := 0; i < 3; i++ {
		engine.Sweep()
		alice.write(t, `[{"m":"t","e":1}]`)
		alice.readUntil(t, protocol.TypeTime, nil)
	}
	if got := engine.Stats().Connections; got != 1 {
		t.Fatalf("connections = %d, want 1", got)
	}
}

func TestServeStreamRejectsOversizedFrame(t *testing.T) {
	engine := newEngine(t)
	conn := engine.Accept(newStreamSocket(discard{}, func() error { return nil }), core.Origin{RemoteAddr: "127.0.0.1:1"})

	huge := strings.Repeat("x", maxFrame+8192) + "\n"
	err := serveStream(engine, conn, strings.NewReader(huge))
	if !errors.Is(err, errFrameTooLarge) {
		t.Fatalf("err = %v, want errFrameTooLarge", err)
	}
}

func TestNewCertificate(t *testing.T) {
	now := time.Now()
	cert, err := NewCertificate("example.test", time.Hour, now)
	if err != nil {
		t.Fatalf("new certificate: %v", err)
	}
	if fp := cert.Fingerprint(); len(fp) != 64 {
		t.Fatalf("fingerprint %q is not hex SHA-256", fp)
	}
	if cert.HashBase64() == "" {
		t.Fatal("empty base64 hash")
	}
	leaf := cert.TLS.Certificates[0].Leaf
	if sha256.Sum256(leaf.Raw) != cert.Hash {
		t.Fatal("hash does not match the certificate")
	}
	for _, host := range []string{"example.test", "localhost"} {
		if err := leaf.VerifyHostname(host); err != nil {
			t.Fatalf("verify %s: %v", host, err)
		}
	}
	if !cert.NotAfter.Equal(leaf.NotAfter) {
		t.Fatalf("NotAfter = %v, leaf %v", cert.NotAfter, leaf.NotAfter)
	}
}

func TestNewCertificateClampsValidity(t *testing.T) {
	now := time.Now()
	for _, validity := range []time.Duration{0, -time.Hour, 30 * 24 * time.Hour} {
		cert, err := NewCertificate("", validity, now)
		if err != nil {
			t.Fatalf("new certificate: %v", err)
		}
		leaf := cert.TLS.Certificates[0].Leaf
		if life := leaf.NotAfter.Sub(leaf.NotBefore); life > MaxCertValidity {
			t.Fatalf("validity %v: lifetime %v over %v", validity, life, MaxCertValidity)
		}
		if leaf.Subject.CommonName != "please" || len(leaf.DNSNames) != 1 {
			t.Fatalf("subject %q, names %v", leaf.Subject.CommonName, leaf.DNSNames)
		}
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
