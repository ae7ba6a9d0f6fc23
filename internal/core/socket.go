package core

// Socket is the transport the engine is written against. Implementations
// must allow Send, Ping and Close to be called from different goroutines.
//
// Inbound traffic is pushed by the transport: frames go to
// Engine.HandleFrame, pongs to Conn.Confirm, and closure to
// Engine.Disconnect.
type Socket interface {
	// Send writes one complete frame.
	Send(data []byte) error
	// Ping sends a transport-level liveness probe. Transports without a
	// native ping may return nil and rely on client traffic instead.
	Ping() error
	// Close terminates the underlying connection.
	Close() error
}

// Origin describes where a connection came from. It is the only input to
// identity resolution.
type Origin struct {
	// RemoteAddr is the peer address as seen by the listener (host:port).
	RemoteAddr string
	// ForwardedFor is the raw X-Forwarded-For header, if any.
	ForwardedFor string
	// Token is a client-issued identity token from the connect request.
	Token string
}
