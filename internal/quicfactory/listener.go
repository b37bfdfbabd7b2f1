package quicfactory

import (
	"context"

	quic "github.com/quic-go/quic-go"
)

// Listener accepts inbound QUIC connections on a bound UDP socket.
type Listener struct {
	ql *quic.Listener
}

// Accept blocks until a peer completes a QUIC handshake, or ctx is
// canceled.
func (l *Listener) Accept(ctx context.Context) (*quic.Conn, error) {
	return l.ql.Accept(ctx)
}

// Addr returns the bound local address.
func (l *Listener) Addr() string {
	return l.ql.Addr().String()
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ql.Close()
}
