// Package quicfactory owns the UDP sockets and QUIC dial/listen machinery:
// it is the only place in this module that calls into quic-go directly on
// the connection-establishment path. internal/quicconn consumes the
// *quic.Conn values this package hands back and turns them into stream
// managers; internal/endpoint does not dial or listen itself, and only
// passes those values on or closes them.
package quicfactory

import (
	"context"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"ospagent/internal/agentcert"
	"ospagent/internal/config"
	"ospagent/internal/debuglog"
	"ospagent/internal/ospcore"
)

// ALPN is the protocol identifier this module negotiates over TLS inside
// QUIC's crypto handshake.
const ALPN = "osp"

type pooledConn struct {
	conn        *quic.Conn
	lastUsed    time.Time
	established time.Time
}

// Factory dials and pools outbound QUIC connections keyed by address, and
// constructs listeners for inbound ones. A single Factory is shared by
// every endpoint in a process.
type Factory struct {
	mu        sync.Mutex
	conns     map[string]*pooledConn
	idleAfter time.Duration
}

// New constructs a Factory. idleAfter overrides the default idle eviction
// window for pooled outbound connections; zero selects the default.
func New(idleAfter time.Duration) *Factory {
	if idleAfter <= 0 {
		idleAfter = config.QUICIdleTimeout()
	}
	return &Factory{
		conns:     make(map[string]*pooledConn),
		idleAfter: idleAfter,
	}
}

// Dial returns a pooled QUIC connection to addr, verifying the peer's
// certificate against expectedFingerprint. An existing idle connection is
// reused; a stale one is torn down and redialed.
func (f *Factory) Dial(ctx context.Context, addr string, cert *agentcert.Cert, verifier *agentcert.ProofVerifier, expectedFingerprint string) (*quic.Conn, error) {
	if addr == "" {
		return nil, ospcore.NewPrecondition("quicfactory: empty dial address")
	}
	now := time.Now()
	f.mu.Lock()
	if ent, ok := f.conns[addr]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= f.idleAfter {
			ent.lastUsed = now
			conn := ent.conn
			f.mu.Unlock()
			return conn, nil
		}
		delete(f.conns, addr)
		stale := ent.conn
		f.mu.Unlock()
		_ = stale.CloseWithError(0, "stale")
	} else {
		f.mu.Unlock()
	}

	dialCtx, cancel := withHandshakeTimeout(ctx)
	defer cancel()

	tlsConf := verifier.ClientTLSConfig(cert, expectedFingerprint, []string{ALPN})
	debuglog.Debugf("quicfactory: dialing %s", addr)
	conn, err := quic.DialAddr(dialCtx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, ospcore.Wrap(ospcore.TransientIO, "quicfactory: dial failed", err)
	}
	debuglog.Debugf("quicfactory: established connection to %s", addr)

	f.mu.Lock()
	f.conns[addr] = &pooledConn{conn: conn, lastUsed: now, established: now}
	f.mu.Unlock()
	return conn, nil
}

// Drop evicts addr's pooled connection (if conn still matches what's
// pooled) and closes it with reason.
func (f *Factory) Drop(addr string, conn *quic.Conn, reason string) {
	if addr == "" || conn == nil {
		return
	}
	f.mu.Lock()
	if ent, ok := f.conns[addr]; ok && ent.conn == conn {
		delete(f.conns, addr)
	}
	f.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

// Listen constructs a Listener bound to addr, presenting cert's chain to
// connecting peers.
func (f *Factory) Listen(addr string, cert *agentcert.Cert) (*Listener, error) {
	source := agentcert.NewProofSource(cert)
	tlsConf := source.ServerTLSConfig([]string{ALPN})
	ql, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, ospcore.Wrap(ospcore.TransientIO, "quicfactory: listen failed", err)
	}
	return &Listener{ql: ql}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        config.QUICIdleTimeout(),
		HandshakeIdleTimeout:  config.QUICHandshakeTimeout(),
		KeepAlivePeriod:       config.QUICIdleTimeout() / 3,
	}
}

func withHandshakeTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), config.QUICHandshakeTimeout())
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, config.QUICHandshakeTimeout())
}
