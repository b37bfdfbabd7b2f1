package endpoint

import (
	"context"

	quic "github.com/quic-go/quic-go"

	"ospagent/internal/debuglog"
	"ospagent/internal/quicconn"
)

// acceptLoop runs for the lifetime of a server endpoint's listener,
// promoting every inbound QUIC connection straight to established —
// quic-go's Accept only returns once the crypto handshake has completed,
// so there is no separate pending stage on the server side the way there
// is for an in-flight client dial.
func (e *Endpoint) acceptLoop() {
	defer close(e.acceptDone)
	for {
		e.mu.Lock()
		listener := e.listener
		e.mu.Unlock()
		if listener == nil {
			return
		}
		conn, err := listener.Accept(context.Background())
		if err != nil {
			debuglog.Debugf("endpoint: accept loop ended: %v", err)
			return
		}
		go e.promoteServer(conn)
	}
}

func (e *Endpoint) promoteServer(conn *quic.Conn) {
	e.mu.Lock()
	if e.state != Running && e.state != Suspended {
		e.mu.Unlock()
		_ = conn.CloseWithError(0, "endpoint not accepting")
		return
	}
	instanceID := e.instanceIDs.allocate()
	manager := quicconn.New(instanceID, conn, e.demuxer)
	addr := conn.RemoteAddr().String()
	rec := &connRecord{
		instanceID: instanceID,
		addr:       addr,
		manager:    manager,
	}
	e.establishedByID[instanceID] = rec
	observer := e.streamObserver
	e.mu.Unlock()

	if e.observer != nil {
		e.observer.OnIncomingConnection(instanceID, addr)
	}
	manager.AcceptLoop(context.Background(), observer)
}
