package endpoint

import (
	"context"
	"strconv"
	"sync"

	quic "github.com/quic-go/quic-go"

	"ospagent/internal/debuglog"
	"ospagent/internal/ospcore"
	"ospagent/internal/protoconn"
	"ospagent/internal/quicconn"
)

// ConnectCallback receives the outcome of a connect() call, either
// synchronously (already-established instance) or once QUIC admission
// completes.
type ConnectCallback func(pc *protoconn.Connection, instanceID uint64, err error)

type waiter struct {
	requestID uint64
	callback  ConnectCallback
}

type pendingEntry struct {
	instanceName string
	addr         string
	fingerprint  string
	ctx          context.Context
	cancel       context.CancelFunc

	mu      sync.Mutex
	waiters []waiter
}

// Connect looks up instanceName in the established table and, if already
// connected, synchronously opens a new stream and invokes callback.
// Otherwise it records a pending entry (coalescing with any in-flight
// connect to the same instance) and dials in the background. The returned
// requestID identifies this particular waiter for CancelConnect.
func (e *Endpoint) Connect(ctx context.Context, instanceName, fingerprint, addr string, callback ConnectCallback) (uint64, error) {
	if e.role != RoleClient {
		return 0, ospcore.NewPrecondition("endpoint: connect() is client-only")
	}
	if err := e.assertRunning(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	if rec, ok := e.establishedByName[instanceName]; ok {
		manager := rec.manager
		instanceID := rec.instanceID
		e.mu.Unlock()
		requestID := e.reqGen.Next()
		pc, err := manager.OpenStream(ctx)
		callback(pc, instanceID, err)
		return requestID, nil
	}

	if p, ok := e.pendingByName[instanceName]; ok {
		requestID := e.reqGen.Next()
		p.mu.Lock()
		p.waiters = append(p.waiters, waiter{requestID: requestID, callback: callback})
		p.mu.Unlock()
		e.mu.Unlock()
		return requestID, nil
	}

	dialCtx, cancel := context.WithCancel(ctx)
	p := &pendingEntry{
		instanceName: instanceName,
		addr:         addr,
		fingerprint:  fingerprint,
		ctx:          dialCtx,
		cancel:       cancel,
	}
	requestID := e.reqGen.Next()
	p.waiters = append(p.waiters, waiter{requestID: requestID, callback: callback})
	e.pendingByName[instanceName] = p
	e.mu.Unlock()

	go e.dial(p)
	return requestID, nil
}

// ConnectByName resolves instanceName through the installed discovery
// tracker and dials its v4 endpoint if present, else its v6 endpoint.
// Without a tracker installed, if instanceName is unknown to it, or if its
// entry has no endpoint, this returns a Precondition error and callback is
// not invoked.
func (e *Endpoint) ConnectByName(ctx context.Context, instanceName string, callback ConnectCallback) (uint64, error) {
	e.mu.Lock()
	tracker := e.tracker
	e.mu.Unlock()
	if tracker == nil {
		return 0, ospcore.NewPrecondition("endpoint: no discovery tracker installed")
	}
	entry, ok := tracker.Lookup(instanceName)
	if !ok {
		return 0, ospcore.NewPrecondition("endpoint: instance not found in discovery tracker: " + instanceName)
	}
	addr := ""
	switch {
	case entry.V4 != nil:
		addr = entry.V4.Host + ":" + strconv.Itoa(int(entry.V4.Port))
	case entry.V6 != nil:
		addr = "[" + entry.V6.Host + "]:" + strconv.Itoa(int(entry.V6.Port))
	default:
		return 0, ospcore.NewPrecondition("endpoint: discovery entry has no endpoint: " + instanceName)
	}
	return e.Connect(ctx, instanceName, entry.Fingerprint, addr, callback)
}

// CancelConnect removes the waiter identified by requestID from whichever
// pending entry holds it. If that was the last waiter, the pending entry
// and its in-flight QUIC dial are torn down; other waiters on the same
// entry are unaffected.
func (e *Endpoint) CancelConnect(requestID uint64) {
	e.mu.Lock()
	var target *pendingEntry
	var name string
	for n, p := range e.pendingByName {
		p.mu.Lock()
		for i, w := range p.waiters {
			if w.requestID == requestID {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				target = p
				name = n
				break
			}
		}
		empty := len(p.waiters) == 0
		p.mu.Unlock()
		if target != nil {
			if empty {
				delete(e.pendingByName, name)
			}
			break
		}
	}
	e.mu.Unlock()

	if target != nil {
		target.mu.Lock()
		empty := len(target.waiters) == 0
		target.mu.Unlock()
		if empty {
			target.cancel()
		}
	}
}

func (e *Endpoint) dial(p *pendingEntry) {
	conn, err := e.factory.Dial(p.ctx, p.addr, e.cert, e.verifier, p.fingerprint)
	if err != nil {
		e.failPending(p, err)
		return
	}
	e.promoteClient(p, conn)
}

func (e *Endpoint) promoteClient(p *pendingEntry, conn *quic.Conn) {
	e.mu.Lock()
	if _, ok := e.pendingByName[p.instanceName]; !ok {
		// Canceled out from under us between dial completion and promotion.
		e.mu.Unlock()
		_ = conn.CloseWithError(0, "connect canceled")
		return
	}
	instanceID := e.instanceIDs.allocate()
	manager := quicconn.New(instanceID, conn, e.demuxer)
	rec := &connRecord{
		instanceID:   instanceID,
		instanceName: p.instanceName,
		fingerprint:  p.fingerprint,
		addr:         p.addr,
		manager:      manager,
	}
	e.establishedByName[p.instanceName] = rec
	e.establishedByID[instanceID] = rec
	delete(e.pendingByName, p.instanceName)
	observer := e.streamObserver
	e.mu.Unlock()

	go manager.AcceptLoop(context.Background(), observer)

	p.mu.Lock()
	waiters := p.waiters
	p.mu.Unlock()
	for _, w := range waiters {
		pc, err := manager.OpenStream(p.ctx)
		w.callback(pc, instanceID, err)
		if err != nil {
			debuglog.Debugf("endpoint: promotion stream open failed instance=%s: %v", p.instanceName, err)
		}
	}
}

func (e *Endpoint) failPending(p *pendingEntry, err error) {
	e.mu.Lock()
	delete(e.pendingByName, p.instanceName)
	e.mu.Unlock()

	p.mu.Lock()
	waiters := p.waiters
	p.mu.Unlock()
	for _, w := range waiters {
		if e.observer != nil {
			e.observer.OnConnectionFailed(w.requestID, err)
		}
		w.callback(nil, 0, err)
	}
}
