// Package endpoint implements the protocol connection endpoint: the
// lifecycle state machine, pending/established connection tables, and the
// periodic cleanup task that together own every QUIC session and stream
// manager a process maintains.
package endpoint

import (
	"sync"

	"ospagent/internal/agentcert"
	"ospagent/internal/debuglog"
	"ospagent/internal/demux"
	"ospagent/internal/discovery"
	"ospagent/internal/ospcore"
	"ospagent/internal/quicconn"
	"ospagent/internal/quicfactory"
	"ospagent/internal/reqid"
)

// Observer receives lifecycle and connection-admission events. Exactly one
// observer is installed per endpoint, supplied at construction.
type Observer interface {
	OnRunning()
	OnStopped()
	OnIncomingConnection(instanceID uint64, remoteAddr string)
	OnConnectionFailed(requestID uint64, err error)
}

type connRecord struct {
	instanceID   uint64
	instanceName string
	fingerprint  string
	addr         string
	manager      *quicconn.Manager
}

// Endpoint is the single mutable root of a process's QUIC session state.
// Connect (and ConnectByName through it) returns a Precondition error
// unless the endpoint is Running; Stop clears the tables from Running or
// Suspended. CancelConnect does not check the state: it edits the pending
// table in any state.
type Endpoint struct {
	role     Role
	cert     *agentcert.Cert
	verifier *agentcert.ProofVerifier
	factory  *quicfactory.Factory
	demuxer  *demux.Demuxer
	observer Observer

	streamObserver quicconn.IncomingStreamObserver
	tracker        discovery.Tracker

	mu          sync.Mutex
	state       State
	listener    *quicfactory.Listener
	acceptDone  chan struct{}
	cleanupDone chan struct{}
	cleanupStop chan struct{}

	reqGen      *reqid.Generator
	instanceIDs *instanceIDAllocator

	pendingByName     map[string]*pendingEntry
	establishedByName map[string]*connRecord
	establishedByID   map[uint64]*connRecord
	toDelete          []uint64
}

// New constructs an Endpoint in the Stopped state.
func New(role Role, cert *agentcert.Cert, factory *quicfactory.Factory, demuxer *demux.Demuxer, observer Observer) *Endpoint {
	genRole := reqid.RoleServer
	if role == RoleClient {
		genRole = reqid.RoleClient
	}
	return &Endpoint{
		role:              role,
		cert:              cert,
		verifier:          agentcert.NewProofVerifier(),
		factory:           factory,
		demuxer:           demuxer,
		observer:          observer,
		reqGen:            reqid.New(genRole),
		instanceIDs:       newInstanceIDAllocator(),
		pendingByName:     make(map[string]*pendingEntry),
		establishedByName: make(map[string]*connRecord),
		establishedByID:   make(map[uint64]*connRecord),
	}
}

// SetStreamObserver installs the callback notified for every inbound
// stream on every connection this endpoint admits, regardless of which
// connection it arrived on. Authentication and other message watchers
// install themselves here indirectly through the demuxer; this observer
// exists for callers that need the placeholder protocol connection itself
// (e.g. to register a demuxer watch scoped to that connection).
func (e *Endpoint) SetStreamObserver(o quicconn.IncomingStreamObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streamObserver = o
}

// SetDiscoveryTracker installs the source ConnectByName resolves instance
// names against. Without one, callers must use Connect with an explicit
// address.
func (e *Endpoint) SetDiscoveryTracker(t discovery.Tracker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracker = t
}

// Role reports whether this is a client or server endpoint.
func (e *Endpoint) Role() Role { return e.role }

// State reports the current lifecycle state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start transitions Stopped → Starting → Running. listenAddr is used only
// for server endpoints; it is ignored for clients. On failure the endpoint
// returns to Stopped and no observer notification fires.
func (e *Endpoint) Start(listenAddr string) error {
	e.mu.Lock()
	if e.state != Stopped {
		e.mu.Unlock()
		return ospcore.NewPrecondition("endpoint: start() requires Stopped")
	}
	e.state = Starting
	e.mu.Unlock()

	if e.role == RoleServer {
		listener, err := e.factory.Listen(listenAddr, e.cert)
		if err != nil {
			e.mu.Lock()
			e.state = Stopped
			e.mu.Unlock()
			return err
		}
		e.mu.Lock()
		e.listener = listener
		e.acceptDone = make(chan struct{})
		e.mu.Unlock()
		go e.acceptLoop()
	}

	e.mu.Lock()
	e.state = Running
	e.cleanupStop = make(chan struct{})
	e.cleanupDone = make(chan struct{})
	e.mu.Unlock()

	go e.runCleanupLoop()

	e.debugState("started")
	if e.observer != nil {
		e.observer.OnRunning()
	}
	return nil
}

// Stop transitions Running or Suspended back to Stopped: every pending and
// established connection is closed, the instance tables are cleared, and
// request/instance id counters reset.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	if e.state != Running && e.state != Suspended {
		e.mu.Unlock()
		return ospcore.NewPrecondition("endpoint: stop() requires Running or Suspended")
	}
	e.state = Stopping

	pending := e.pendingByName
	established := e.establishedByID
	e.pendingByName = make(map[string]*pendingEntry)
	e.establishedByName = make(map[string]*connRecord)
	e.establishedByID = make(map[uint64]*connRecord)
	e.toDelete = nil

	listener := e.listener
	e.listener = nil
	acceptDone := e.acceptDone
	cleanupStop := e.cleanupStop
	cleanupDone := e.cleanupDone
	e.mu.Unlock()

	for _, p := range pending {
		p.cancel()
	}
	for _, rec := range established {
		rec.manager.Close("endpoint stopped")
	}
	if listener != nil {
		_ = listener.Close()
		<-acceptDone
	}
	if cleanupStop != nil {
		close(cleanupStop)
		<-cleanupDone
	}

	e.reqGen.Reset()
	e.instanceIDs.reset()

	e.mu.Lock()
	e.state = Stopped
	e.mu.Unlock()

	e.debugState("stopped")
	if e.observer != nil {
		e.observer.OnStopped()
	}
	return nil
}

// Suspend transitions a running server endpoint to Suspended. Connections
// are left intact; outbound writes on any stream belonging to this
// endpoint must be checked against CheckWritable by the caller and
// rejected rather than buffered while suspended.
func (e *Endpoint) Suspend() error {
	if e.role != RoleServer {
		return ospcore.NewPrecondition("endpoint: suspend() is server-only")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Running {
		return ospcore.NewPrecondition("endpoint: suspend() requires Running")
	}
	e.state = Suspended
	return nil
}

// Resume transitions Suspended back to Running.
func (e *Endpoint) Resume() error {
	if e.role != RoleServer {
		return ospcore.NewPrecondition("endpoint: resume() is server-only")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Suspended {
		return ospcore.NewPrecondition("endpoint: resume() requires Suspended")
	}
	e.state = Running
	return nil
}

// CheckWritable reports an error while the endpoint is Suspended, so that
// write paths fail fast instead of silently buffering against a server
// that has chosen not to make forward progress.
func (e *Endpoint) CheckWritable() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Suspended {
		return ospcore.NewPrecondition("endpoint: writes rejected while suspended")
	}
	return nil
}

func (e *Endpoint) assertRunning() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Running {
		return ospcore.NewPrecondition("endpoint: operation requires Running, got " + e.state.String())
	}
	return nil
}

func (e *Endpoint) debugState(tag string) {
	debuglog.Debugf("endpoint: %s role=%s state=%s", tag, e.role, e.state)
}
