// Package auth implements the SPAKE2-style mutual authentication state
// machine shared by the presenter and consumer roles: both subscribe to
// the three authentication message types on the demuxer and drive a
// single linear state progression to a terminal success or failure.
package auth

import (
	"crypto/ecdh"
	"crypto/subtle"
	"sync"

	"ospagent/internal/debuglog"
	"ospagent/internal/demux"
	"ospagent/internal/ospcore"
	"ospagent/internal/protoconn"
	"ospagent/internal/wire"
)

// Observer is notified exactly once, when a Machine reaches its terminal
// state.
type Observer interface {
	OnAuthenticationSucceed(peerInstanceID uint64)
	OnAuthenticationFailed(peerInstanceID uint64, err error)
}

// Machine drives one side of one handshake. It is not reusable: once
// Completed, construct a new Machine for the next attempt.
type Machine struct {
	role            Role
	peerInstanceID  uint64
	token           string
	password        string
	selfFingerprint string

	sendConn *protoconn.Connection
	recvKey  demux.StreamKey
	observer Observer
	writable func() error

	mu        sync.Mutex
	state     State
	priv      *ecdh.PrivateKey
	peerPub   []byte
	sharedKey []byte
}

// New constructs a Machine for role, bound to peerInstanceID's connection.
// sendConn is used for every outgoing message; recvKey identifies which
// inbound stream this Machine should react to (messages for any other
// stream are ignored so other Machines' traffic is left untouched).
// writable, if non-nil, is consulted before every outgoing message and
// the message is failed rather than sent when it returns an error (e.g.
// the owning endpoint is suspended).
func New(role Role, peerInstanceID uint64, token, password, selfFingerprint string, sendConn *protoconn.Connection, recvKey demux.StreamKey, observer Observer, writable func() error) *Machine {
	return &Machine{
		role:            role,
		peerInstanceID:  peerInstanceID,
		token:           token,
		password:        password,
		selfFingerprint: selfFingerprint,
		sendConn:        sendConn,
		recvKey:         recvKey,
		observer:        observer,
		writable:        writable,
	}
}

// State returns the Machine's current position, safe for concurrent reads.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start is valid only for the presenter role. It derives the private
// scalar from the local fingerprint, and sends the initial handshake. A
// headless presenter has no waiting-for-UI step, so the PSK is considered
// shown the moment Start is called, and psk_status = Shown goes out on the
// wire immediately rather than NeedsPresentation.
func (m *Machine) Start() error {
	if m.role != RolePresenter {
		return ospcore.NewPrecondition("auth: Start() is presenter-only")
	}
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return ospcore.NewPrecondition("auth: Start() requires Idle")
	}
	priv, err := derivePrivateKey(m.selfFingerprint)
	if err != nil {
		m.mu.Unlock()
		return m.fail(err)
	}
	m.priv = priv
	// Advance before sending: the consumer's reply can arrive before send
	// returns.
	m.state = HandshakeSent
	m.mu.Unlock()

	msg := wire.Spake2Handshake{
		InitiationToken: wire.InitiationToken{HasToken: m.token != "", Token: m.token},
		PskStatus:       wire.PskShown,
		PublicValue:     publicValue(priv),
	}
	if err := m.send(wire.TypeSpake2Handshake, msg); err != nil {
		return m.fail(err)
	}
	return nil
}

// OnMessage implements demux.Watcher. It is registered for all three
// authentication message types process-wide, so it must ignore traffic on
// any stream other than the one it was constructed for.
func (m *Machine) OnMessage(key demux.StreamKey, msgType wire.Type, body []byte) demux.Outcome {
	if key != m.recvKey {
		return demux.OutcomeOK
	}

	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return demux.OutcomeOK
	}
	m.mu.Unlock()

	var err error
	switch msgType {
	case wire.TypeSpake2Handshake:
		err = m.handleHandshake(body)
	case wire.TypeSpake2Confirmation:
		err = m.handleConfirmation(body)
	case wire.TypeStatus:
		err = m.handleStatus(body)
	default:
		err = ospcore.NewRemoteProtocol("auth: unprocessable message type")
	}
	if err != nil {
		m.fail(err)
		return demux.OutcomeParseError
	}
	return demux.OutcomeOK
}

func (m *Machine) handleHandshake(body []byte) error {
	var msg wire.Spake2Handshake
	if _, err := wire.DecodeSpake2Handshake(body, &msg); err != nil {
		if err == wire.ParserEOF {
			return nil // the demuxer dispatches only complete CBOR items; the frame counts as consumed
		}
		return ospcore.Wrap(ospcore.RemoteProtocol, "auth: handshake decode failed", err)
	}

	switch m.role {
	case RoleConsumer:
		return m.consumerHandleHandshake(msg)
	case RolePresenter:
		return m.presenterHandleHandshake(msg)
	}
	return nil
}

func (m *Machine) consumerHandleHandshake(msg wire.Spake2Handshake) error {
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return ospcore.NewRemoteProtocol("auth: unexpected handshake in state " + m.state.String())
	}
	m.mu.Unlock()

	gotToken := ""
	if msg.InitiationToken.HasToken {
		gotToken = msg.InitiationToken.Token
	}
	if gotToken != m.token {
		return ospcore.NewRemoteProtocol("auth: initiation token mismatch")
	}
	if msg.PskStatus != wire.PskShown {
		return ospcore.NewRemoteProtocol("auth: unexpected psk_status from presenter")
	}

	priv, err := derivePrivateKey(m.selfFingerprint)
	if err != nil {
		return err
	}
	key, err := sharedKey(priv, msg.PublicValue, m.password)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.priv = priv
	m.peerPub = msg.PublicValue
	m.sharedKey = key
	m.state = HandshakeReceived
	m.mu.Unlock()

	reply := wire.Spake2Handshake{
		InitiationToken: wire.InitiationToken{HasToken: m.token != "", Token: m.token},
		PskStatus:       wire.PskInput,
		PublicValue:     publicValue(priv),
	}
	// The consumer's own reply doesn't advance it past HandshakeReceived:
	// the shared state enum has no "sent own handshake reply" state for
	// this role, since the next message it awaits is the presenter's
	// Confirmation, not another Handshake.
	return m.send(wire.TypeSpake2Handshake, reply)
}

func (m *Machine) presenterHandleHandshake(msg wire.Spake2Handshake) error {
	m.mu.Lock()
	if m.state != HandshakeSent {
		m.mu.Unlock()
		return ospcore.NewRemoteProtocol("auth: unexpected handshake in state " + m.state.String())
	}
	if msg.PskStatus != wire.PskInput {
		m.mu.Unlock()
		return ospcore.NewRemoteProtocol("auth: unexpected psk_status from consumer")
	}
	priv := m.priv
	m.state = HandshakeReceived
	m.mu.Unlock()

	key, err := sharedKey(priv, msg.PublicValue, m.password)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.peerPub = msg.PublicValue
	m.sharedKey = key
	// Advance before sending: the consumer's Status can arrive before send
	// returns.
	m.state = ConfirmationSent
	m.mu.Unlock()

	confirmation := wire.Spake2Confirmation{ConfirmationValue: key}
	return m.send(wire.TypeSpake2Confirmation, confirmation)
}

func (m *Machine) handleConfirmation(body []byte) error {
	if m.role != RoleConsumer {
		return ospcore.NewRemoteProtocol("auth: unexpected confirmation message")
	}
	var msg wire.Spake2Confirmation
	if _, err := wire.DecodeSpake2Confirmation(body, &msg); err != nil {
		if err == wire.ParserEOF {
			return nil
		}
		return ospcore.Wrap(ospcore.RemoteProtocol, "auth: confirmation decode failed", err)
	}

	m.mu.Lock()
	if m.state != HandshakeReceived {
		m.mu.Unlock()
		return ospcore.NewRemoteProtocol("auth: unexpected confirmation in state " + m.state.String())
	}
	expected := m.sharedKey
	m.state = ConfirmationReceived
	m.mu.Unlock()

	match := subtle.ConstantTimeCompare(expected, msg.ConfirmationValue) == 1
	result := wire.Status{Result: wire.ProofInvalid}
	if match {
		result.Result = wire.Authenticated
	}
	if err := m.send(wire.TypeStatus, result); err != nil {
		return err
	}
	if match {
		m.succeed()
		return nil
	}
	return ospcore.NewRemoteProtocol("auth: confirmation value mismatch")
}

func (m *Machine) handleStatus(body []byte) error {
	if m.role != RolePresenter {
		return ospcore.NewRemoteProtocol("auth: unexpected status message")
	}
	var msg wire.Status
	if _, err := wire.DecodeStatus(body, &msg); err != nil {
		if err == wire.ParserEOF {
			return nil
		}
		return ospcore.Wrap(ospcore.RemoteProtocol, "auth: status decode failed", err)
	}

	m.mu.Lock()
	if m.state != ConfirmationSent {
		m.mu.Unlock()
		return ospcore.NewRemoteProtocol("auth: unexpected status in state " + m.state.String())
	}
	m.mu.Unlock()

	if msg.Result == wire.Authenticated {
		m.succeed()
		return nil
	}
	return ospcore.NewRemoteProtocol("auth: peer reported " + msg.Result.String())
}

func (m *Machine) send(t wire.Type, v any) error {
	if m.sendConn == nil {
		return ospcore.NewPrecondition("auth: no active send connection")
	}
	if m.writable != nil {
		if err := m.writable(); err != nil {
			return err
		}
	}
	return m.sendConn.WriteMessage(t, v)
}

func (m *Machine) succeed() {
	m.mu.Lock()
	m.state = CompletedSuccess
	m.mu.Unlock()
	debuglog.Debugf("auth: %s succeeded for peer instance=%d", m.role, m.peerInstanceID)
	if m.observer != nil {
		m.observer.OnAuthenticationSucceed(m.peerInstanceID)
	}
}

func (m *Machine) fail(err error) error {
	m.mu.Lock()
	m.state = CompletedFailure
	m.mu.Unlock()
	debuglog.Debugf("auth: %s failed for peer instance=%d: %v", m.role, m.peerInstanceID, err)
	if m.observer != nil {
		m.observer.OnAuthenticationFailed(m.peerInstanceID, err)
	}
	return err
}
