// Package protoconn implements the protocol connection: a write-side
// handle over a single bidirectional QUIC stream, identified by
// (instance id, protocol connection id).
package protoconn

import (
	"sync"

	"ospagent/internal/debuglog"
	"ospagent/internal/ospcore"
	"ospagent/internal/wire"
)

// Writer is the minimal capability a ProtocolConnection needs from its
// underlying transport stream: write bytes. internal/quicconn passes its
// *quic.Stream values, which satisfy this.
type Writer interface {
	Write(p []byte) (int, error)
}

// writeCloser is the optional capability a Writer may additionally
// implement to close its write half independently of the whole stream.
// *quic.Stream satisfies this; test fakes generally don't, which is fine
// since Close degrades to a no-op against them.
type writeCloser interface {
	CloseWrite() error
}

// Observer is notified when the connection's underlying stream closes.
// Only one observer may be installed at a time.
type Observer interface {
	OnClose()
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func()

func (f ObserverFunc) OnClose() { f() }

// Connection is a handle identifying (instance id, protocol connection id =
// QUIC stream id). It owns the write end of a bidirectional stream.
//
// Exactly one observer may be installed at a time. Writes after the write
// end closes are dropped silently. Destruction closes the write half and
// notifies the owning stream manager.
type Connection struct {
	instanceID uint64
	connID     uint64

	mu       sync.Mutex
	writer   Writer
	closed   bool
	observer Observer
	onClosed func() // owning stream manager callback, set once at construction
}

// New wraps writer as the write side of protocol connection connID on
// instance instanceID. onClosed is invoked exactly once, when the
// connection is destroyed.
func New(instanceID, connID uint64, writer Writer, onClosed func()) *Connection {
	return &Connection{
		instanceID: instanceID,
		connID:     connID,
		writer:     writer,
		onClosed:   onClosed,
	}
}

// InstanceID returns the owning instance's id.
func (c *Connection) InstanceID() uint64 { return c.instanceID }

// ID returns the protocol connection id (the underlying QUIC stream id).
func (c *Connection) ID() uint64 { return c.connID }

// SetObserver installs the single observer for close notification,
// replacing any previous one.
func (c *Connection) SetObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

// Write sends raw bytes on the stream. Writes after the stream's write end
// has closed are dropped silently.
func (c *Connection) Write(p []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		debuglog.Debugf("protoconn: dropped write of %d bytes on closed conn instance=%d id=%d",
			len(p), c.instanceID, c.connID)
		return nil
	}
	writer := c.writer
	c.mu.Unlock()
	if writer == nil {
		return ospcore.NewPrecondition("protoconn: no underlying writer")
	}
	_, err := writer.Write(p)
	return err
}

// WriteMessage encodes v under type tag t and writes it, matching the
// shape of every frame on this module's wire.
func (c *Connection) WriteMessage(t wire.Type, v any) error {
	frame, err := wire.EncodeFrame(t, v)
	if err != nil {
		return ospcore.Wrap(ospcore.RemoteProtocol, "protoconn: encode failed", err)
	}
	return c.Write(frame)
}

// Close marks the connection's write end closed, notifies the observer
// (if any), and invokes the owning stream manager's cleanup callback
// exactly once. Close is idempotent.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	writer := c.writer
	observer := c.observer
	onClosed := c.onClosed
	c.mu.Unlock()

	if wc, ok := writer.(writeCloser); ok {
		if err := wc.CloseWrite(); err != nil {
			debuglog.Debugf("protoconn: close write half failed instance=%d id=%d: %v",
				c.instanceID, c.connID, err)
		}
	}
	if observer != nil {
		observer.OnClose()
	}
	if onClosed != nil {
		onClosed()
	}
}

// Closed reports whether Close has already run.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
