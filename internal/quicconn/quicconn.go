// Package quicconn implements the per-connection stream manager: it wraps
// a single established QUIC session, allocates protocol connections for
// outgoing and incoming streams, and feeds received bytes to the message
// demuxer keyed by (instance id, protocol connection id).
package quicconn

import (
	"context"
	"io"
	"sync"

	quic "github.com/quic-go/quic-go"

	"ospagent/internal/debuglog"
	"ospagent/internal/demux"
	"ospagent/internal/ospcore"
	"ospagent/internal/protoconn"
)

// streamReadBufSize bounds a single Read call's buffer; the demuxer's own
// accumulator handles reassembly across calls.
const streamReadBufSize = 4096

// StreamHandle pairs a protocol connection with the QUIC stream backing it
// and tracks whether that stream has been observed closed. Closed handles
// are retained in closedStreams until the next cleanup tick so that bytes
// delivered during the tick they closed in are still observable, matching
// the ordering guarantee stream managers provide.
type streamHandle struct {
	conn   *protoconn.Connection
	stream *quic.Stream
	closed bool
}

// Manager owns one QUIC session and every stream opened or accepted on it.
type Manager struct {
	instanceID uint64
	conn       *quic.Conn
	demuxer    *demux.Demuxer

	mu            sync.Mutex
	streams       map[uint64]*streamHandle
	closedStreams []uint64
}

// IncomingStreamObserver is notified when a new inbound stream produces its
// placeholder protocol connection, before the first byte has necessarily
// arrived.
type IncomingStreamObserver interface {
	OnIncomingStream(pc *protoconn.Connection)
}

// New wraps conn (already past the QUIC crypto handshake) for instanceID,
// delivering inbound bytes to demuxer.
func New(instanceID uint64, conn *quic.Conn, demuxer *demux.Demuxer) *Manager {
	return &Manager{
		instanceID: instanceID,
		conn:       conn,
		demuxer:    demuxer,
		streams:    make(map[uint64]*streamHandle),
	}
}

// OpenStream allocates a fresh outgoing QUIC stream and wraps it as a
// protocol connection whose id equals the underlying stream's id.
func (m *Manager) OpenStream(ctx context.Context) (*protoconn.Connection, error) {
	stream, err := m.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, ospcore.Wrap(ospcore.TransientIO, "quicconn: open stream failed", err)
	}
	return m.adopt(stream, nil), nil
}

// AcceptLoop blocks, accepting inbound streams until ctx is canceled or the
// session closes. For each inbound stream it constructs the placeholder
// protocol connection first and hands it to observer before attaching the
// stream's read loop, per the admission ordering inbound streams require.
func (m *Manager) AcceptLoop(ctx context.Context, observer IncomingStreamObserver) {
	for {
		stream, err := m.conn.AcceptStream(ctx)
		if err != nil {
			debuglog.Debugf("quicconn: accept stream ended instance=%d: %v", m.instanceID, err)
			return
		}
		m.adopt(stream, observer)
	}
}

// adopt registers stream and starts its read loop, handing the protocol
// connection to observer (if non-nil) before the read loop starts.
func (m *Manager) adopt(stream *quic.Stream, observer IncomingStreamObserver) *protoconn.Connection {
	id := uint64(stream.StreamID())
	pc := protoconn.New(m.instanceID, id, stream, func() {
		m.markClosed(id)
	})

	m.mu.Lock()
	m.streams[id] = &streamHandle{conn: pc, stream: stream}
	m.mu.Unlock()

	if observer != nil {
		observer.OnIncomingStream(pc)
	}
	go m.readLoop(id, stream, pc)
	return pc
}

func (m *Manager) readLoop(id uint64, stream *quic.Stream, pc *protoconn.Connection) {
	key := demux.StreamKey{InstanceID: m.instanceID, ProtocolConnectionID: id}
	buf := make([]byte, streamReadBufSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			m.demuxer.OnStreamData(key, buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				debuglog.Debugf("quicconn: stream read error instance=%d stream=%d: %v", m.instanceID, id, err)
			}
			m.demuxer.OnStreamData(key, nil) // sentinel EOF
			pc.Close()
			return
		}
	}
}

func (m *Manager) markClosed(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.streams[id]
	if !ok || h.closed {
		return
	}
	h.closed = true
	m.closedStreams = append(m.closedStreams, id)
}

// FinalizeClosedStreams destroys every stream marked closed since the
// previous call, releasing its demuxer accumulator and removing it from
// the live table. Called once per cleanup tick.
func (m *Manager) FinalizeClosedStreams() {
	m.mu.Lock()
	pending := m.closedStreams
	m.closedStreams = nil
	m.mu.Unlock()

	for _, id := range pending {
		m.mu.Lock()
		delete(m.streams, id)
		m.mu.Unlock()
		m.demuxer.ReleaseStream(demux.StreamKey{InstanceID: m.instanceID, ProtocolConnectionID: id})
	}
}

// LiveStreamCount reports how many streams have not yet been finalized.
func (m *Manager) LiveStreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Close tears down every live stream and the underlying QUIC session.
func (m *Manager) Close(reason string) {
	m.mu.Lock()
	streams := make([]*streamHandle, 0, len(m.streams))
	for _, h := range m.streams {
		streams = append(streams, h)
	}
	m.mu.Unlock()

	for _, h := range streams {
		h.conn.Close()
	}
	_ = m.conn.CloseWithError(0, reason)
}
