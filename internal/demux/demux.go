// Package demux implements the message demuxer: it consumes bytes arriving
// on protocol connection streams and dispatches decoded (type, payload)
// events to per-type watchers.
package demux

import (
	"sync"
	"time"

	"ospagent/internal/config"
	"ospagent/internal/debuglog"
	"ospagent/internal/wire"
)

const parseErrorLogInterval = 2 * time.Second

// StreamKey identifies a single protocol connection's inbound byte stream
// within a process: (instance id, protocol connection id).
type StreamKey struct {
	InstanceID            uint64
	ProtocolConnectionID uint64
}

// Outcome is what a watcher reports back to the demuxer after being handed
// a decoded message.
type Outcome int

const (
	// OutcomeOK means the watcher consumed the message; the demuxer
	// advances past it and attempts the next one.
	OutcomeOK Outcome = iota
	// OutcomeIncomplete means the watcher could not yet act (reserved for
	// watchers that need more application-level context than a single
	// message provides); the demuxer leaves bytes buffered.
	OutcomeIncomplete
	// OutcomeParseError means the watcher rejected the message payload
	// itself; the demuxer discards the tagged frame and reports upward.
	OutcomeParseError
)

// Watcher receives decoded messages for exactly the types it registered
// for. OnMessage is called with the raw CBOR body (tag already stripped)
// and must return an Outcome.
type Watcher interface {
	OnMessage(key StreamKey, msgType wire.Type, body []byte) Outcome
}

// WatcherFunc adapts a function to the Watcher interface.
type WatcherFunc func(key StreamKey, msgType wire.Type, body []byte) Outcome

func (f WatcherFunc) OnMessage(key StreamKey, msgType wire.Type, body []byte) Outcome {
	return f(key, msgType, body)
}

// Watch is a scoped subscription handle. Calling Cancel deregisters the
// watcher; it is idempotent and safe to call from within the watcher's own
// callback — a watcher that cancels itself mid-dispatch receives no further
// deliveries.
type Watch struct {
	demux   *Demuxer
	msgType wire.Type
	id      uint64
}

// Cancel revokes the watch. Safe to call multiple times.
func (w *Watch) Cancel() {
	if w == nil || w.demux == nil {
		return
	}
	w.demux.removeWatch(w.msgType, w.id)
}

type registeredWatcher struct {
	id      uint64
	watcher Watcher
	removed bool
}

// Demuxer routes inbound CBOR frames by message type to watchers and
// maintains one accumulator per (instance, protocol connection) stream.
type Demuxer struct {
	mu          sync.Mutex
	watchers    map[wire.Type][]*registeredWatcher
	nextWatchID uint64
	accums      map[StreamKey]*accumulator
}

// New constructs an empty Demuxer.
func New() *Demuxer {
	return &Demuxer{
		watchers: make(map[wire.Type][]*registeredWatcher),
		accums:   make(map[StreamKey]*accumulator),
	}
}

// SetDefaultWatch registers a process-wide watcher for msgType. Multiple
// watchers per type are permitted; dispatch order is registration order.
func (d *Demuxer) SetDefaultWatch(msgType wire.Type, w Watcher) *Watch {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextWatchID++
	id := d.nextWatchID
	d.watchers[msgType] = append(d.watchers[msgType], &registeredWatcher{id: id, watcher: w})
	return &Watch{demux: d, msgType: msgType, id: id}
}

func (d *Demuxer) removeWatch(msgType wire.Type, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.watchers[msgType]
	for _, rw := range list {
		if rw.id == id {
			rw.removed = true
		}
	}
	kept := list[:0:0]
	for _, rw := range list {
		if !rw.removed {
			kept = append(kept, rw)
		}
	}
	d.watchers[msgType] = kept
}

func (d *Demuxer) watchersFor(msgType wire.Type) []*registeredWatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Snapshot so that cancellation during dispatch (which flips removed
	// in place on the live slice, then rebuilds it under the lock) can't
	// race with iteration here; the removed flag on the snapshotted
	// pointer is still checked per-dispatch below.
	out := make([]*registeredWatcher, len(d.watchers[msgType]))
	copy(out, d.watchers[msgType])
	return out
}

// OnStreamData appends bytes to the accumulator for key and attempts to
// decode as many complete (type, body) frames as possible, dispatching
// each to the registered watchers for its type. An empty bytes signals EOF
// and flushes the accumulator's soft-failure state.
//
// Bytes for a stream that arrive while one of that stream's watchers is
// still running (a watcher whose write is delivered straight back into this
// demuxer) are buffered and dispatched after that watcher returns.
//
// OnStreamData never tears down the stream itself; that decision belongs to
// the subscriber, not the demuxer.
func (d *Demuxer) OnStreamData(key StreamKey, data []byte) {
	acc := d.accumulatorFor(key)
	if len(data) == 0 {
		acc.flushEOF()
		return
	}
	acc.append(data)
	if acc.dispatching {
		return
	}
	acc.dispatching = true
	defer func() { acc.dispatching = false }()
	for {
		msgType, body, consumed, frame := acc.tryDecode()
		switch frame {
		case frameNone:
			return
		case frameParseError:
			acc.advance(consumed)
			debuglog.RateLimitedf("demux:bad_cbor", parseErrorLogInterval,
				"demux: malformed cbor item instance=%d conn=%d",
				key.InstanceID, key.ProtocolConnectionID)
			continue
		}

		outcome := d.dispatch(key, msgType, body)
		switch outcome {
		case OutcomeOK:
			acc.advance(consumed)
		case OutcomeIncomplete:
			return
		case OutcomeParseError:
			acc.advance(consumed)
			debuglog.RateLimitedf("demux:parse_error", parseErrorLogInterval,
				"demux: watcher rejected message type=%s instance=%d conn=%d",
				msgType, key.InstanceID, key.ProtocolConnectionID)
		}
	}
}

func (d *Demuxer) dispatch(key StreamKey, msgType wire.Type, body []byte) Outcome {
	watchers := d.watchersFor(msgType)
	if len(watchers) == 0 {
		return OutcomeParseError
	}
	finalOutcome := OutcomeOK
	for _, rw := range watchers {
		if rw.removed {
			continue
		}
		switch rw.watcher.OnMessage(key, msgType, body) {
		case OutcomeIncomplete:
			finalOutcome = OutcomeIncomplete
		case OutcomeParseError:
			if finalOutcome == OutcomeOK {
				finalOutcome = OutcomeParseError
			}
		}
	}
	return finalOutcome
}

func (d *Demuxer) accumulatorFor(key StreamKey) *accumulator {
	d.mu.Lock()
	defer d.mu.Unlock()
	acc, ok := d.accums[key]
	if !ok {
		acc = newAccumulator(config.MaxFrameSize())
		d.accums[key] = acc
	}
	return acc
}

// ReleaseStream drops the accumulator for key. Called by the connection
// layer once a stream is fully destroyed, so memory does not accumulate for
// streams that will never deliver more bytes.
func (d *Demuxer) ReleaseStream(key StreamKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.accums, key)
}
