package demux

import (
	"ospagent/internal/byteview"
	"ospagent/internal/wire"
)

// accumulator buffers bytes for a single stream and attempts to locate
// (type tag, CBOR body) frame boundaries from the front of the buffer as
// more bytes arrive. It never interprets a message's schema — boundaries
// come purely from successful CBOR parse completion, so the demuxer never
// needs to understand every message type that crosses it. Schema-specific
// decoding belongs to watchers.
type accumulator struct {
	buf         []byte
	maxFrame    int
	dispatching bool // a watcher for this stream is running
}

func newAccumulator(maxFrame int) *accumulator {
	return &accumulator{maxFrame: maxFrame}
}

func (a *accumulator) append(data []byte) {
	a.buf = append(a.buf, data...)
}

// frameResult is tryDecode's outcome for one attempt at the front of the
// buffer.
type frameResult int

const (
	frameNone frameResult = iota
	frameOK
	frameParseError
)

// tryDecode attempts to find one (type, body) frame at the front of the
// buffer. frameNone means not enough bytes yet. frameOK means msgType/body
// are valid and consumed bytes should be advance()'d once the watcher has
// processed the frame. frameParseError means the bytes at the front are
// not a well-formed CBOR item at all; the caller should advance past the
// single bad tag byte and report upward, since there's no way to know how
// much of the stream to skip otherwise.
func (a *accumulator) tryDecode() (msgType wire.Type, body []byte, consumed int, result frameResult) {
	if len(a.buf) == 0 {
		return 0, nil, 0, frameNone
	}
	view := byteview.Of(a.buf)
	tag := wire.Type(view.Bytes()[0])
	rest := view.After(1)

	n, err := wire.ScanItem(rest.Bytes())
	if err != nil {
		if err == wire.ParserEOF {
			if a.maxFrame > 0 && len(a.buf) > a.maxFrame {
				// A peer has sent more bytes than maxFrame without
				// completing a single CBOR item; stop waiting and treat
				// the tag byte as the start of a malformed frame instead
				// of buffering an unbounded amount of undecodable data.
				return tag, nil, 1, frameParseError
			}
			return 0, nil, 0, frameNone
		}
		return tag, nil, 1, frameParseError
	}
	return tag, rest.Bytes()[:n], 1 + n, frameOK
}

func (a *accumulator) advance(n int) {
	if n <= 0 || n > len(a.buf) {
		a.buf = a.buf[:0]
		return
	}
	remaining := len(a.buf) - n
	copy(a.buf, a.buf[n:])
	a.buf = a.buf[:remaining]
}

func (a *accumulator) flushEOF() {
	a.buf = a.buf[:0]
}
