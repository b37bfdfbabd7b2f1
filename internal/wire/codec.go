package wire

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// ParserEOF is returned by Decode* when buffer holds fewer bytes than the
// CBOR item needs to complete, so callers can tell a truncated read apart
// from genuinely malformed input.
var ParserEOF = errors.New("wire: incomplete cbor item")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeFrame prefixes the CBOR encoding of v with its one-byte type tag.
// This is the sole write path for anything placed on a protocol connection
// stream by this module.
func EncodeFrame(t Type, v any) ([]byte, error) {
	body, err := encMode.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(body))
	out[0] = byte(t)
	copy(out[1:], body)
	return out, nil
}

// ScanItem determines the byte length of the single CBOR item at the front
// of buffer without interpreting its schema. This is the demuxer's only use
// of this package: finding message boundaries generically and leaving
// schema-specific decoding to whichever watcher owns that message type.
func ScanItem(buffer []byte) (int, error) {
	var raw cbor.RawMessage
	return decodeItem(buffer, &raw)
}

// DecodeSpake2Handshake decodes a CBOR item (without the leading type tag,
// already stripped by the caller) into m. It returns the number of bytes
// consumed from buffer on success, or -1 with ParserEOF if buffer does not
// yet hold a complete item, or -1 with a non-nil non-ParserEOF error for any
// other malformed input.
func DecodeSpake2Handshake(buffer []byte, m *Spake2Handshake) (int, error) {
	return decodeItem(buffer, m)
}

// DecodeSpake2Confirmation mirrors DecodeSpake2Handshake for the
// confirmation message type.
func DecodeSpake2Confirmation(buffer []byte, m *Spake2Confirmation) (int, error) {
	return decodeItem(buffer, m)
}

// DecodeStatus mirrors DecodeSpake2Handshake for the status message type.
func DecodeStatus(buffer []byte, m *Status) (int, error) {
	return decodeItem(buffer, m)
}

// decodeItem decodes exactly one CBOR item from the front of buffer,
// reporting how many bytes it consumed. fxamacker/cbor's RawMessage gives
// us item-boundary detection without needing our own length prefix: message
// boundaries fall out of where a well-formed CBOR parse completes.
func decodeItem(buffer []byte, out any) (int, error) {
	if len(buffer) == 0 {
		return -1, ParserEOF
	}
	var raw cbor.RawMessage
	rest, err := unmarshalOne(buffer, &raw)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || isWellFormedError(err) {
			return -1, ParserEOF
		}
		return -1, err
	}
	if err := decMode.Unmarshal(raw, out); err != nil {
		return -1, err
	}
	consumed := len(buffer) - len(rest)
	return consumed, nil
}

// unmarshalOne decodes one top-level CBOR item off the front of data and
// returns the unconsumed remainder, using a cbor.Decoder over the byte
// slice so partial trailing items are reported distinctly from malformed
// ones: a cbor.Decoder tracks how many bytes of its reader it consumed,
// which is the message-boundary signal this package needs without an
// explicit length prefix.
func unmarshalOne(data []byte, raw *cbor.RawMessage) ([]byte, error) {
	r := bytes.NewReader(data)
	dec := decMode.NewDecoder(r)
	if err := dec.Decode(raw); err != nil {
		return data, err
	}
	consumed := dec.NumBytesRead()
	return data[consumed:], nil
}

// isWellFormedError reports whether err indicates the buffer holds a
// truncated-but-otherwise-plausible CBOR item rather than outright garbage.
func isWellFormedError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	// fxamacker/cbor reports truncated input from its own reader wrapper
	// without always wrapping io.ErrUnexpectedEOF; fall back to message
	// sniffing for that case.
	return strings.Contains(err.Error(), "unexpected EOF")
}
