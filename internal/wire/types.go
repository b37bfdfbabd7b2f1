// Package wire implements the CBOR codec runtime: typed encode/decode
// functions for the closed set of message types this module speaks, using
// a one-byte type tag followed immediately by a CBOR item, with no length
// prefix. This package plays the role a CDDL-to-struct code generator's
// output would play in a fuller build of the protocol — generation itself
// is out of scope, but its contract of typed Encode*/Decode* pairs keyed by
// a closed Type enum is implemented here by hand, against
// github.com/fxamacker/cbor/v2.
package wire

// Type is the one-byte tag prefixing every CBOR message on a protocol
// connection stream. Values are drawn from a closed enumeration; an
// unrecognized tag is a demuxer-level parse error, not a panic.
type Type byte

const (
	TypeSpake2Handshake Type = 0x01
	TypeSpake2Confirmation Type = 0x02
	TypeStatus Type = 0x03
)

func (t Type) String() string {
	switch t {
	case TypeSpake2Handshake:
		return "Spake2Handshake"
	case TypeSpake2Confirmation:
		return "Spake2Confirmation"
	case TypeStatus:
		return "Status"
	default:
		return "Unknown"
	}
}

// PskStatus is the presenter/consumer handshake stage carried in every
// Spake2Handshake message.
type PskStatus int

const (
	PskNeedsPresentation PskStatus = 0
	PskShown             PskStatus = 1
	PskInput             PskStatus = 2
)

func (p PskStatus) String() string {
	switch p {
	case PskNeedsPresentation:
		return "NeedsPresentation"
	case PskShown:
		return "Shown"
	case PskInput:
		return "Input"
	default:
		return "Unknown"
	}
}

// StatusResult is the terminal outcome carried in a Status message.
type StatusResult int

const (
	Authenticated StatusResult = 0
	ProofInvalid  StatusResult = 1
	UnknownError  StatusResult = 2
)

func (r StatusResult) String() string {
	switch r {
	case Authenticated:
		return "Authenticated"
	case ProofInvalid:
		return "ProofInvalid"
	case UnknownError:
		return "UnknownError"
	default:
		return "Unknown"
	}
}

// InitiationToken carries the has-flag explicitly so that an absent token
// round-trips distinctly from an empty-string token.
type InitiationToken struct {
	HasToken bool   `cbor:"has_token"`
	Token    string `cbor:"token"`
}

// Spake2Handshake is the first of the three authentication message types.
type Spake2Handshake struct {
	InitiationToken InitiationToken `cbor:"initiation_token"`
	PskStatus       PskStatus       `cbor:"psk_status"`
	PublicValue     []byte          `cbor:"public_value"`
}

// Spake2Confirmation carries the 64-byte SHA-512 confirmation value.
type Spake2Confirmation struct {
	ConfirmationValue []byte `cbor:"confirmation_value"`
}

// Status carries the terminal handshake result.
type Status struct {
	Result StatusResult `cbor:"result"`
}
