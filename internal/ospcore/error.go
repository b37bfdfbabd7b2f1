// Package ospcore holds the small set of types shared by every other
// package in this module: the error taxonomy from the error-handling
// design, and nothing else. It must not import any other internal package.
package ospcore

import "fmt"

// Code classifies an Error into one of the four categories from the
// error-handling design. Callers branch on Code, not on message text.
type Code int

const (
	// Precondition marks a violated program invariant: wrong state, a
	// missing required collaborator. Not recoverable by the caller.
	Precondition Code = iota
	// TransientIO marks a socket or transport-level failure that may
	// succeed on retry.
	TransientIO
	// RemoteProtocol marks a peer protocol violation: bad CBOR, an
	// unregistered type tag, a failed handshake check.
	RemoteProtocol
	// Credential marks a failure to load or validate certificate/key
	// material at startup.
	Credential
)

func (c Code) String() string {
	switch c {
	case Precondition:
		return "precondition"
	case TransientIO:
		return "transient_io"
	case RemoteProtocol:
		return "remote_protocol"
	case Credential:
		return "credential"
	default:
		return "unknown"
	}
}

// Error is the error type returned across package boundaries in this
// module. It always carries a Code so callers can react programmatically
// (errors.As) instead of matching message substrings.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Code, so that
// errors.Is(err, ospcore.NewPrecondition("")) style checks are possible
// without comparing messages.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func NewPrecondition(message string) *Error   { return New(Precondition, message) }
func NewTransientIO(message string) *Error    { return New(TransientIO, message) }
func NewRemoteProtocol(message string) *Error { return New(RemoteProtocol, message) }
func NewCredential(message string) *Error     { return New(Credential, message) }
