// Package voiceerr defines the sentinel error taxonomy every per-packet
// and session-level voice error is classified into. Grounded on the
// teacher's pervasive github.com/pkg/errors usage: callers still get a
// wrapped error with a stack trace and a message, but can also recover the
// taxonomy kind with errors.Is against the package's sentinels.
package voiceerr

import (
	"github.com/pkg/errors"

	"github.com/relaytone/voicecore/voicemetrics"
)

// Kind classifies a voice error for both errors.Is matching and the
// "kind" label on voicemetrics.ErrorsTotal.
type Kind string

const (
	// KindCrypto covers RTP payload seal/open failures.
	KindCrypto Kind = "crypto"
	// KindTransport covers UDP dial, write, and keep-alive failures.
	KindTransport Kind = "transport"
	// KindGateway covers voice gateway dial, opcode, and close-code
	// failures.
	KindGateway Kind = "gateway"
	// KindHandshake covers SELECT_PROTOCOL/SESSION_DESCRIPTION and mode
	// negotiation failures during establish.
	KindHandshake Kind = "handshake"
	// KindTimeout covers voice info pairing and gateway operation
	// timeouts.
	KindTimeout Kind = "timeout"
)

// Sentinels, one per Kind, for errors.Is matching against a wrapped Error
// without needing to import Kind itself.
var (
	ErrCrypto    = errors.New("voice: crypto operation failed")
	ErrTransport = errors.New("voice: transport failed")
	ErrGateway   = errors.New("voice: gateway failed")
	ErrHandshake = errors.New("voice: handshake failed")
	ErrTimeout   = errors.New("voice: timed out")
)

func sentinel(kind Kind) error {
	switch kind {
	case KindCrypto:
		return ErrCrypto
	case KindTransport:
		return ErrTransport
	case KindGateway:
		return ErrGateway
	case KindHandshake:
		return ErrHandshake
	case KindTimeout:
		return ErrTimeout
	default:
		return nil
	}
}

// Error is a taxonomy-classified wrapped error. It unwraps to the
// underlying cause (itself usually an errors.Wrap chain), so
// errors.As/errors.Unwrap still reach the original error.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string { return e.cause.Error() }
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is this Kind's sentinel, so callers can write
// errors.Is(err, voiceerr.ErrTransport) without ever seeing *Error.
func (e *Error) Is(target error) bool {
	return target == sentinel(e.Kind)
}

// Wrap classifies err under kind, incrementing voicemetrics.ErrorsTotal for
// that kind before returning the wrapped error, per the rule that every
// propagated voice error increments its counter exactly once at the point
// it's first classified. Wrap returns nil if err is nil.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	voicemetrics.ErrorsTotal.WithLabelValues(string(kind)).Inc()
	return &Error{Kind: kind, cause: errors.Wrap(err, message)}
}

// Wrapf is like Wrap but formats message with args.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	voicemetrics.ErrorsTotal.WithLabelValues(string(kind)).Inc()
	return &Error{Kind: kind, cause: errors.Wrapf(err, format, args...)}
}
