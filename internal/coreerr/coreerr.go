// Package coreerr defines the error-kind taxonomy shared by every subsystem
// of the Via Bitcoin-settlement core (§7 of the design).
package coreerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of retry/escalation policy.
type Kind int

const (
	// KindTransient covers network blips, RPC timeouts and 5xx responses
	// from external services. Callers retry with backoff.
	KindTransient Kind = iota

	// KindProtocol covers malformed inscriptions, double spends and
	// signature failures. The owning request/session is marked failed
	// and an operator must intervene.
	KindProtocol

	// KindInvariant covers contract violations such as a missing
	// predecessor batch or a reused MuSig2 nonce. The subsystem loop
	// stops permanently.
	KindInvariant

	// KindReorgInProgress is transitional: callers pause and await the
	// reorg detector's completion notification.
	KindReorgInProgress

	// KindStopped signals cooperative cancellation. Never surfaced
	// externally.
	KindStopped
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindInvariant:
		return "invariant"
	case KindReorgInProgress:
		return "reorg_in_progress"
	case KindStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Error is a classified error carrying its kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies an existing error, preserving it for errors.Unwrap/Is.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Transient is shorthand for Wrap(KindTransient, ...).
func Transient(msg string, err error) error { return Wrap(KindTransient, msg, err) }

// Protocol is shorthand for Wrap(KindProtocol, ...).
func Protocol(msg string, err error) error { return Wrap(KindProtocol, msg, err) }

// Invariant is shorthand for Wrap(KindInvariant, ...).
func Invariant(msg string, err error) error { return Wrap(KindInvariant, msg, err) }

// ReorgInProgress reports that a subsystem must pause for the duration of a
// detected reorg.
var ReorgInProgress = New(KindReorgInProgress, "reorg in progress")

// Stopped reports cooperative cancellation of a subsystem loop.
var Stopped = New(KindStopped, "stopped")

// As extracts the classified *Error from err, if any.
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Is reports whether err was classified with the given kind.
func Is(err error, kind Kind) bool {
	ce, ok := As(err)
	return ok && ce.Kind == kind
}
