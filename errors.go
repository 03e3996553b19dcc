package bob

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the taxonomy of spec.md §7. Only
// KeyNotFound and DuplicateKey are meant to cross the wire verbatim;
// everything else is conveyed to untrusted clients as a generic message
// (see Public).
type Kind int

const (
	// KindInternal covers unexpected conditions; logged with context.
	KindInternal Kind = iota
	// KindKeyNotFound is an authoritative absence.
	KindKeyNotFound
	// KindDuplicateKey is an insert-only policy rejecting a rewrite.
	KindDuplicateKey
	// KindVDiskNotFound indicates a mapping error: client bug or config drift.
	KindVDiskNotFound
	// KindVDiskNotReady indicates the target disk is Quarantined or
	// Reinitializing.
	KindVDiskNotReady
	// KindStorageIO is a low-level disk or format error.
	KindStorageIO
	// KindTimeout is a deadline exceeded.
	KindTimeout
	// KindUnreachable indicates the peer is not connected.
	KindUnreachable
	// KindQuorumFailed indicates fewer than Q replicas (including alien)
	// acknowledged a write.
	KindQuorumFailed
)

func (k Kind) String() string {
	switch k {
	case KindKeyNotFound:
		return "KeyNotFound"
	case KindDuplicateKey:
		return "DuplicateKey"
	case KindVDiskNotFound:
		return "VDiskNotFound"
	case KindVDiskNotReady:
		return "VDiskNotReady"
	case KindStorageIO:
		return "StorageIO"
	case KindTimeout:
		return "Timeout"
	case KindUnreachable:
		return "Unreachable"
	case KindQuorumFailed:
		return "QuorumFailed"
	default:
		return "Internal"
	}
}

// Error is the error type returned across every component boundary in the
// core. Op names the failing operation (e.g. "pearl.Holder.Put") for log
// context; Err is the underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, KindStorageIO) style checks work against the
// Kind directly by comparing against a *Error with only Kind set, as well
// as the ErrXxx sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Of constructs an *Error. Use KindOf/errors.Is to classify errors coming
// back from other components.
func Of(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, defaulting to KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Sentinels for the two kinds allowed to cross the wire verbatim
// (spec.md §7): compare with errors.Is.
var (
	ErrKeyNotFound  = &Error{Kind: KindKeyNotFound}
	ErrDuplicateKey = &Error{Kind: KindDuplicateKey}
)

// Public collapses err to a wire-safe form: KeyNotFound and DuplicateKey
// pass through unchanged, everything else becomes a generic message that
// does not leak internal kind or cause (spec.md §7).
func Public(err error) error {
	if err == nil {
		return nil
	}
	switch KindOf(err) {
	case KindKeyNotFound:
		return ErrKeyNotFound
	case KindDuplicateKey:
		return ErrDuplicateKey
	default:
		return errors.New("internal error")
	}
}
