// Package vmsherr defines the error categories produced by the attach
// pipeline. Errors are *Error values; Wrap keeps the underlying cause
// reachable through Unwrap so callers can still errors.Is/As through to
// it.
package vmsherr

import "fmt"

// Kind classifies an error for logging and for the attach driver's
// teardown decisions.
type Kind int

const (
	Configuration Kind = iota
	TraceeTransport
	KvmProtocol
	VirtioProtocol
	Backend
	Shutdown
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case TraceeTransport:
		return "tracee transport"
	case KvmProtocol:
		return "kvm protocol"
	case VirtioProtocol:
		return "virtio protocol"
	case Backend:
		return "backend"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Error is a categorized, wrapped error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap produces an *Error of the given kind, annotating op, wrapping err.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Configurationf(format string, args ...any) error {
	return &Error{Kind: Configuration, Op: fmt.Sprintf(format, args...)}
}
