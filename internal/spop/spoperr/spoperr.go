// Package spoperr defines the error taxonomy shared across the SPOP
// runtime, following the sentinel-table-plus-wrapped-type shape of
// the lineage's protocol/errors.go and semantic.go.
package spoperr

import (
	"errors"
	"fmt"
)

// Category classifies an error into one of spec.md §7's five buckets,
// so callers that only care about propagation policy (close the
// connection? tear down the engine? log and continue?) can switch on
// it without string matching.
type Category uint8

const (
	CategoryProtocol Category = iota
	CategoryConfiguration
	CategoryConnection
	CategoryTimeout
	CategoryHandler
)

func (c Category) String() string {
	switch c {
	case CategoryProtocol:
		return "protocol"
	case CategoryConfiguration:
		return "configuration"
	case CategoryConnection:
		return "connection"
	case CategoryTimeout:
		return "timeout"
	case CategoryHandler:
		return "handler"
	default:
		return "unknown"
	}
}

var (
	// ErrProtocol wraps any malformed-frame, unknown-kind, or codec
	// overrun failure. Recovery: close the offending connection.
	ErrProtocol = errors.New("spop: protocol error")
	// ErrConfiguration is fatal to the engine (duplicate start, missing
	// handler in the builder).
	ErrConfiguration = errors.New("spop: configuration error")
	// ErrConnection wraps an OS-level read/write/accept failure.
	ErrConnection = errors.New("spop: connection error")
	// ErrTimeout marks an idle-deadline expiry.
	ErrTimeout = errors.New("spop: timeout error")
	// ErrHandler wraps a panic or error that escaped Handler.Process.
	ErrHandler = errors.New("spop: handler error")

	ErrAlreadyStarted  = fmt.Errorf("%w: engine already started", ErrConfiguration)
	ErrMissingHandler  = fmt.Errorf("%w: handler is required", ErrConfiguration)
	ErrMissingPort     = fmt.Errorf("%w: port is required", ErrConfiguration)
	ErrFragmentedNotify = fmt.Errorf("%w: fragmented notify is not supported", ErrProtocol)
	ErrUnexpectedHello  = fmt.Errorf("%w: expected haproxy-hello", ErrProtocol)
)

// Wrap tags err with a category, producing an error that both
// errors.Is(err, category-sentinel) and errors.Unwrap chains work on.
func Wrap(cat Category, err error) error {
	if err == nil {
		return nil
	}
	sentinel := sentinelFor(cat)
	return fmt.Errorf("%w: %v", sentinel, err)
}

func sentinelFor(cat Category) error {
	switch cat {
	case CategoryProtocol:
		return ErrProtocol
	case CategoryConfiguration:
		return ErrConfiguration
	case CategoryConnection:
		return ErrConnection
	case CategoryTimeout:
		return ErrTimeout
	case CategoryHandler:
		return ErrHandler
	default:
		return ErrProtocol
	}
}

// MissingFieldError indicates a well-formed HELLO omitted a key the
// state machine treats as significant.
type MissingFieldError struct {
	Field string
}

func (e MissingFieldError) Error() string {
	return fmt.Sprintf("spop: missing field %q", e.Field)
}

func (e MissingFieldError) Unwrap() error { return ErrProtocol }
