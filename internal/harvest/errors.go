package harvest

import (
	"errors"
	"fmt"
)

// Sentinel errors for resource-level failures.
var (
	// ErrPoolExhausted is returned when acquire times out with every
	// session leased and no capacity to create another.
	ErrPoolExhausted = errors.New("session pool exhausted")
	// ErrPoolDegraded is returned when repeated session creation or
	// health probes fail and the pool gives up on this acquire.
	ErrPoolDegraded = errors.New("session pool degraded")
	// ErrPoolClosed is returned from acquire after Close.
	ErrPoolClosed = errors.New("session pool closed")
)

// TransportError wraps a network-level failure. Retryable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// BlockError reports a detected bot-mitigation response. On the HTTP path
// it triggers escalation to the browser strategy; on the browser path it
// quarantines the session.
type BlockError struct {
	StatusCode int
	Signature  string
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("block signature %q (status %d)", e.Signature, e.StatusCode)
}

// SessionCreateError reports a failed driver resolution or browser start.
// Surfaced to the caller; the pool does not retry it internally.
type SessionCreateError struct {
	Err error
}

func (e *SessionCreateError) Error() string {
	return fmt.Sprintf("session create: %v", e.Err)
}

func (e *SessionCreateError) Unwrap() error { return e.Err }

// SchemaMismatchError reports a required field with zero matches.
type SchemaMismatchError struct {
	Field    string
	Selector string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch: required field %q matched nothing (selector %q)", e.Field, e.Selector)
}

// ExtractionError reports content that was retrieved but is unusable.
// Terminal for the target.
type ExtractionError struct {
	URL string
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.URL, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// IsBlock reports whether err carries a block signature.
func IsBlock(err error) bool {
	var blockErr *BlockError
	return errors.As(err, &blockErr)
}

// IsTransport reports whether err is a transport-level failure.
func IsTransport(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}
