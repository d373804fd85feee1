// Package verrors defines the error taxonomy shared by the storage node,
// the coordinator, and their clients. Each kind maps to one HTTP status.
// Several kinds share a status, so FromStatus recovers only a coarse kind
// from a status code received over the wire.
package verrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and retry decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindBadRequest
	KindNotFound
	KindIntegrityMismatch
	KindCorruptionDetected
	KindCapacityExhausted
	KindStorageFault
	KindQuorumNotReached
	KindConflict
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad-request"
	case KindNotFound:
		return "not-found"
	case KindIntegrityMismatch:
		return "integrity-mismatch"
	case KindCorruptionDetected:
		return "corruption-detected"
	case KindCapacityExhausted:
		return "capacity-exhausted"
	case KindStorageFault:
		return "storage-fault"
	case KindQuorumNotReached:
		return "quorum-not-reached"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside a wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind. Returns nil if err is nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf wraps a formatted message with the given kind.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from err, or KindUnknown if none is attached.
func KindOf(err error) Kind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to its wire status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest, KindIntegrityMismatch:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindCapacityExhausted:
		return http.StatusInsufficientStorage
	case KindQuorumNotReached:
		return http.StatusServiceUnavailable
	case KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus classifies an HTTP status received from a peer. Used by
// clients to decide whether a failure is worth retrying.
func FromStatus(status int) Kind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusInsufficientStorage:
		return KindCapacityExhausted
	case status >= 400 && status < 500:
		return KindBadRequest
	case status >= 500:
		return KindTransient
	default:
		return KindUnknown
	}
}

// Retryable reports whether a client should retry the operation, possibly
// against a different peer.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTransient, KindQuorumNotReached, KindConflict:
		return true
	default:
		return false
	}
}
