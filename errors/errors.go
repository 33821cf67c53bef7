// Package errors provides the structured error type used across the replicator
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeConflictFailure   ErrorCode = "CONFLICT_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeProtocolFailure   ErrorCode = "PROTOCOL_FAILURE"
	ErrCodeAuthFailure       ErrorCode = "AUTH_FAILURE"
)

// Operation represents the replication step during which an error occurred
type Operation string

const (
	OpReplicate  Operation = "replicate"
	OpPull       Operation = "pull"
	OpChanges    Operation = "changes"
	OpFetch      Operation = "fetch"
	OpAttachment Operation = "attachment"
	OpInsert     Operation = "insert"
	OpCheckpoint Operation = "checkpoint"
	OpStore      Operation = "store"
	OpLoad       Operation = "load"
	OpTransport  Operation = "transport"
	OpClose      Operation = "close"
	OpView       Operation = "view"
	OpEvict      Operation = "evict"
)

// Kind classifies an error by how the replicator must react to it.
type Kind string

const (
	KindOther            Kind = ""
	KindTransient        Kind = "transient"
	KindNotFound         Kind = "not_found"
	KindInvalid          Kind = "invalid"
	KindUnauthorized     Kind = "unauthorized"
	KindConflict         Kind = "conflict"
	KindProtocol         Kind = "protocol"
	KindInternal         Kind = "internal"
	KindCanceled         Kind = "canceled"
	KindMethodNotAllowed Kind = "method_not_allowed"
)

// SyncError represents an error that occurred during replication
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "transport")
	Component string

	// Kind drives retry and fatality decisions
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// StatusCode is the HTTP status that produced the error, if any
	StatusCode int

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Component is a builder argument naming the failing component.
type Component string

// Op converts a string into an Operation builder argument.
func Op(op string) Operation {
	return Operation(op)
}

// E builds a SyncError from its arguments. Recognised argument types are
// Operation, Component, Kind, ErrorCode, error, string (message) and
// map[string]interface{} (metadata). Messages are prepended to the wrapped
// error; when no error is given the joined messages become the error.
func E(args ...interface{}) error {
	e := &SyncError{}
	var msgs []string
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case *SyncError:
			e.Err = a
			if e.Kind == KindOther {
				e.Kind = a.Kind
			}
			e.Retryable = e.Retryable || a.Retryable
			if e.StatusCode == 0 {
				e.StatusCode = a.StatusCode
			}
		case error:
			e.Err = a
		case string:
			msgs = append(msgs, a)
		case map[string]interface{}:
			e.Metadata = a
		}
	}

	msg := strings.Join(msgs, ": ")
	switch {
	case e.Err == nil && msg != "":
		e.Err = errors.New(msg)
	case e.Err == nil:
		e.Err = errors.New("unknown error")
	case msg != "":
		e.Err = fmt.Errorf("%s: %w", msg, e.Err)
	}
	if e.Kind == KindTransient {
		e.Retryable = true
	}
	return e
}

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "store",
		Kind:      KindInternal,
		Err:       cause,
		Retryable: true,
	}
}

// NewConflictError creates a new conflict-related SyncError
func NewConflictError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeConflictFailure,
		Op:        op,
		Component: "store",
		Kind:      KindConflict,
		Err:       cause,
		Retryable: false,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Kind:      KindInvalid,
		Err:       cause,
		Retryable: false,
	}
}

// NewNetworkError creates a new network-related SyncError
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkFailure,
		Op:        op,
		Component: "transport",
		Kind:      KindTransient,
		Err:       cause,
		Retryable: true,
	}
}

// NewProtocolError creates an error for a response that violates the feed protocol
func NewProtocolError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeProtocolFailure,
		Op:        op,
		Component: "transport",
		Kind:      KindProtocol,
		Err:       cause,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// NewRetryable creates a new retryable SyncError
func NewRetryable(op Operation, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Kind:      KindTransient,
		Err:       err,
		Retryable: true,
	}
}

// FromHTTPStatus classifies a non-2xx response. body is included in the
// message, truncated.
func FromHTTPStatus(op Operation, component string, status int, body string) *SyncError {
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	e := &SyncError{
		Op:         op,
		Component:  component,
		StatusCode: status,
		Err:        fmt.Errorf("server error (status %d): %s", status, strings.TrimSpace(body)),
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindUnauthorized
		e.Code = ErrCodeAuthFailure
	case status == http.StatusNotFound || status == http.StatusGone:
		e.Kind = KindNotFound
	case status == http.StatusConflict:
		e.Kind = KindConflict
		e.Code = ErrCodeConflictFailure
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		e.Kind = KindTransient
		e.Code = ErrCodeNetworkFailure
		e.Retryable = true
	case status == http.StatusMethodNotAllowed:
		e.Kind = KindMethodNotAllowed
	default:
		e.Kind = KindInvalid
	}
	return e
}

// KindOf returns the Kind of the outermost SyncError in err's chain that has one.
func KindOf(err error) Kind {
	for err != nil {
		var syncErr *SyncError
		if !errors.As(err, &syncErr) {
			return KindOther
		}
		if syncErr.Kind != KindOther {
			return syncErr.Kind
		}
		err = syncErr.Err
	}
	return KindOther
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable || KindOf(err) == KindTransient
	}
	return false
}

// IsFatal reports whether err must terminate a replication session.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindUnauthorized, KindProtocol:
		return true
	}
	return false
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }
