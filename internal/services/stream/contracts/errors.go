package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// StreamErrorType categorizes the ways a relay can end
type StreamErrorType int

const (
	// Expected endings - not logged as errors
	ClientDisconnect StreamErrorType = iota
	StreamComplete
	StreamTruncated

	// Unexpected endings - logged as errors
	InternalError
)

// StreamError describes why a relay stopped
type StreamError struct {
	Type      StreamErrorType
	Message   string
	Cause     error
	RequestID string
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StreamError) Unwrap() error {
	return e.Cause
}

// IsExpected reports whether the relay ended in a way the caller should not
// treat as a failure. A truncated stream already delivered its prefix.
func (e *StreamError) IsExpected() bool {
	return e.Type == ClientDisconnect || e.Type == StreamComplete || e.Type == StreamTruncated
}

func NewClientDisconnectError(requestID string) *StreamError {
	return &StreamError{
		Type:      ClientDisconnect,
		Message:   "Client disconnected",
		RequestID: requestID,
	}
}

func NewStreamCompleteError(requestID string) *StreamError {
	return &StreamError{
		Type:      StreamComplete,
		Message:   "Stream completed normally",
		RequestID: requestID,
	}
}

// NewStreamTruncatedError reports that upstream reads kept failing after the
// retry budget ran out.
func NewStreamTruncatedError(requestID string, retries int, cause error) *StreamError {
	return &StreamError{
		Type:      StreamTruncated,
		Message:   fmt.Sprintf("Stream truncated after %d chunk retries", retries),
		Cause:     cause,
		RequestID: requestID,
	}
}

func NewInternalError(requestID, message string, cause error) *StreamError {
	return &StreamError{
		Type:      InternalError,
		Message:   message,
		Cause:     cause,
		RequestID: requestID,
	}
}

// IsClientDisconnect checks if error is a client disconnect
func IsClientDisconnect(err error) bool {
	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return streamErr.Type == ClientDisconnect
	}
	return false
}

// IsExpectedError checks if error is expected (not a real error)
func IsExpectedError(err error) bool {
	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return streamErr.IsExpected()
	}
	return false
}

// IsConnectionClosed checks if error indicates closed connection
func IsConnectionClosed(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection closed") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "use of closed network connection")
}
