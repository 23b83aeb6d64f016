// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package online

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is the outcome reason for messages submitted to, or still
// pending in, a sender that has been closed.
var ErrClosed = errors.New("online sender closed")

// ConnectionError means the tracking service could not be reached.
// The coordinator treats it as a signal that the connection is lost.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("tracking service unreachable: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ThrottledError means the service asked the client to retry this kind
// of message after RetryAfter.
type ThrottledError struct {
	RetryAfter time.Duration
	Reason     string
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled for %v: %s", e.RetryAfter, e.Reason)
}

// StatusError is a non-retryable HTTP error response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tracking service returned HTTP %d: %s", e.Code, e.Body)
}

// IsConnectionError reports whether err is (or wraps) a
// ConnectionError.
func IsConnectionError(err error) bool {
	var connectionError *ConnectionError
	return errors.As(err, &connectionError)
}
