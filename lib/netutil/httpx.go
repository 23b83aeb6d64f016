// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP and connection-error helpers for the
// online transport.
//
// Response helpers (ReadResponse, ErrorBody) bound
// every body read at MaxResponseSize so a misbehaving tracking server
// cannot exhaust client memory. IsConnectionError separates
// "the endpoint is unreachable" from "the endpoint answered with an
// error", which is the distinction the connection monitor acts on.
package netutil

import "io"

// MaxResponseSize bounds response body reads at 16 MB. Tracking
// service responses are acknowledgements, orders of magnitude smaller.
const MaxResponseSize int64 = 16 << 20

// ReadResponse reads a response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// ErrorBody reads an error response body for use in diagnostics. Read
// errors are ignored; a partial body is still useful.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}
