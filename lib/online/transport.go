// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package online

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/bureau-foundation/expstream/lib/message"
	"github.com/bureau-foundation/expstream/lib/netutil"
	"github.com/bureau-foundation/expstream/lib/version"
)

// Transport moves messages to the tracking service. Implementations
// return a *ConnectionError when the service cannot be reached and a
// *ThrottledError when it asks the client to back off.
type Transport interface {
	// Send delivers one batch. All messages in the batch share a kind.
	Send(ctx context.Context, batch message.Batch) error

	// Ping checks that the service is reachable.
	Ping(ctx context.Context) error

	// ReportEvent delivers a client-side event outside the sequenced
	// message stream.
	ReportEvent(ctx context.Context, event message.Event) error
}

// Retry-After is answered in seconds. Throttle responses without it
// use defaultRetryAfter. throttleGrace is added on top so the retry
// lands after the server-side window has closed.
const (
	defaultRetryAfter = 10 * time.Second
	throttleGrace     = 500 * time.Millisecond
)

// HTTPTransportConfig configures an HTTPTransport.
type HTTPTransportConfig struct {
	// Endpoint is the base URL of the tracking service API. Required.
	Endpoint string

	// ExperimentKey identifies the experiment every request belongs
	// to. Required.
	ExperimentKey string

	// APIKey is sent in the X-API-Key header when set.
	APIKey string

	// Client performs the requests. Nil uses a client without a
	// global timeout; per-request deadlines come from the context.
	Client *http.Client

	// CompressBatches gzip-compresses batch request bodies.
	CompressBatches bool
}

// HTTPTransport speaks JSON over HTTP:
//
//	POST {endpoint}/batch  {"experiment_key", "type", "messages": [...]}
//	GET  {endpoint}/ping
//	POST {endpoint}/event  {"experiment_key", "event": {...}}
type HTTPTransport struct {
	endpoint        string
	experimentKey   string
	apiKey          string
	client          *http.Client
	compressBatches bool
}

// NewHTTPTransport validates cfg and returns a transport.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("http transport: Endpoint is required")
	}
	if cfg.ExperimentKey == "" {
		return nil, fmt.Errorf("http transport: ExperimentKey is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{
		endpoint:        strings.TrimRight(cfg.Endpoint, "/"),
		experimentKey:   cfg.ExperimentKey,
		apiKey:          cfg.APIKey,
		client:          client,
		compressBatches: cfg.CompressBatches,
	}, nil
}

type batchRequest struct {
	ExperimentKey string            `json:"experiment_key"`
	Type          message.Kind      `json:"type"`
	Messages      []message.Message `json:"messages"`
}

type eventRequest struct {
	ExperimentKey string        `json:"experiment_key"`
	Event         message.Event `json:"event"`
}

// Send posts a batch.
func (t *HTTPTransport) Send(ctx context.Context, batch message.Batch) error {
	body, err := json.Marshal(batchRequest{
		ExperimentKey: t.experimentKey,
		Type:          batch.Kind,
		Messages:      batch.Messages,
	})
	if err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}
	return t.post(ctx, "/batch", body, t.compressBatches)
}

// Ping issues GET /ping and expects a 2xx answer.
func (t *HTTPTransport) Ping(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"/ping", nil)
	if err != nil {
		return fmt.Errorf("building ping request: %w", err)
	}
	t.setHeaders(request)
	return t.do(request)
}

// ReportEvent posts a client event.
func (t *HTTPTransport) ReportEvent(ctx context.Context, event message.Event) error {
	body, err := json.Marshal(eventRequest{ExperimentKey: t.experimentKey, Event: event})
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return t.post(ctx, "/event", body, false)
}

func (t *HTTPTransport) post(ctx context.Context, path string, body []byte, compress bool) error {
	var reader io.Reader = bytes.NewReader(body)
	if compress {
		var compressed bytes.Buffer
		writer := gzip.NewWriter(&compressed)
		if _, err := writer.Write(body); err != nil {
			return fmt.Errorf("compressing request: %w", err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("compressing request: %w", err)
		}
		reader = &compressed
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if compress {
		request.Header.Set("Content-Encoding", "gzip")
	}
	t.setHeaders(request)
	return t.do(request)
}

func (t *HTTPTransport) setHeaders(request *http.Request) {
	request.Header.Set("User-Agent", version.UserAgent())
	if t.apiKey != "" {
		request.Header.Set("X-API-Key", t.apiKey)
	}
}

// do performs the request and classifies the result.
func (t *HTTPTransport) do(request *http.Request) error {
	response, err := t.client.Do(request)
	if err != nil {
		if netutil.IsConnectionError(err) {
			return &ConnectionError{Err: err}
		}
		return fmt.Errorf("%s %s: %w", request.Method, request.URL.Path, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		_, _ = netutil.ReadResponse(response.Body)
		return nil
	case response.StatusCode == http.StatusTooManyRequests:
		return &ThrottledError{
			RetryAfter: parseRetryAfter(response.Header.Get("Retry-After")),
			Reason:     netutil.ErrorBody(response.Body),
		}
	case response.StatusCode == http.StatusBadGateway,
		response.StatusCode == http.StatusServiceUnavailable,
		response.StatusCode == http.StatusGatewayTimeout:
		return &ConnectionError{Err: &StatusError{
			Code: response.StatusCode,
			Body: netutil.ErrorBody(response.Body),
		}}
	default:
		return &StatusError{Code: response.StatusCode, Body: netutil.ErrorBody(response.Body)}
	}
}

func parseRetryAfter(value string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds <= 0 {
		return defaultRetryAfter
	}
	return time.Duration(seconds) * time.Second
}
