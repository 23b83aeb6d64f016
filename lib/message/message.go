// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is one unit of telemetry. Messages are values: copying one
// is cheap and nothing in the pipeline mutates a message after its ID
// has been assigned.
type Message struct {
	// ID is the sequence id assigned at intake. Zero until assigned.
	ID int64

	// Timestamp is when the application produced the message.
	Timestamp time.Time

	// Payload is the variant carrying the telemetry data.
	Payload Payload
}

// New returns an unassigned message for payload created at the given
// time.
func New(payload Payload, at time.Time) Message {
	return Message{Timestamp: at, Payload: payload}
}

// Kind returns the payload's discriminant, or "" for a message without
// a payload.
func (m Message) Kind() Kind {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Kind()
}

// WithID returns a copy of m carrying id.
func (m Message) WithID(id int64) Message {
	m.ID = id
	return m
}

// String is used in debug logs.
func (m Message) String() string {
	return fmt.Sprintf("message(id=%d, type=%s)", m.ID, m.Kind())
}

// Callbacks are invoked at most once each when the fate of a message
// becomes known: OnSent when delivery is confirmed, OnFailed when the
// message is abandoned. Either may be nil.
type Callbacks struct {
	OnSent   func(id int64)
	OnFailed func(id int64)
}

// IsZero reports whether no callback is set.
func (c Callbacks) IsZero() bool {
	return c.OnSent == nil && c.OnFailed == nil
}

// envelope is the JSON form of a message, used on the wire and in the
// offline dataset.
type envelope struct {
	ID        int64           `json:"message_id"`
	Type      Kind            `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON encodes m as {"message_id", "type", "timestamp",
// "payload"} with the timestamp in unix milliseconds.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("message: %d has no payload", m.ID)
	}
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("message: encoding %s payload: %w", m.Kind(), err)
	}
	var timestamp int64
	if !m.Timestamp.IsZero() {
		timestamp = m.Timestamp.UnixMilli()
	}
	return json.Marshal(envelope{
		ID:        m.ID,
		Type:      m.Kind(),
		Timestamp: timestamp,
		Payload:   payload,
	})
}

// Validate reports whether m has a JSON encoding. Payloads holding NaN
// or infinite floats do not, and can never be delivered or written.
func (m Message) Validate() error {
	_, err := m.MarshalJSON()
	return err
}

// UnmarshalJSON decodes the envelope, choosing the payload variant by
// its "type" field.
func (m *Message) UnmarshalJSON(data []byte) error {
	var decoded envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("message: decoding envelope: %w", err)
	}
	if decoded.Type == "" {
		return fmt.Errorf("message: envelope has no type")
	}
	payload, err := DecodePayloadJSON(decoded.Type, decoded.Payload)
	if err != nil {
		return err
	}
	m.ID = decoded.ID
	m.Payload = payload
	m.Timestamp = time.Time{}
	if decoded.Timestamp != 0 {
		m.Timestamp = time.UnixMilli(decoded.Timestamp).UTC()
	}
	return nil
}
