// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/expstream/lib/codec"
)

// Kind is the discriminant of a payload variant. Values are part of
// the wire format and the on-disk format.
type Kind string

const (
	KindMetric         Kind = "metric"
	KindParameter      Kind = "parameter"
	KindLogOther       Kind = "log_other"
	KindStandardOutput Kind = "standard_output"
	KindSystemDetails  Kind = "system_details"
	KindAssetUpload    Kind = "asset_upload"
	KindEvent          Kind = "event"
)

// Kinds lists every known kind in a stable order.
var Kinds = []Kind{
	KindMetric,
	KindParameter,
	KindLogOther,
	KindStandardOutput,
	KindSystemDetails,
	KindAssetUpload,
	KindEvent,
}

// Payload is implemented by every variant. The set is closed: the
// decoders in this package reject kinds they do not know.
type Payload interface {
	Kind() Kind
}

// Metric is one sample of a numeric series.
type Metric struct {
	Name    string  `json:"name"`
	Value   float64 `json:"value"`
	Step    int64   `json:"step,omitempty"`
	Epoch   int64   `json:"epoch,omitempty"`
	Context string  `json:"context,omitempty"`
}

// Parameter is a hyperparameter value. Values are kept as strings; the
// tracking service does its own type inference.
type Parameter struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Step   int64  `json:"step,omitempty"`
	Source string `json:"source,omitempty"`
}

// LogOther is a free-form key/value annotation.
type LogOther struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// StandardOutput is a chunk of captured process output.
type StandardOutput struct {
	Output  string `json:"output"`
	Stderr  bool   `json:"stderr,omitempty"`
	Context string `json:"context,omitempty"`
}

// SystemDetails describes the host running the experiment.
type SystemDetails struct {
	Hostname       string            `json:"hostname,omitempty"`
	User           string            `json:"user,omitempty"`
	OS             string            `json:"os,omitempty"`
	RuntimeVersion string            `json:"runtime_version,omitempty"`
	Command        []string          `json:"command,omitempty"`
	PID            int               `json:"pid,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// AssetUpload references a local file to be uploaded. Temporary marks
// files the client created itself (for example a serialized figure)
// which are removed once delivery is confirmed.
type AssetUpload struct {
	LocalPath string            `json:"local_path"`
	FileName  string            `json:"file_name"`
	AssetType string            `json:"asset_type,omitempty"`
	Size      int64             `json:"size,omitempty"`
	Step      int64             `json:"step,omitempty"`
	Temporary bool              `json:"temporary,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Event is a client-side occurrence reported to the service, such as a
// recovered connection.
type Event struct {
	Name    string            `json:"name"`
	Details map[string]string `json:"details,omitempty"`
}

func (Metric) Kind() Kind         { return KindMetric }
func (Parameter) Kind() Kind      { return KindParameter }
func (LogOther) Kind() Kind       { return KindLogOther }
func (StandardOutput) Kind() Kind { return KindStandardOutput }
func (SystemDetails) Kind() Kind  { return KindSystemDetails }
func (AssetUpload) Kind() Kind    { return KindAssetUpload }
func (Event) Kind() Kind          { return KindEvent }

// EncodePayloadCBOR serializes a payload for the replay store.
func EncodePayloadCBOR(payload Payload) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("message: nil payload")
	}
	return codec.Marshal(payload)
}

// DecodePayloadCBOR is the inverse of EncodePayloadCBOR for the given
// kind.
func DecodePayloadCBOR(kind Kind, data []byte) (Payload, error) {
	return decodePayload(kind, data, codec.Unmarshal)
}

// DecodePayloadJSON decodes a JSON payload of the given kind.
func DecodePayloadJSON(kind Kind, data []byte) (Payload, error) {
	return decodePayload(kind, data, json.Unmarshal)
}

// decodePayload selects the variant by kind and decodes data into it
// with unmarshal.
func decodePayload(kind Kind, data []byte, unmarshal func([]byte, any) error) (Payload, error) {
	switch kind {
	case KindMetric:
		return decodeAs[Metric](kind, data, unmarshal)
	case KindParameter:
		return decodeAs[Parameter](kind, data, unmarshal)
	case KindLogOther:
		return decodeAs[LogOther](kind, data, unmarshal)
	case KindStandardOutput:
		return decodeAs[StandardOutput](kind, data, unmarshal)
	case KindSystemDetails:
		return decodeAs[SystemDetails](kind, data, unmarshal)
	case KindAssetUpload:
		return decodeAs[AssetUpload](kind, data, unmarshal)
	case KindEvent:
		return decodeAs[Event](kind, data, unmarshal)
	default:
		return nil, fmt.Errorf("message: unknown kind %q", kind)
	}
}

func decodeAs[T Payload](kind Kind, data []byte, unmarshal func([]byte, any) error) (Payload, error) {
	var payload T
	if err := unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("message: decoding %s payload: %w", kind, err)
	}
	return payload, nil
}
