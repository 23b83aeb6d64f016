// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/bureau-foundation/expstream/lib/experiment"
)

// record is one line of stream input:
//
//	{"type":"metric","name":"loss","value":0.25,"step":3}
//	{"type":"parameter","name":"lr","value":0.001}
//	{"type":"other","name":"dataset","value":"imagenet"}
//	{"type":"output","text":"epoch 3 done","stderr":false}
//	{"type":"tag","name":"baseline"}
//	{"type":"context","name":"validate"}
//	{"type":"asset","path":"model.bin","name":"model","asset_type":"model","step":3}
type record struct {
	Type      string `json:"type"`
	Name      string `json:"name,omitempty"`
	Value     any    `json:"value,omitempty"`
	Step      int64  `json:"step,omitempty"`
	Text      string `json:"text,omitempty"`
	Stderr    bool   `json:"stderr,omitempty"`
	Path      string `json:"path,omitempty"`
	AssetType string `json:"asset_type,omitempty"`
}

// recorder is the subset of *experiment.Experiment the input drives.
type recorder interface {
	LogMetric(name string, value float64, step int64) error
	LogParameter(name string, value any) error
	LogOther(key string, value any) error
	LogOutput(output string, stderr bool) error
	AddTag(tags ...string)
	SetContext(context string)
	UploadAsset(path string, options experiment.AssetOptions) error
}

// applyRecord logs r to target.
func applyRecord(target recorder, r record) error {
	switch r.Type {
	case "metric":
		value, ok := r.Value.(float64)
		if !ok {
			return fmt.Errorf("metric %q: value must be a number, got %T", r.Name, r.Value)
		}
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return fmt.Errorf("metric %q: value must be finite", r.Name)
		}
		return target.LogMetric(r.Name, value, r.Step)
	case "parameter":
		return target.LogParameter(r.Name, r.Value)
	case "other":
		return target.LogOther(r.Name, r.Value)
	case "output":
		return target.LogOutput(r.Text, r.Stderr)
	case "tag":
		if r.Name == "" {
			return fmt.Errorf("tag: name is required")
		}
		target.AddTag(r.Name)
		return nil
	case "context":
		target.SetContext(r.Name)
		return nil
	case "asset":
		if r.Path == "" {
			return fmt.Errorf("asset: path is required")
		}
		return target.UploadAsset(r.Path, experiment.AssetOptions{
			FileName:  r.Name,
			AssetType: r.AssetType,
			Step:      r.Step,
		})
	case "":
		return fmt.Errorf("record type is required")
	default:
		return fmt.Errorf("unknown record type %q", r.Type)
	}
}

// inputLine is a decoded record or the error that replaced it.
type inputLine struct {
	Record record
	Err    error
}

// readRecords decodes one record per non-blank line of r. Malformed
// lines are delivered as errors carrying their line number. The
// channel closes at end of input.
func readRecords(r io.Reader) <-chan inputLine {
	lines := make(chan inputLine)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		number := 0
		for scanner.Scan() {
			number++
			data := bytes.TrimSpace(scanner.Bytes())
			if len(data) == 0 {
				continue
			}
			var rec record
			if err := json.Unmarshal(data, &rec); err != nil {
				lines <- inputLine{Err: fmt.Errorf("line %d: %w", number, err)}
				continue
			}
			lines <- inputLine{Record: rec}
		}
		if err := scanner.Err(); err != nil {
			lines <- inputLine{Err: fmt.Errorf("reading input: %w", err)}
		}
	}()
	return lines
}
