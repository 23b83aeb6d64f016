// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/zeebo/blake3"
)

// MetadataFile is the name of the metadata entry in every archive.
const MetadataFile = "experiment.json"

// ResumeStrategyCreate tells the service to create a new experiment
// from the archive rather than append to an existing one.
const ResumeStrategyCreate = "create"

// Metadata is the content of experiment.json.
type Metadata struct {
	ExperimentKey  string   `json:"experiment_key"`
	Workspace      string   `json:"workspace,omitempty"`
	ProjectName    string   `json:"project_name,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	StartTime      int64    `json:"start_time"`
	StopTime       int64    `json:"stop_time"`
	ResumeStrategy string   `json:"resume_strategy"`
	DatasetFile    string   `json:"dataset_file"`
	Compression    string   `json:"compression"`
	MessageCount   int      `json:"message_count"`
	DatasetDigest  string   `json:"dataset_digest"`
	CreatedBy      string   `json:"created_by"`
}

// Start returns StartTime as a time.
func (m Metadata) Start() time.Time { return time.UnixMilli(m.StartTime).UTC() }

// Stop returns StopTime as a time.
func (m Metadata) Stop() time.Time { return time.UnixMilli(m.StopTime).UTC() }

// datasetDomainKey separates dataset digests from any other BLAKE3
// keyed hash. ASCII name, zero-padded to 32 bytes. Changing it
// invalidates the digest of every existing archive.
var datasetDomainKey = [32]byte{
	'e', 'x', 'p', 's', 't', 'r', 'e', 'a', 'm', '.', 'a', 'r', 'c', 'h', 'i', 'v',
	'e', '.', 'd', 'a', 't', 'a', 's', 'e', 't', 0, 0, 0, 0, 0, 0, 0,
}

// DatasetDigest returns the hex keyed BLAKE3 digest of everything read
// from r.
func DatasetDigest(r io.Reader) (string, error) {
	hasher, err := blake3.NewKeyed(datasetDomainKey[:])
	if err != nil {
		return "", fmt.Errorf("initializing dataset hash: %w", err)
	}
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("hashing dataset: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
