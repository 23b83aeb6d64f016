// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"

	"github.com/klauspost/compress/zip"

	"github.com/bureau-foundation/expstream/lib/message"
	"github.com/bureau-foundation/expstream/lib/offline"
)

// Reader gives access to a finished archive.
type Reader struct {
	zip         *zip.ReadCloser
	metadata    Metadata
	compression offline.Compression
}

// Open opens the archive at path and decodes its metadata.
func Open(path string) (*Reader, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("archive: opening %s: %w", path, err)
	}
	reader := &Reader{zip: archive}
	if err := reader.loadMetadata(); err != nil {
		archive.Close()
		return nil, err
	}
	return reader, nil
}

func (r *Reader) loadMetadata() error {
	entry, err := r.OpenEntry(MetadataFile)
	if err != nil {
		return err
	}
	defer entry.Close()
	if err := json.NewDecoder(entry).Decode(&r.metadata); err != nil {
		return fmt.Errorf("archive: decoding %s: %w", MetadataFile, err)
	}
	if r.metadata.ExperimentKey == "" {
		return fmt.Errorf("archive: %s has no experiment key", MetadataFile)
	}
	compression, err := offline.ParseCompression(r.metadata.Compression)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	r.compression = compression
	return nil
}

// Metadata returns the decoded experiment.json.
func (r *Reader) Metadata() Metadata { return r.metadata }

// OpenEntry opens a file inside the archive by its slash-separated
// name, such as an asset path from an AssetUpload payload.
func (r *Reader) OpenEntry(name string) (io.ReadCloser, error) {
	for _, file := range r.zip.File {
		if file.Name != name {
			continue
		}
		entry, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("archive: opening entry %s: %w", name, err)
		}
		return entry, nil
	}
	return nil, fmt.Errorf("archive: no entry %s: %w", name, fs.ErrNotExist)
}

// Messages decodes the dataset in file order.
func (r *Reader) Messages() ([]message.Message, error) {
	entry, err := r.OpenEntry(r.metadata.DatasetFile)
	if err != nil {
		return nil, err
	}
	defer entry.Close()
	messages, err := offline.ReadDataset(entry, r.compression)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return messages, nil
}

// Verify checks the dataset digest and message count recorded in the
// metadata.
func (r *Reader) Verify() error {
	entry, err := r.OpenEntry(r.metadata.DatasetFile)
	if err != nil {
		return err
	}
	digest, err := DatasetDigest(entry)
	entry.Close()
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if digest != r.metadata.DatasetDigest {
		return fmt.Errorf("archive: dataset digest mismatch: recorded %s, computed %s",
			r.metadata.DatasetDigest, digest)
	}

	messages, err := r.Messages()
	if err != nil {
		return err
	}
	if len(messages) != r.metadata.MessageCount {
		return fmt.Errorf("archive: metadata records %d messages, dataset holds %d",
			r.metadata.MessageCount, len(messages))
	}
	return nil
}

// Close releases the archive file.
func (r *Reader) Close() error {
	return r.zip.Close()
}
