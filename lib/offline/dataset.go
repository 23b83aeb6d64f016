// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/expstream/lib/message"
)

// Compression selects the stream compression of the dataset file.
type Compression uint8

const (
	// CompressionNone writes plain JSON lines.
	CompressionNone Compression = iota

	// CompressionZstd writes a zstd stream at the default level.
	// Telemetry is repetitive JSON and compresses well.
	CompressionZstd

	// CompressionLZ4 writes an LZ4 frame. Cheaper on CPU than zstd at
	// a worse ratio.
	CompressionLZ4
)

// datasetBaseName is the dataset file name without the compression
// suffix.
const datasetBaseName = "messages.jsonl"

// AssetsDirectory is the subdirectory holding copied asset files.
const AssetsDirectory = "assets"

// String returns the configuration name of the compression.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a configuration name. The empty string
// means no compression.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown dataset compression %q", name)
	}
}

// DatasetFileName returns the dataset file name for c.
func DatasetFileName(c Compression) string {
	switch c {
	case CompressionZstd:
		return datasetBaseName + ".zst"
	case CompressionLZ4:
		return datasetBaseName + ".lz4"
	default:
		return datasetBaseName
	}
}

// CompressionForFile infers the compression from a dataset file name.
func CompressionForFile(name string) (Compression, error) {
	switch {
	case strings.HasSuffix(name, ".zst"):
		return CompressionZstd, nil
	case strings.HasSuffix(name, ".lz4"):
		return CompressionLZ4, nil
	case strings.HasSuffix(name, ".jsonl"):
		return CompressionNone, nil
	default:
		return 0, fmt.Errorf("unrecognized dataset file %q", name)
	}
}

// newCompressor wraps w in the stream encoder for c. Closing the
// result flushes the encoder but does not close w.
func newCompressor(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionZstd:
		encoder, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		return encoder, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported dataset compression %v", c)
	}
}

// NewDatasetReader wraps r in the stream decoder for c.
func NewDatasetReader(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionNone:
		return io.NopCloser(r), nil
	case CompressionZstd:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		return decoder.IOReadCloser(), nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported dataset compression %v", c)
	}
}

// ReadDataset decodes every message of a dataset stream in file order.
// Blank lines are skipped.
func ReadDataset(r io.Reader, c Compression) ([]message.Message, error) {
	decoded, err := NewDatasetReader(r, c)
	if err != nil {
		return nil, err
	}
	defer decoded.Close()

	var messages []message.Message
	reader := bufio.NewReader(decoded)
	for lineNumber := 1; ; lineNumber++ {
		line, readErr := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var msg message.Message
			if err := json.Unmarshal(line, &msg); err != nil {
				return nil, fmt.Errorf("dataset line %d: %w", lineNumber, err)
			}
			messages = append(messages, msg)
		}
		if readErr == io.EOF {
			return messages, nil
		}
		if readErr != nil {
			return nil, fmt.Errorf("reading dataset: %w", readErr)
		}
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
