// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/bureau-foundation/expstream/lib/offline"
	"github.com/bureau-foundation/expstream/lib/version"
)

// CreateConfig describes one archive to write.
type CreateConfig struct {
	// DataDirectory is the offline sender's directory. Required.
	DataDirectory string

	// OutputDirectory receives the zip file. Created if missing.
	// Required.
	OutputDirectory string

	// Metadata describes the experiment. ExperimentKey is required.
	// Create fills DatasetFile, Compression, DatasetDigest,
	// ResumeStrategy and CreatedBy.
	Metadata Metadata
}

// Create zips the data directory into
// <OutputDirectory>/<key>-<6 letters>.zip and returns its path. The
// file appears under its final name only once it is complete.
func Create(cfg CreateConfig) (string, error) {
	if cfg.DataDirectory == "" {
		return "", fmt.Errorf("archive: DataDirectory is required")
	}
	if cfg.OutputDirectory == "" {
		return "", fmt.Errorf("archive: OutputDirectory is required")
	}
	if cfg.Metadata.ExperimentKey == "" {
		return "", fmt.Errorf("archive: Metadata.ExperimentKey is required")
	}

	metadata := cfg.Metadata
	datasetFile, compression, err := findDataset(cfg.DataDirectory)
	if err != nil {
		return "", err
	}
	digest, err := digestFile(filepath.Join(cfg.DataDirectory, datasetFile))
	if err != nil {
		return "", err
	}
	metadata.DatasetFile = datasetFile
	metadata.Compression = compression.String()
	metadata.DatasetDigest = digest
	metadata.ResumeStrategy = ResumeStrategyCreate
	metadata.CreatedBy = version.UserAgent()

	if err := os.MkdirAll(cfg.OutputDirectory, 0o755); err != nil {
		return "", fmt.Errorf("archive: creating output directory: %w", err)
	}
	finalPath := filepath.Join(cfg.OutputDirectory, fmt.Sprintf("%s-%s.zip", metadata.ExperimentKey, randomSuffix()))

	temporary, err := os.CreateTemp(cfg.OutputDirectory, ".archive-*.zip.tmp")
	if err != nil {
		return "", fmt.Errorf("archive: creating temporary file: %w", err)
	}
	temporaryPath := temporary.Name()
	committed := false
	defer func() {
		if !committed {
			temporary.Close()
			os.Remove(temporaryPath)
		}
	}()

	writer := zip.NewWriter(temporary)
	if err := addDirectory(writer, cfg.DataDirectory, compression); err != nil {
		return "", err
	}
	encoded, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return "", fmt.Errorf("archive: encoding metadata: %w", err)
	}
	entry, err := writer.Create(MetadataFile)
	if err != nil {
		return "", fmt.Errorf("archive: adding metadata: %w", err)
	}
	if _, err := entry.Write(encoded); err != nil {
		return "", fmt.Errorf("archive: writing metadata: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("archive: finishing zip: %w", err)
	}
	if err := temporary.Sync(); err != nil {
		return "", fmt.Errorf("archive: syncing: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return "", fmt.Errorf("archive: closing: %w", err)
	}
	if err := os.Rename(temporaryPath, finalPath); err != nil {
		return "", fmt.Errorf("archive: renaming into place: %w", err)
	}
	committed = true
	return finalPath, nil
}

// findDataset locates the dataset file in a data directory.
func findDataset(directory string) (string, offline.Compression, error) {
	for _, compression := range []offline.Compression{
		offline.CompressionNone,
		offline.CompressionZstd,
		offline.CompressionLZ4,
	} {
		name := offline.DatasetFileName(compression)
		info, err := os.Stat(filepath.Join(directory, name))
		if err == nil && info.Mode().IsRegular() {
			return name, compression, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", 0, fmt.Errorf("archive: checking dataset: %w", err)
		}
	}
	return "", 0, fmt.Errorf("archive: no dataset file in %s", directory)
}

func digestFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("archive: opening dataset: %w", err)
	}
	defer file.Close()
	digest, err := DatasetDigest(file)
	if err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	return digest, nil
}

// addDirectory adds every regular file under root. The dataset is
// stored without deflate when it already carries stream compression.
func addDirectory(writer *zip.Writer, root string, compression offline.Compression) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("archive: walking %s: %w", path, err)
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		relative, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		name := filepath.ToSlash(relative)
		if name == MetadataFile {
			return nil
		}

		method := zip.Deflate
		if name == offline.DatasetFileName(compression) && compression != offline.CompressionNone {
			method = zip.Store
		}
		header := &zip.FileHeader{Name: name, Method: method}
		if info, err := entry.Info(); err == nil {
			header.Modified = info.ModTime()
		}
		destination, err := writer.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("archive: adding %s: %w", name, err)
		}
		source, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("archive: opening %s: %w", name, err)
		}
		defer source.Close()
		if _, err := io.Copy(destination, source); err != nil {
			return fmt.Errorf("archive: copying %s: %w", name, err)
		}
		return nil
	})
}

const suffixLetters = "abcdefghijklmnopqrstuvwxyz"

// randomSuffix returns six lowercase ASCII letters. Uniqueness only
// matters among archives of the same experiment key in one directory.
func randomSuffix() string {
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = suffixLetters[rand.IntN(len(suffixLetters))]
	}
	return string(suffix)
}
