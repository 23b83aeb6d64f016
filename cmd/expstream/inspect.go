// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/expstream/lib/archive"
	"github.com/bureau-foundation/expstream/lib/message"
)

func inspectCommand() *command {
	var counts bool
	return &command{
		Name:    "inspect",
		Summary: "Show an offline archive's metadata and verify its dataset",
		Usage:   "expstream inspect [flags] <archive.zip>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
			flagSet.BoolVar(&counts, "counts", false, "also print the number of messages of each type")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one archive path, got %d arguments", len(args))
			}
			return runInspect(os.Stdout, args[0], counts)
		},
	}
}

// runInspect prints the archive summary to w. A failed verification is
// printed and reported as exit status 1.
func runInspect(w io.Writer, path string, counts bool) error {
	reader, err := archive.Open(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	metadata := reader.Metadata()
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "experiment\t%s\n", metadata.ExperimentKey)
	if metadata.Workspace != "" {
		fmt.Fprintf(tw, "workspace\t%s\n", metadata.Workspace)
	}
	if metadata.ProjectName != "" {
		fmt.Fprintf(tw, "project\t%s\n", metadata.ProjectName)
	}
	if len(metadata.Tags) > 0 {
		fmt.Fprintf(tw, "tags\t%s\n", strings.Join(metadata.Tags, ", "))
	}
	fmt.Fprintf(tw, "started\t%s\n", metadata.Start().Format("2006-01-02 15:04:05.000Z"))
	fmt.Fprintf(tw, "stopped\t%s\n", metadata.Stop().Format("2006-01-02 15:04:05.000Z"))
	fmt.Fprintf(tw, "dataset\t%s (%s)\n", metadata.DatasetFile, metadata.Compression)
	fmt.Fprintf(tw, "messages\t%d\n", metadata.MessageCount)
	fmt.Fprintf(tw, "digest\t%s\n", metadata.DatasetDigest)
	fmt.Fprintf(tw, "created by\t%s\n", metadata.CreatedBy)
	tw.Flush()

	if err := reader.Verify(); err != nil {
		fmt.Fprintf(w, "\nverification FAILED: %v\n", err)
		return &exitError{code: 1}
	}
	fmt.Fprintf(w, "\nverification ok\n")

	if !counts {
		return nil
	}
	messages, err := reader.Messages()
	if err != nil {
		return err
	}
	byKind := make(map[message.Kind]int)
	for _, msg := range messages {
		byKind[msg.Kind()]++
	}
	kinds := make([]string, 0, len(byKind))
	for kind := range byKind {
		kinds = append(kinds, string(kind))
	}
	slices.Sort(kinds)
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	for _, kind := range kinds {
		fmt.Fprintf(tw, "%s\t%d\n", kind, byKind[message.Kind(kind)])
	}
	tw.Flush()
	return nil
}
