// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/expstream/lib/offlineupload"
)

func uploadCommand() *command {
	var flags commonFlags
	return &command{
		Name:    "upload",
		Summary: "Send offline archives to the tracking service",
		Description: `Send offline archives to the tracking service.

Each archive is verified before anything is sent. Throttling and
connection errors are retried with exponential backoff; any other error
stops that archive. Archives are processed in the order given and the
command fails if any of them could not be uploaded.`,
		Usage: "expstream upload [flags] <archive.zip>...",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("upload", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("at least one archive path is required")
			}
			return runUpload(&flags, args)
		},
	}
}

func runUpload(flags *commonFlags, paths []string) error {
	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}
	logger := flags.newLogger()
	uploadCfg, err := uploadConfig(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed := 0
	for _, path := range paths {
		result, err := offlineupload.Upload(ctx, path, uploadCfg)
		if err != nil {
			failed++
			logger.Error("upload failed", "path", path, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		fmt.Fprintf(os.Stdout, "%s: uploaded %d messages of experiment %s in %d batches (%d retries)\n",
			path, result.Messages, result.ExperimentKey, result.Batches, result.Retries)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d archives failed to upload", failed, len(paths))
	}
	return nil
}
