// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/expstream/lib/clock"
	"github.com/bureau-foundation/expstream/lib/config"
	"github.com/bureau-foundation/expstream/lib/experiment"
	"github.com/bureau-foundation/expstream/lib/fallback"
	"github.com/bureau-foundation/expstream/lib/offlineupload"
	"github.com/bureau-foundation/expstream/lib/online"
)

type streamOptions struct {
	commonFlags
	Key           string
	Workspace     string
	ProjectName   string
	Tags          []string
	Input         string
	DemoSteps     int
	SystemDetails bool
}

func streamCommand() *command {
	var options streamOptions
	return &command{
		Name:    "stream",
		Summary: "Record telemetry read from stdin or a file",
		Description: `Record telemetry for one experiment.

Reads one JSON record per line and logs it to a new experiment. Records
are delivered to the tracking service while it is reachable. When the
connection is lost they keep being written to a local dataset, and an
offline archive is produced at the end if anything was not delivered.

Record types: metric, parameter, other, output, tag, context, asset.`,
		Usage: "expstream stream [flags]",
		Examples: []example{
			{
				Description: "Stream records produced by a training script",
				Command:     "python train.py | expstream stream --project-name vision",
			},
			{
				Description: "Record a synthetic run against a local server",
				Command:     "expstream stream --demo-steps 50 --endpoint http://localhost:8080",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("stream", pflag.ContinueOnError)
			options.register(flagSet)
			flagSet.StringVar(&options.Key, "key", "", "experiment key (default: generated)")
			flagSet.StringVar(&options.Workspace, "workspace", "", "workspace (overrides the config file)")
			flagSet.StringVar(&options.ProjectName, "project-name", "", "project name (overrides the config file)")
			flagSet.StringSliceVar(&options.Tags, "tag", nil, "tag to attach to the experiment (repeatable)")
			flagSet.StringVarP(&options.Input, "input", "i", "-", "file of JSON records, - for stdin")
			flagSet.IntVar(&options.DemoSteps, "demo-steps", 0, "generate this many synthetic training steps instead of reading input")
			flagSet.BoolVar(&options.SystemDetails, "system-details", true, "record host and process details")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			return runStream(&options)
		},
	}
}

func runStream(options *streamOptions) error {
	cfg, err := options.loadConfig()
	if err != nil {
		return err
	}
	logger := options.newLogger()

	if options.Workspace != "" {
		cfg.Workspace = options.Workspace
	}
	if options.ProjectName != "" {
		cfg.ProjectName = options.ProjectName
	}

	input, closeInput, err := openInput(options.Input, options.DemoSteps)
	if err != nil {
		return err
	}
	defer closeInput()

	key := options.Key
	if key == "" {
		key = experiment.NewKey()
	}

	coordinator, err := newCoordinator(cfg, key, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The pipeline runs on its own context so that an interrupt stops
	// reading input but still lets End flush and archive.
	coordinator.Start(context.Background())

	exp, err := experiment.New(experiment.Config{
		Key:         key,
		Workspace:   cfg.Workspace,
		ProjectName: cfg.ProjectName,
		Tags:        options.Tags,
		Coordinator: coordinator,
		Clock:       clock.Real(),
		Logger:      logger,
	})
	if err != nil {
		coordinator.WaitForFinish(fallback.ExperimentInfo{Key: key})
		return err
	}
	logger.Info("experiment started", "experiment_key", key, "endpoint", cfg.Endpoint)

	if options.SystemDetails {
		if err := exp.LogSystemDetails(experiment.CollectSystemDetails()); err != nil {
			logger.Warn("recording system details failed", "error", err)
		}
	}

	var logged, rejected int
	if options.DemoSteps > 0 {
		logged, err = runDemo(exp, options.DemoSteps)
		if err != nil {
			logger.Warn("demo run stopped", "error", err)
		}
	} else {
		logged, rejected = consumeInput(ctx, exp, input, logger)
	}
	logger.Info("input finished", "logged", logged, "rejected", rejected)

	endErr := exp.End()
	if path := coordinator.ArchivePath(); path != "" {
		fmt.Fprintf(os.Stdout, "offline archive: %s\n", path)
	}
	if errors.Is(endErr, experiment.ErrNotDelivered) {
		return fmt.Errorf("experiment %s: data was neither delivered nor archived", key)
	}
	if endErr != nil {
		return endErr
	}
	fmt.Fprintf(os.Stdout, "experiment %s finished (%d records)\n", key, logged)
	return nil
}

// newCoordinator wires the HTTP transport, the online sender and the
// fallback coordinator from cfg.
func newCoordinator(cfg *config.Config, key string, logger *slog.Logger) (*fallback.Coordinator, error) {
	transport, err := transportFactory(cfg)(key)
	if err != nil {
		return nil, err
	}

	requestTimeout, err := cfg.RequestTimeout()
	if err != nil {
		return nil, err
	}
	finishTimeout, err := cfg.FinishTimeout()
	if err != nil {
		return nil, err
	}
	sender, err := online.New(online.Config{
		Transport:      transport,
		Clock:          clock.Real(),
		Logger:         logger,
		MaxBatchSize:   cfg.Online.MaxBatchSize,
		RequestTimeout: requestTimeout,
		FinishTimeout:  finishTimeout,
	})
	if err != nil {
		return nil, err
	}

	compression, err := cfg.CompressionMode()
	if err != nil {
		return nil, err
	}
	checkInterval, err := cfg.CheckInterval()
	if err != nil {
		return nil, err
	}
	terminateTimeout, err := cfg.TerminateTimeout()
	if err != nil {
		return nil, err
	}
	pollInterval, err := cfg.PollInterval()
	if err != nil {
		return nil, err
	}
	offlineWait, err := cfg.OfflineWaitTimeout()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}

	coordinator, err := fallback.New(fallback.Config{
		Online:                  sender,
		EnableOfflineFallback:   cfg.Offline.Enabled,
		OfflineCompression:      compression,
		KeepOfflineArchive:      cfg.Offline.KeepArchive,
		OfflineDirectory:        cfg.Offline.Directory,
		ConnectionCheckInterval: checkInterval,
		TerminateTimeout:        terminateTimeout,
		PollInterval:            pollInterval,
		OfflineWaitTimeout:      offlineWait,
		Clock:                   clock.Real(),
		Logger:                  logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Upload.Auto {
		uploadCfg, err := uploadConfig(cfg, logger)
		if err != nil {
			return nil, err
		}
		coordinator.SetUploader(offlineupload.Uploader(uploadCfg))
	}
	return coordinator, nil
}

func openInput(path string, demoSteps int) (io.Reader, func(), error) {
	if demoSteps > 0 || path == "-" || path == "" {
		return os.Stdin, func() {}, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening input: %w", err)
	}
	return file, func() { file.Close() }, nil
}

// consumeInput logs records until input ends or ctx is cancelled.
func consumeInput(ctx context.Context, target recorder, input io.Reader, log *slog.Logger) (logged, rejected int) {
	lines := readRecords(input)
	for {
		select {
		case <-ctx.Done():
			log.Info("interrupted, finishing experiment")
			return logged, rejected
		case line, ok := <-lines:
			if !ok {
				return logged, rejected
			}
			if line.Err != nil {
				rejected++
				log.Warn("skipping malformed record", "error", line.Err)
				continue
			}
			if err := applyRecord(target, line.Record); err != nil {
				rejected++
				log.Warn("skipping record", "type", line.Record.Type, "error", err)
				continue
			}
			logged++
		}
	}
}

// runDemo logs a synthetic training run.
func runDemo(target recorder, steps int) (int, error) {
	logged := 0
	for _, parameter := range []struct {
		name  string
		value any
	}{
		{"learning_rate", 0.001},
		{"batch_size", 32},
		{"optimizer", "adam"},
	} {
		if err := target.LogParameter(parameter.name, parameter.value); err != nil {
			return logged, err
		}
		logged++
	}
	target.AddTag("demo")
	for step := 1; step <= steps; step++ {
		loss := 1 / float64(step)
		if err := target.LogMetric("loss", loss, int64(step)); err != nil {
			return logged, err
		}
		if err := target.LogMetric("accuracy", 1-loss/2, int64(step)); err != nil {
			return logged, err
		}
		logged += 2
		if step%10 == 0 {
			if err := target.LogOutput(fmt.Sprintf("step %d loss %.4f\n", step, loss), false); err != nil {
				return logged, err
			}
			logged++
		}
	}
	return logged, nil
}
