// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/expstream/lib/clock"
	"github.com/bureau-foundation/expstream/lib/config"
	"github.com/bureau-foundation/expstream/lib/offlineupload"
	"github.com/bureau-foundation/expstream/lib/online"
)

// commonFlags are accepted by every command that talks to the
// tracking service or reads configuration.
type commonFlags struct {
	ConfigPath string
	Endpoint   string
	Verbose    bool
}

func (f *commonFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.ConfigPath, "config", "", "path to expstream.yaml (default: $EXPSTREAM_CONFIG, then built-in defaults)")
	flagSet.StringVar(&f.Endpoint, "endpoint", "", "tracking service URL (overrides the config file)")
	flagSet.BoolVarP(&f.Verbose, "verbose", "v", false, "log at debug level")
}

// loadConfig resolves the configuration: --config, then
// EXPSTREAM_CONFIG, then defaults. The result is validated.
func (f *commonFlags) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case f.ConfigPath != "":
		cfg, err = config.LoadFile(f.ConfigPath)
	case os.Getenv(config.EnvironmentVariable) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
		cfg.APIKey = os.Getenv("EXPSTREAM_API_KEY")
		cfg.Offline.Directory = os.ExpandEnv(cfg.Offline.Directory)
	}
	if err != nil {
		return nil, err
	}
	if f.Endpoint != "" {
		cfg.Endpoint = f.Endpoint
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger writes human-readable records to a terminal and JSON
// records otherwise.
func (f *commonFlags) newLogger() *slog.Logger {
	level := slog.LevelInfo
	if f.Verbose {
		level = slog.LevelDebug
	}
	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}

// transportFactory returns a constructor for HTTP transports bound to
// one experiment key.
func transportFactory(cfg *config.Config) func(experimentKey string) (online.Transport, error) {
	return func(experimentKey string) (online.Transport, error) {
		transport, err := online.NewHTTPTransport(online.HTTPTransportConfig{
			Endpoint:        cfg.Endpoint,
			ExperimentKey:   experimentKey,
			APIKey:          cfg.APIKey,
			CompressBatches: cfg.Online.CompressBatches,
		})
		if err != nil {
			return nil, err
		}
		return transport, nil
	}
}

func uploadConfig(cfg *config.Config, logger *slog.Logger) (offlineupload.Config, error) {
	if cfg.Upload.MaxRetries < 0 {
		return offlineupload.Config{}, fmt.Errorf("upload.max_retries must not be negative")
	}
	return offlineupload.Config{
		NewTransport: transportFactory(cfg),
		Clock:        clock.Real(),
		Logger:       logger,
		MaxRetries:   uint64(cfg.Upload.MaxRetries),
		MaxBatchSize: cfg.Online.MaxBatchSize,
	}, nil
}
