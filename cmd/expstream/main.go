// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
)

func main() {
	if err := run(); err != nil {
		// Commands that already printed their result return an
		// exitError carrying only the status.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return rootCommand().Execute(os.Args[1:])
}

func rootCommand() *command {
	return &command{
		Name:        "expstream",
		Description: "Record experiment telemetry and manage offline archives.",
		Subcommands: []*command{
			streamCommand(),
			inspectCommand(),
			uploadCommand(),
			versionCommand(),
		},
	}
}
