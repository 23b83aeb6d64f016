// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/expstream/lib/version"
)

func versionCommand() *command {
	return &command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			fmt.Fprintf(os.Stdout, "expstream %s\n", version.Full())
			return nil
		},
	}
}
