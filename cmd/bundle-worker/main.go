// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/bundleworker/lib/version"
)

func main() {
	if err := run(); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return root().execute(ctx, os.Args[1:])
}

func root() *command {
	return &command{
		name:    "bundle-worker",
		summary: "Execute run bundles and read bundle archives.",
		subcommands: []*command{
			runCommand(),
			streamCommand(),
			lsCommand(),
			indexCommand(),
			gpusCommand(),
			{
				name:    "version",
				summary: "Print version information",
				run: func(context.Context, []string) error {
					fmt.Println(version.Full())
					return nil
				},
			},
		},
	}
}
