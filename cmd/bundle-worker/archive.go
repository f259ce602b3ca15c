// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/bundleworker/lib/archive"
	"github.com/bureau-foundation/bundleworker/lib/hwinfo/nvidia"
	"github.com/bureau-foundation/bundleworker/lib/tarstream"
	"github.com/bureau-foundation/bundleworker/resources"
)

func streamCommand() *command {
	var output, quantum string
	return &command{
		name:    "stream",
		summary: "Write a subtree of a bundle archive as a tar stream",
		usage:   "bundle-worker stream LOCATOR [--out FILE]",
		examples: []example{
			{
				description: "Copy one directory out of a remote bundle",
				command:     "bundle-worker stream https://store/bundles/0x1f....tar.gz/data/train | tar -x",
			},
		},
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("stream", pflag.ContinueOnError)
			flagSet.StringVarP(&output, "out", "o", "", "write the tar stream to FILE instead of stdout")
			flagSet.StringVar(&quantum, "quantum", "", "bytes read from the archive per step, e.g. 100M")
			return flagSet
		},
		run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("stream takes exactly one LOCATOR")
			}
			quantumBytes, err := resources.ParseMemory(quantum)
			if err != nil {
				return fmt.Errorf("--quantum: %w", err)
			}
			var destination io.Writer = os.Stdout
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return err
				}
				defer file.Close()
				destination = file
			} else if term.IsTerminal(int(os.Stdout.Fd())) {
				return fmt.Errorf("refusing to write a tar stream to a terminal; redirect stdout or use --out")
			}
			return streamSubtree(ctx, archive.DefaultOpener{}, args[0], quantumBytes, destination)
		},
	}
}

func streamSubtree(ctx context.Context, opener archive.Opener, value string, quantum int64, destination io.Writer) error {
	locator, err := archive.ParseLocator(value)
	if err != nil {
		return err
	}
	stream, err := tarstream.Open(ctx, opener, locator, tarstream.Options{
		Quantum: quantum,
		Logger:  newLogger(),
	})
	if err != nil {
		return err
	}
	defer stream.Close()
	if _, err := io.Copy(destination, stream); err != nil {
		return fmt.Errorf("streaming %s: %w", locator, err)
	}
	return nil
}

func lsCommand() *command {
	return &command{
		name:    "ls",
		summary: "List the entries under a subtree of a bundle archive",
		usage:   "bundle-worker ls LOCATOR",
		run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("ls takes exactly one LOCATOR")
			}
			return listSubtree(ctx, archive.DefaultOpener{}, args[0], os.Stdout)
		},
	}
}

func listSubtree(ctx context.Context, opener archive.Opener, value string, w io.Writer) error {
	locator, err := archive.ParseLocator(value)
	if err != nil {
		return err
	}
	reader, err := archive.Open(ctx, opener, locator.BundlePath)
	if err != nil {
		return err
	}
	defer reader.Close()

	entries, err := reader.Descendants(locator.Subpath)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, entry := range entries {
		name := entry.Name
		if name == "" {
			name = "."
		}
		if entry.IsSymlink() {
			name += " -> " + entry.Linkname
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
			entry.FileMode(), entry.Size, entry.ModTime().UTC().Format("2006-01-02 15:04"), name)
	}
	return tw.Flush()
}

func indexCommand() *command {
	var directory, output, blockSize string
	return &command{
		name:    "index",
		summary: "Archive a directory as an indexed bundle",
		usage:   "bundle-worker index --dir DIR --out BUNDLE.tar.gz",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("index", pflag.ContinueOnError)
			flagSet.StringVar(&directory, "dir", "", "directory to archive")
			flagSet.StringVar(&output, "out", "", "archive path; the index is written next to it")
			flagSet.StringVar(&blockSize, "block-size", "", "uncompressed bytes per block, e.g. 4M")
			return flagSet
		},
		run: func(_ context.Context, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			if directory == "" || output == "" {
				return fmt.Errorf("--dir and --out are required")
			}
			block, err := resources.ParseMemory(blockSize)
			if err != nil {
				return fmt.Errorf("--block-size: %w", err)
			}
			index, err := archive.CreateFromDirectory(output, directory, archive.WriterOptions{BlockSize: block})
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d entries, %d blocks, %d bytes (%d uncompressed)\n",
				output, len(index.Entries), len(index.Blocks), index.CompressedSize(), index.UncompressedSize())
			return nil
		},
	}
}

func gpusCommand() *command {
	return &command{
		name:    "gpus",
		summary: "List the NVIDIA GPUs on this host",
		run: func(context.Context, []string) error {
			return printGPUs(os.Stdout, nvidia.NewProber())
		},
	}
}

func printGPUs(w io.Writer, prober *nvidia.Prober) error {
	devices := prober.Enumerate()
	if len(devices) == 0 {
		fmt.Fprintln(w, "no NVIDIA GPUs found")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tUUID\tMODEL\tPCI")
	for _, device := range devices {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", device.Minor, device.UUID, device.Model, device.PCISlot)
	}
	return tw.Flush()
}
