// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package execution

import (
	"path"
	"strings"
)

// Output file names written inside the working directory.
const (
	StdoutFile = "stdout"
	StderrFile = "stderr"
)

// WrapCommand returns the argv that runs command under bash with its
// output redirected to StdoutFile and StderrFile in the current
// directory. A trailing ";" is appended when missing so the subshell
// always terminates the user's last command cleanly.
func WrapCommand(command string) []string {
	trimmed := strings.TrimRight(command, " \t\n")
	if !strings.HasSuffix(trimmed, ";") {
		trimmed += ";"
	}
	return []string{"/bin/bash", "-c", "( " + trimmed + " ) >" + StdoutFile + " 2>" + StderrFile}
}

// ContainerName is the engine-level name of the unit for a run.
func ContainerName(uuid string) string {
	return "bundle_run_" + uuid
}

// ContainerWorkDir is the in-container path of the run's working
// directory.
func ContainerWorkDir(uuid string) string {
	return path.Join("/", uuid)
}

// Environment is the environment every unit starts with.
func Environment(uuid string) []string {
	return []string{
		"HOME=" + ContainerWorkDir(uuid),
		"BUNDLE_WORKER=true",
	}
}
