// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dependency

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidDependency is wrapped by every Validate failure.
var ErrInvalidDependency = errors.New("invalid dependency")

// reservedNames are created by the run itself in its working
// directory and cannot be shadowed by a dependency.
var reservedNames = map[string]bool{
	"stdout": true,
	"stderr": true,
}

// Dependency is one declared input of a run.
type Dependency struct {
	// ParentUUID identifies the bundle the input is taken from.
	ParentUUID string `json:"parent_uuid"`

	// ParentPath is the path inside the parent bundle. Empty selects
	// the whole bundle.
	ParentPath string `json:"parent_path"`

	// ChildPath is where the input appears, relative to the run's
	// working directory. Empty places the input's contents directly in
	// the working directory.
	ChildPath string `json:"child_path"`
}

func (d Dependency) String() string {
	if d.ParentPath == "" {
		return d.ParentUUID + " -> " + displayChild(d.ChildPath)
	}
	return d.ParentUUID + "/" + d.ParentPath + " -> " + displayChild(d.ChildPath)
}

func displayChild(child string) string {
	if child == "" {
		return "."
	}
	return child
}

// ParseUUID accepts a bundle UUID in the canonical hyphenated form or
// as 32 hex digits with an optional "0x" prefix.
func ParseUUID(value string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(strings.TrimPrefix(value, "0x"))
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("bundle uuid %q: %w", value, err)
	}
	return parsed, nil
}

// NewRunUUID returns a fresh bundle UUID in the "0x" hex form.
func NewRunUUID() string {
	id := uuid.New()
	return "0x" + strings.ReplaceAll(id.String(), "-", "")
}

// Validate checks a run's dependency list: parent UUIDs parse, parent
// paths stay inside their bundle, and child paths are relative, clean,
// distinct and non-overlapping. An empty child path overlaps every
// other child path.
func Validate(dependencies []Dependency) error {
	var problems []error
	for i, dependency := range dependencies {
		if _, err := ParseUUID(dependency.ParentUUID); err != nil {
			problems = append(problems, fmt.Errorf("dependency %d: %w", i, err))
		}
		if err := checkRelative("parent path", dependency.ParentPath); err != nil {
			problems = append(problems, fmt.Errorf("dependency %d: %w", i, err))
		}
		if err := checkRelative("child path", dependency.ChildPath); err != nil {
			problems = append(problems, fmt.Errorf("dependency %d: %w", i, err))
			continue
		}
		if dependency.ChildPath == "." {
			problems = append(problems, fmt.Errorf("dependency %d: child path \".\" names the working directory; use \"\" for a root dependency", i))
			continue
		}
		if reservedNames[firstComponent(dependency.ChildPath)] {
			problems = append(problems, fmt.Errorf("dependency %d: child path %q shadows the run's output files", i, dependency.ChildPath))
		}
		for j := range i {
			if overlaps(dependencies[j].ChildPath, dependency.ChildPath) {
				problems = append(problems, fmt.Errorf("dependency %d: child path %q overlaps dependency %d (%q)",
					i, displayChild(dependency.ChildPath), j, displayChild(dependencies[j].ChildPath)))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidDependency, errors.Join(problems...))
	}
	return nil
}

// checkRelative requires value to be "" or a clean relative slash path
// with no ".." components.
func checkRelative(field, value string) error {
	if value == "" {
		return nil
	}
	if path.IsAbs(value) {
		return fmt.Errorf("%s %q must be relative", field, value)
	}
	if path.Clean(value) != value {
		return fmt.Errorf("%s %q is not clean (want %q)", field, value, path.Clean(value))
	}
	if value == ".." || strings.HasPrefix(value, "../") {
		return fmt.Errorf("%s %q escapes its root", field, value)
	}
	return nil
}

func firstComponent(value string) string {
	first, _, _ := strings.Cut(value, "/")
	return first
}

// overlaps reports whether one child path is the other or an ancestor
// of it.
func overlaps(a, b string) bool {
	if a == "" || b == "" || a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}
