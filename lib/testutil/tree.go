// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// WriteTree creates files under root from a map of slash-separated
// relative paths to contents. A key ending in "/" creates an empty
// directory. A value beginning with "->" creates a symlink to the rest
// of the value. Files are written in sorted key order so that directory
// modification order is stable.
//
//	testutil.WriteTree(t, dir, map[string]string{
//	    "a/1.txt":   "one",
//	    "a/b/2.txt": "two",
//	    "a/link":    "->1.txt",
//	    "empty/":    "",
//	})
func WriteTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		content := files[name]
		path := filepath.Join(root, filepath.FromSlash(name))
		if strings.HasSuffix(name, "/") {
			if err := os.MkdirAll(path, 0o755); err != nil {
				t.Fatalf("creating directory %s: %v", name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("creating parent of %s: %v", name, err)
		}
		if target, ok := strings.CutPrefix(content, "->"); ok {
			if err := os.Symlink(target, path); err != nil {
				t.Fatalf("creating symlink %s: %v", name, err)
			}
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}
}
