// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dependency

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// extract writes a synthesised subtree stream to dest. The stream's
// root entry (".") becomes dest itself, which is a directory or, for a
// single-file subtree, a regular file. Entry names are confined to
// dest: absolute names, ".." components and paths through a symlink
// extracted earlier are rejected. Directories are always created 0755
// so that Release can delete them; file permission bits are kept
// without setuid, setgid or sticky.
func extract(stream io.Reader, dest string) error {
	reader := tar.NewReader(stream)
	symlinks := make(map[string]bool)
	rootSeen := false

	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading subtree stream: %w", err)
		}

		name, err := entryName(header.Name)
		if err != nil {
			return err
		}
		if name == "" {
			rootSeen = true
		} else if !rootSeen {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			rootSeen = true
		}
		if throughSymlink(name, symlinks) {
			return fmt.Errorf("entry %q is beneath an extracted symlink", header.Name)
		}

		target := dest
		if name != "" {
			target = filepath.Join(dest, filepath.FromSlash(name))
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, header, reader); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if name == "" {
				return errors.New("subtree root is a symlink")
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := removeIfPresent(target); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
			symlinks[name] = true
		default:
			// Hard links, devices and FIFOs are not materialised.
			continue
		}
	}

	if !rootSeen {
		return errors.New("subtree stream is empty")
	}
	return nil
}

// entryName maps a stream entry name ("." or "./rel") to a clean
// relative name, "" for the root.
func entryName(raw string) (string, error) {
	trimmed := strings.TrimPrefix(raw, "./")
	if trimmed == "." || trimmed == "" {
		return "", nil
	}
	if path.IsAbs(trimmed) {
		return "", fmt.Errorf("entry %q is absolute", raw)
	}
	clean := path.Clean(trimmed)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("entry %q escapes the subtree", raw)
	}
	return clean, nil
}

func throughSymlink(name string, symlinks map[string]bool) bool {
	for parent := path.Dir(name); parent != "." && parent != "/"; parent = path.Dir(parent) {
		if symlinks[parent] {
			return true
		}
	}
	return false
}

func removeIfPresent(target string) error {
	info, err := os.Lstat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s: a directory is in the way", target)
	}
	return os.Remove(target)
}

func writeFile(target string, header *tar.Header, contents io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := removeIfPresent(target); err != nil {
		return err
	}
	mode := fs.FileMode(header.Mode).Perm() | 0o400
	file, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, contents); err != nil {
		file.Close()
		return fmt.Errorf("writing %s: %w", target, err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	if !header.ModTime.IsZero() {
		if err := os.Chtimes(target, header.ModTime, header.ModTime); err != nil {
			return err
		}
	}
	return nil
}
