// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"fmt"
	"strings"
)

// ArchiveExtension marks the archive component of a locator.
const ArchiveExtension = ".tar.gz"

// Locator names a subtree inside a bundle archive.
type Locator struct {
	// BundlePath is the archive's path or URL, ending in .tar.gz.
	BundlePath string

	// Subpath is the normalised path inside the archive; "" is the
	// archive root.
	Subpath string
}

// ParseLocator splits "<prefix>/<uuid>.tar.gz/<subpath>" at the first
// path component ending in .tar.gz.
//
//	ParseLocator("https://store/bundles/0x12.tar.gz/data/train")
//	// Locator{BundlePath: "https://store/bundles/0x12.tar.gz", Subpath: "data/train"}
func ParseLocator(locator string) (Locator, error) {
	searchFrom := 0
	if scheme := strings.Index(locator, "://"); scheme >= 0 {
		searchFrom = scheme + len("://")
	}

	offset := searchFrom
	for offset <= len(locator) {
		end := strings.IndexByte(locator[offset:], '/')
		if end < 0 {
			end = len(locator)
		} else {
			end += offset
		}
		if strings.HasSuffix(locator[offset:end], ArchiveExtension) {
			return Locator{
				BundlePath: locator[:end],
				Subpath:    NormalizeName(locator[end:]),
			}, nil
		}
		offset = end + 1
	}
	return Locator{}, fmt.Errorf("locator %q has no %s component", locator, ArchiveExtension)
}

// String returns the locator in the form ParseLocator accepts.
func (l Locator) String() string {
	if l.Subpath == "" {
		return l.BundlePath
	}
	return l.BundlePath + "/" + l.Subpath
}
