// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package depfs

import (
	"archive/tar"
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/bundleworker/lib/archive"
)

// ErrNotDirectory reports a subtree whose root is not a directory.
var ErrNotDirectory = errors.New("subtree root is not a directory")

// treeNode is one path in the mounted subtree. Directories keep their
// children in archive order.
type treeNode struct {
	entry    archive.Entry
	children map[string]*treeNode
	order    []string
}

func newDirectory(name string) *treeNode {
	return &treeNode{
		entry:    archive.Entry{Name: name, Type: tar.TypeDir, Mode: 0o755},
		children: make(map[string]*treeNode),
	}
}

// buildTree arranges descendants (names relative to the subtree root)
// into a tree. Parents that have no entry of their own become synthetic
// directories. A later entry for the same path replaces an earlier one,
// matching tar extraction.
func buildTree(descendants []archive.Entry) (*treeNode, error) {
	root := newDirectory("")

	for _, entry := range descendants {
		if entry.Name == "" {
			if !entry.IsDir() {
				return nil, ErrNotDirectory
			}
			root.entry = entry
			continue
		}

		parent := root
		components := strings.Split(entry.Name, "/")
		for i, component := range components[:len(components)-1] {
			child, ok := parent.children[component]
			if !ok {
				child = newDirectory(strings.Join(components[:i+1], "/"))
				parent.add(component, child)
			}
			if !child.entry.IsDir() {
				return nil, fmt.Errorf("%q is beneath non-directory %q", entry.Name, child.entry.Name)
			}
			parent = child
		}

		leaf := components[len(components)-1]
		if existing, ok := parent.children[leaf]; ok {
			if existing.entry.IsDir() && entry.IsDir() {
				existing.entry = entry
				continue
			}
			existing.entry = entry
			existing.children = nil
			existing.order = nil
			if entry.IsDir() {
				existing.children = make(map[string]*treeNode)
			}
			continue
		}

		node := &treeNode{entry: entry}
		if entry.IsDir() {
			node.children = make(map[string]*treeNode)
		}
		parent.add(leaf, node)
	}
	return root, nil
}

func (n *treeNode) add(name string, child *treeNode) {
	n.children[name] = child
	n.order = append(n.order, name)
}
