// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package depfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/bundleworker/lib/archive"
)

// Archive is the read side of an archive the filesystem serves from.
// *archive.Reader satisfies it.
type Archive interface {
	Descendants(subpath string) ([]archive.Entry, error)
	ReadAt(entry archive.Entry, offset, length int64) ([]byte, error)
}

// Options configures a mount.
type Options struct {
	// Mountpoint is created if missing.
	Mountpoint string

	Archive Archive

	// Subpath selects the subtree; "" mounts the whole archive.
	Subpath string

	// AllowOther lets other users (the container's) read the mount.
	// Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives read failures. If nil, only errors are logged to
	// stderr.
	Logger *slog.Logger
}

// Available reports whether this process can open /dev/fuse.
func Available() bool {
	return unix.Access("/dev/fuse", unix.R_OK|unix.W_OK) == nil
}

// Mount serves the subtree at the mountpoint. The caller must Unmount
// the returned server.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Archive == nil {
		return nil, fmt.Errorf("archive is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	descendants, err := options.Archive.Descendants(options.Subpath)
	if err != nil {
		return nil, err
	}
	tree, err := buildTree(descendants)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", options.Subpath, err)
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &dirNode{tree: tree, filesystem: &filesystem{archive: options.Archive, logger: options.Logger}}

	// Archive contents never change, so the kernel may cache
	// aggressively.
	entryTimeout := time.Hour
	attrTimeout := time.Hour
	negativeTimeout := time.Hour

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "bundle-dependency",
			Name:       "bundleworker",
			AllowOther: options.AllowOther,
			Options:    []string{"ro"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting dependency filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Debug("dependency filesystem mounted",
		"mountpoint", options.Mountpoint,
		"subpath", options.Subpath,
		"entries", len(descendants),
	)
	return server, nil
}

type filesystem struct {
	archive Archive
	logger  *slog.Logger
}

// fillAttr copies entry metadata with write permission removed.
func fillAttr(entry archive.Entry, kind uint32, out *fuse.Attr) {
	out.Mode = kind | uint32(entry.Mode&0o555)
	if entry.IsRegular() {
		out.Size = uint64(entry.Size)
		out.Blocks = (out.Size + 511) / 512
	}
	if entry.IsSymlink() {
		out.Size = uint64(len(entry.Linkname))
	}
	mtime := entry.ModTime()
	out.SetTimes(nil, &mtime, &mtime)
	out.Nlink = 1
}

// dirNode is a directory. The whole tree is instantiated when the root
// is added, so lookups and listings are served from the kernel-facing
// inode tree without callbacks.
type dirNode struct {
	gofuse.Inode
	tree       *treeNode
	filesystem *filesystem
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeOnAdder = (*dirNode)(nil)
var _ gofuse.NodeGetattrer = (*dirNode)(nil)

// OnAdd is called only for the root; children are populated
// recursively from here.
func (d *dirNode) OnAdd(ctx context.Context) {
	d.populate(ctx)
}

func (d *dirNode) populate(ctx context.Context) {
	for _, name := range d.tree.order {
		child := d.tree.children[name]
		entry := child.entry

		switch {
		case entry.IsDir():
			node := &dirNode{tree: child, filesystem: d.filesystem}
			inode := d.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFDIR})
			d.AddChild(name, inode, false)
			node.populate(ctx)
		case entry.IsRegular():
			inode := d.NewPersistentInode(ctx, &fileNode{entry: entry, filesystem: d.filesystem}, gofuse.StableAttr{Mode: syscall.S_IFREG})
			d.AddChild(name, inode, false)
		case entry.IsSymlink():
			inode := d.NewPersistentInode(ctx, &symlinkNode{entry: entry}, gofuse.StableAttr{Mode: syscall.S_IFLNK})
			d.AddChild(name, inode, false)
		default:
			d.filesystem.logger.Debug("skipping unsupported entry type",
				"name", entry.Name,
				"type", string(entry.Type),
			)
		}
	}
}

func (d *dirNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(d.tree.entry, syscall.S_IFDIR, &out.Attr)
	return 0
}

// fileNode is a regular file whose reads go to the archive.
type fileNode struct {
	gofuse.Inode
	entry      archive.Entry
	filesystem *filesystem
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)
var _ gofuse.NodeReader = (*fileNode)(nil)

func (f *fileNode) Getattr(ctx context.Context, handle gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(f.entry, syscall.S_IFREG, &out.Attr)
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (f *fileNode) Read(ctx context.Context, handle gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := f.filesystem.archive.ReadAt(f.entry, off, int64(len(dest)))
	if err != nil {
		f.filesystem.logger.Error("dependency read failed",
			"name", f.entry.Name,
			"offset", off,
			"error", err,
		)
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(data), 0
}

// symlinkNode returns the archived link target unchanged.
type symlinkNode struct {
	gofuse.Inode
	entry archive.Entry
}

var _ gofuse.InodeEmbedder = (*symlinkNode)(nil)
var _ gofuse.NodeGetattrer = (*symlinkNode)(nil)
var _ gofuse.NodeReadlinker = (*symlinkNode)(nil)

func (s *symlinkNode) Getattr(ctx context.Context, handle gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(s.entry, syscall.S_IFLNK, &out.Attr)
	out.Mode |= 0o777
	return 0
}

func (s *symlinkNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return []byte(s.entry.Linkname), 0
}
