//go:build linux

package fuse

import (
	"context"
	"log"
	"os"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jacktea/hyport/pkg/dispatch"
	"github.com/jacktea/hyport/pkg/drive"
)

// Mount serves d at mountpoint until ctx is cancelled or the filesystem is
// unmounted externally. The caller closes d afterwards.
func Mount(ctx context.Context, d *dispatch.Dispatcher, mountpoint string, opts Options) error {
	if d == nil {
		return errors.New("fuse: nil dispatcher")
	}
	opts = opts.withDefaults()
	logger := opts.Logger.WithField("component", "fuse")
	debugOut := logger.WriterLevel(logrus.DebugLevel)
	defer debugOut.Close()

	root := &node{d: d, owner: currentOwner()}
	server, err := gofuse.Mount(mountpoint, root, &gofuse.Options{
		AttrTimeout:  &opts.AttrTimeout,
		EntryTimeout: &opts.EntryTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     opts.FsName,
			Name:       "hyport",
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
			Logger:     log.New(debugOut, "", 0),
		},
	})
	if err != nil {
		return errors.Wrapf(err, "mount %s", mountpoint)
	}
	logger.WithField("mountpoint", mountpoint).Info("mounted")

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := server.Unmount(); err != nil {
				logger.WithError(err).Warn("unmount")
			}
		case <-done:
		}
	}()
	server.Wait()
	close(done)
	logger.WithField("mountpoint", mountpoint).Info("unmounted")
	if err := ctx.Err(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// node is a file or directory. Its path is derived from the inode tree so
// that renames performed by the kernel are reflected without bookkeeping.
type node struct {
	gofuse.Inode
	d     *dispatch.Dispatcher
	owner fuse.Owner
}

var (
	_ gofuse.NodeLookuper  = (*node)(nil)
	_ gofuse.NodeGetattrer = (*node)(nil)
	_ gofuse.NodeSetattrer = (*node)(nil)
	_ gofuse.NodeReaddirer = (*node)(nil)
	_ gofuse.NodeMkdirer   = (*node)(nil)
	_ gofuse.NodeCreater   = (*node)(nil)
	_ gofuse.NodeOpener    = (*node)(nil)
	_ gofuse.NodeUnlinker  = (*node)(nil)
	_ gofuse.NodeRmdirer   = (*node)(nil)
	_ gofuse.NodeRenamer   = (*node)(nil)
)

func (n *node) path() string {
	return drive.Clean("/" + n.Path(nil))
}

func (n *node) child(ctx context.Context, p string, attr dispatch.Attr, out *fuse.EntryOut) *gofuse.Inode {
	fa := toAttr(p, attr, n.owner)
	out.NodeId = fa.Ino
	out.Attr = fa
	child := &node{d: n.d, owner: n.owner}
	return n.NewInode(ctx, child, gofuse.StableAttr{Mode: fa.Mode & syscall.S_IFMT, Ino: fa.Ino})
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	p := joinPath(n.path(), name)
	attr, errno := n.d.Stat(ctx, p)
	if errno != 0 {
		return nil, errno
	}
	return n.child(ctx, p, attr, out), 0
}

func (n *node) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	p := n.path()
	attr, errno := n.d.Stat(ctx, p)
	if errno != 0 {
		return errno
	}
	out.Attr = toAttr(p, attr, n.owner)
	return 0
}

func (n *node) Setattr(ctx context.Context, fh gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	p := n.path()
	if size, ok := in.GetSize(); ok {
		if errno := n.d.Truncate(ctx, p, int64(size)); errno != 0 {
			return errno
		}
	}
	_, hasAtime := in.GetATime()
	_, hasMtime := in.GetMTime()
	if hasAtime || hasMtime {
		if errno := n.d.Utimens(ctx, p); errno != 0 {
			return errno
		}
	}
	return n.Getattr(ctx, fh, out)
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, errno := listDir(ctx, n.d, n.path())
	if errno != 0 {
		return nil, errno
	}
	return gofuse.NewListDirStream(toDirEntries(entries)), 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	p := joinPath(n.path(), name)
	if errno := n.d.Mkdir(ctx, p); errno != 0 {
		return nil, errno
	}
	attr, errno := n.d.Stat(ctx, p)
	if errno != 0 {
		return nil, errno
	}
	return n.child(ctx, p, attr, out), 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	p := joinPath(n.path(), name)
	h, errno := n.d.Create(ctx, p, int(flags))
	if errno != 0 {
		return nil, nil, 0, errno
	}
	attr, errno := n.d.Stat(ctx, p)
	if errno != 0 {
		n.d.Release(ctx, h)
		return nil, nil, 0, errno
	}
	return n.child(ctx, p, attr, out), &fileHandle{d: n.d, h: h}, 0, 0
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	p := n.path()
	if truncating(flags) {
		if errno := n.d.Truncate(ctx, p, 0); errno != 0 {
			return nil, 0, errno
		}
	}
	h, errno := n.d.Open(ctx, p, int(flags))
	if errno != 0 {
		return nil, 0, errno
	}
	return &fileHandle{d: n.d, h: h}, 0, 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.d.Unlink(ctx, joinPath(n.path(), name))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.d.Rmdir(ctx, joinPath(n.path(), name))
}

func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.EINVAL
	}
	to := joinPath(drive.Clean("/"+newParent.EmbeddedInode().Path(nil)), newName)
	return n.d.Rename(ctx, joinPath(n.path(), name), to)
}

// fileHandle carries a dispatcher handle from open to release.
type fileHandle struct {
	d *dispatch.Dispatcher
	h dispatch.Handle
}

var (
	_ gofuse.FileReader   = (*fileHandle)(nil)
	_ gofuse.FileWriter   = (*fileHandle)(nil)
	_ gofuse.FileReleaser = (*fileHandle)(nil)
	_ gofuse.FileFlusher  = (*fileHandle)(nil)
)

func (f *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, errno := f.d.Read(ctx, f.h, dest, off)
	if errno != 0 {
		return nil, errno
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (f *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, errno := f.d.Write(ctx, f.h, data, off)
	if errno != 0 {
		return 0, errno
	}
	return uint32(n), 0
}

// Flush is called on every close(2) of a descriptor; writes are already
// forwarded so there is nothing to do until Release.
func (f *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

func (f *fileHandle) Release(ctx context.Context) syscall.Errno {
	return f.d.Release(ctx, f.h)
}

func toAttr(p string, attr dispatch.Attr, owner fuse.Owner) fuse.Attr {
	size := attr.Size
	if size < 0 {
		size = 0
	}
	out := fuse.Attr{
		Ino:     inodeForPath(p),
		Mode:    attr.Mode,
		Size:    uint64(size),
		Blocks:  (uint64(size) + 511) / 512,
		Blksize: defaultBlkSz,
		Nlink:   attr.Nlink,
		Owner:   owner,
	}
	mtime := attr.ModTime
	if mtime.IsZero() {
		mtime = processStart
	}
	out.SetTimes(&mtime, &mtime, &mtime)
	return out
}

func toDirEntries(entries []dirEntry) []fuse.DirEntry {
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, fuse.DirEntry{Name: e.name, Mode: e.mode, Ino: e.ino})
	}
	return out
}

func currentOwner() fuse.Owner {
	return fuse.Owner{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())}
}
