package fuse

import (
	"context"
	"hash/fnv"
	stdpath "path"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jacktea/hyport/pkg/dispatch"
	"github.com/jacktea/hyport/pkg/drive"
)

const (
	defaultAttrTimeout  = 2 * time.Second
	defaultEntryTimeout = 2 * time.Second
	defaultBlkSz        = 4096
)

// processStart stands in for timestamps a drive does not report.
var processStart = time.Now()

// Options configures a mount.
type Options struct {
	// FsName is shown as the source column in mount(8).
	FsName       string
	AttrTimeout  time.Duration
	EntryTimeout time.Duration
	AllowOther   bool
	Debug        bool
	Logger       logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.FsName == "" {
		o.FsName = "hyport"
	}
	if o.AttrTimeout <= 0 {
		o.AttrTimeout = defaultAttrTimeout
	}
	if o.EntryTimeout <= 0 {
		o.EntryTimeout = defaultEntryTimeout
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

func joinPath(base, name string) string {
	return drive.Clean(stdpath.Join(base, name))
}

func parentPath(p string) string {
	return drive.Clean(stdpath.Dir(drive.Clean(p)))
}

func inodeForPath(p string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(p))
	ino := h.Sum64()
	if ino == 0 {
		return 1
	}
	return ino
}

// dirEntry is a directory listing row before conversion to the kernel type.
type dirEntry struct {
	name string
	mode uint32
	ino  uint64
}

// listDir collects the dispatcher listing of p. Children carry no type so the
// kernel falls back to lookup; "." and ".." are reported as directories.
func listDir(ctx context.Context, d *dispatch.Dispatcher, p string) ([]dirEntry, syscall.Errno) {
	var entries []dirEntry
	errno := d.List(ctx, p, func(name string) {
		switch name {
		case ".":
			entries = append(entries, dirEntry{name: name, mode: syscall.S_IFDIR, ino: inodeForPath(p)})
		case "..":
			entries = append(entries, dirEntry{name: name, mode: syscall.S_IFDIR, ino: inodeForPath(parentPath(p))})
		default:
			entries = append(entries, dirEntry{name: name, ino: inodeForPath(joinPath(p, name))})
		}
	})
	if errno != 0 {
		return nil, errno
	}
	return entries, 0
}

func truncating(flags uint32) bool {
	return flags&syscall.O_TRUNC != 0
}
