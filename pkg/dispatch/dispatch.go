// Package dispatch translates POSIX-style filesystem calls into drive
// operations. It keeps at most one remote handle open per path, shares it
// between concurrent opens and refuses to delete or move a path while that
// handle is live.
//
// Entry points return a syscall.Errno, zero on success. They are safe for
// concurrent use and block for the duration of the backend calls they make.
package dispatch

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jacktea/hyport/pkg/drive"
	"github.com/jacktea/hyport/pkg/openfile"
	"github.com/jacktea/hyport/pkg/xerrors"
)

// Mode bits reported by Stat.
const (
	ModeFile = syscall.S_IFREG | 0o644
	ModeDir  = syscall.S_IFDIR | 0o755
)

// Attr is the metadata reported for a path.
type Attr struct {
	Mode    uint32
	Size    int64
	Nlink   uint32
	ModTime time.Time
}

// IsDir reports whether the attributes describe a directory.
func (a Attr) IsDir() bool { return a.Mode&syscall.S_IFMT == syscall.S_IFDIR }

// FileMode converts Mode to an os.FileMode.
func (a Attr) FileMode() os.FileMode {
	m := os.FileMode(a.Mode & 0o777)
	if a.IsDir() {
		m |= os.ModeDir
	}
	return m
}

// Options configures a Dispatcher.
type Options struct {
	Logger  logrus.FieldLogger
	Metrics *Metrics
	// Shards sets the number of registry lock shards.
	Shards int
}

// Dispatcher is the explicit context shared by every entry point.
type Dispatcher struct {
	drive   drive.Drive
	files   *openfile.Registry
	handles *handleTable
	log     logrus.FieldLogger
	metrics *Metrics

	// adoptedHook runs after a live record adopts a truncated handle and
	// before that handle is committed. Nil outside tests.
	adoptedHook func(path string)
}

// New returns a Dispatcher over d. The caller keeps ownership of d.
func New(d drive.Drive, opts Options) *Dispatcher {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		drive:   d,
		files:   openfile.New(openfile.Options{Shards: opts.Shards, Logger: log}),
		handles: newHandleTable(),
		log:     log.WithField("component", "dispatch"),
		metrics: opts.Metrics,
	}
}

// Drive returns the backing drive.
func (d *Dispatcher) Drive() drive.Drive { return d.drive }

func (d *Dispatcher) observe(op string, start time.Time, errno *syscall.Errno) {
	d.metrics.observe(op, start, *errno)
}

// fail logs err and returns code.
func (d *Dispatcher) fail(op, path string, err error, code syscall.Errno) syscall.Errno {
	d.log.WithFields(logrus.Fields{
		"op":   op,
		"path": path,
		"kind": xerrors.KindOf(err).String(),
	}).WithError(err).Debug("operation failed")
	return code
}

// Stat reports attributes for path. Regular files carry their size; every
// other entry is presented as an empty directory.
func (d *Dispatcher) Stat(ctx context.Context, path string) (attr Attr, errno syscall.Errno) {
	defer d.observe("stat", time.Now(), &errno)
	path = drive.Clean(path)
	info, err := d.drive.Stat(ctx, path)
	if err != nil {
		return Attr{}, d.fail("stat", path, err, ErrNotExist)
	}
	if info.Type == drive.TypeFile {
		return Attr{Mode: ModeFile, Size: info.Size, Nlink: 1, ModTime: info.ModTime}, 0
	}
	return Attr{Mode: ModeDir, Nlink: 1, ModTime: info.ModTime}, 0
}

// List calls emit with the name of every child of path, then with "." and,
// except for the root, "..".
func (d *Dispatcher) List(ctx context.Context, path string, emit func(name string)) (errno syscall.Errno) {
	defer d.observe("list", time.Now(), &errno)
	path = drive.Clean(path)
	err := d.drive.List(ctx, path, func(props []drive.Property) bool {
		if name, ok := drive.Lookup(props, drive.PropName); ok {
			emit(name)
		}
		return true
	})
	if err != nil {
		return d.fail("list", path, err, ErrUnavailable)
	}
	emit(".")
	if path != "/" {
		emit("..")
	}
	return 0
}

// Mkdir creates a directory.
func (d *Dispatcher) Mkdir(ctx context.Context, path string) (errno syscall.Errno) {
	defer d.observe("mkdir", time.Now(), &errno)
	path = drive.Clean(path)
	if err := d.drive.Mkdir(ctx, path); err != nil {
		return d.fail("mkdir", path, err, ErrRejected)
	}
	return 0
}

// Unlink deletes path unless it has a live open-file record.
func (d *Dispatcher) Unlink(ctx context.Context, path string) (errno syscall.Errno) {
	defer d.observe("unlink", time.Now(), &errno)
	return d.remove(ctx, "unlink", path)
}

// Rmdir is Unlink.
func (d *Dispatcher) Rmdir(ctx context.Context, path string) (errno syscall.Errno) {
	defer d.observe("rmdir", time.Now(), &errno)
	return d.remove(ctx, "rmdir", path)
}

func (d *Dispatcher) remove(ctx context.Context, op, path string) syscall.Errno {
	path = drive.Clean(path)
	if d.files.Busy(path) {
		return d.fail(op, path, xerrors.E(xerrors.KindConflict, op, path), ErrRejected)
	}
	if err := d.drive.Delete(ctx, path); err != nil {
		return d.fail(op, path, err, ErrRejected)
	}
	return 0
}

// Rename moves from to to unless either path has a live open-file record.
func (d *Dispatcher) Rename(ctx context.Context, from, to string) (errno syscall.Errno) {
	defer d.observe("rename", time.Now(), &errno)
	from, to = drive.Clean(from), drive.Clean(to)
	for _, p := range []string{from, to} {
		if d.files.Busy(p) {
			return d.fail("rename", p, xerrors.E(xerrors.KindConflict, "rename", p), ErrRejected)
		}
	}
	if err := d.drive.Move(ctx, from, to); err != nil {
		return d.fail("rename", from, err, ErrRejected)
	}
	return 0
}

// Utimens accepts and ignores timestamp updates.
func (d *Dispatcher) Utimens(ctx context.Context, path string) syscall.Errno {
	return 0
}

// OpenRecords returns the number of paths with a cached remote handle.
func (d *Dispatcher) OpenRecords() int { return d.files.Len() }

// OpenHandles returns the number of handles not yet released.
func (d *Dispatcher) OpenHandles() int { return d.handles.len() }

// Busy reports whether path has a live open-file record.
func (d *Dispatcher) Busy(path string) bool { return d.files.Busy(drive.Clean(path)) }

// Close invalidates every outstanding handle and tears down all records,
// committing and closing their remote handles.
func (d *Dispatcher) Close(ctx context.Context) error {
	dropped := d.handles.drain()
	if len(dropped) > 0 {
		d.log.WithField("handles", len(dropped)).Warn("closing with unreleased handles")
	}
	err := d.files.Drain()
	d.metrics.setRecords(0)
	return err
}
