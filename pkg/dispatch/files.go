package dispatch

import (
	"context"
	"io"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/jacktea/hyport/pkg/drive"
	"github.com/jacktea/hyport/pkg/openfile"
)

// Open returns a handle on the shared record for path, creating the record
// when none exists. flags carries the caller's open(2) access mode, which
// gates Read and Write on the returned handle.
func (d *Dispatcher) Open(ctx context.Context, path string, flags int) (h Handle, errno syscall.Errno) {
	defer d.observe("open", time.Now(), &errno)
	return d.open(ctx, "open", path, flags)
}

// Create behaves like Open; the remote file is created if missing.
func (d *Dispatcher) Create(ctx context.Context, path string, flags int) (h Handle, errno syscall.Errno) {
	defer d.observe("create", time.Now(), &errno)
	return d.open(ctx, "create", path, flags)
}

func (d *Dispatcher) open(ctx context.Context, op, path string, flags int) (Handle, syscall.Errno) {
	path = drive.Clean(path)
	rec, err := d.files.Open(path, func() (drive.File, error) {
		return d.createFile(ctx, path)
	})
	if err != nil {
		return InvalidHandle, d.fail(op, path, err, ErrRejected)
	}
	d.metrics.setRecords(d.files.Len())
	return d.handles.add(rec, flags), 0
}

// createFile opens path for update and commits it once so the file exists
// remotely before it is cached.
func (d *Dispatcher) createFile(ctx context.Context, path string) (drive.File, error) {
	f, err := d.drive.OpenFile(ctx, path, drive.ModeUpdate)
	if err != nil {
		return nil, err
	}
	if err := f.Commit(); err != nil && !errors.Is(err, drive.ErrNotSupported) {
		if cerr := f.Close(); cerr != nil {
			d.log.WithError(cerr).WithField("path", path).Warn("close after failed commit")
		}
		return nil, errors.Wrap(err, "initial commit")
	}
	return f, nil
}

// Read fills buf from offset off. A short count means end of file.
func (d *Dispatcher) Read(ctx context.Context, h Handle, buf []byte, off int64) (n int, errno syscall.Errno) {
	defer d.observe("read", time.Now(), &errno)
	e, ok := d.handles.get(h)
	if !ok {
		return 0, syscall.EBADF
	}
	if !e.canRead() {
		return 0, d.fail("read", e.rec.Path(), errors.New("handle opened write-only"), ErrRejected)
	}
	err := e.rec.Do(func(f drive.File) error {
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			return errors.Wrap(err, "seek")
		}
		var err error
		n, err = io.ReadFull(f, buf)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		return err
	})
	if err != nil {
		return 0, d.fail("read", e.rec.Path(), err, ErrRejected)
	}
	return n, 0
}

// Write sends buf to the backend at offset off immediately.
func (d *Dispatcher) Write(ctx context.Context, h Handle, buf []byte, off int64) (n int, errno syscall.Errno) {
	defer d.observe("write", time.Now(), &errno)
	e, ok := d.handles.get(h)
	if !ok {
		return 0, syscall.EBADF
	}
	if !e.canWrite() {
		return 0, d.fail("write", e.rec.Path(), errors.New("handle opened read-only"), ErrRejected)
	}
	err := e.rec.Do(func(f drive.File) error {
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			return errors.Wrap(err, "seek")
		}
		var err error
		n, err = f.Write(buf)
		return err
	})
	if err != nil {
		return 0, d.fail("write", e.rec.Path(), err, ErrRejected)
	}
	return n, 0
}

// Release drops the reference held by h. The last release of a record
// commits and closes its remote handle. Release always succeeds; teardown
// failures are logged.
func (d *Dispatcher) Release(ctx context.Context, h Handle) (errno syscall.Errno) {
	defer d.observe("release", time.Now(), &errno)
	e, ok := d.handles.remove(h)
	if !ok {
		return 0
	}
	if err := d.files.Release(e.rec); err != nil {
		d.log.WithError(err).WithField("path", e.rec.Path()).Warn("teardown failed")
	}
	d.metrics.setRecords(d.files.Len())
	return 0
}

// Truncate empties path. Only size zero is supported since drives offer no
// in-place truncation. A live record adopts the fresh handle and keeps its
// reference count.
func (d *Dispatcher) Truncate(ctx context.Context, path string, size int64) (errno syscall.Errno) {
	defer d.observe("truncate", time.Now(), &errno)
	path = drive.Clean(path)
	if size != 0 {
		return d.fail("truncate", path, errors.Errorf("unsupported length %d", size), ErrRejected)
	}
	f, err := d.drive.OpenFile(ctx, path, drive.ModeOverwrite)
	if err != nil {
		return d.fail("truncate", path, err, ErrRejected)
	}
	rec, adopted, err := d.files.Swap(path, f)
	if err != nil {
		d.log.WithError(err).WithField("path", path).Warn("close replaced handle")
	}

	if adopted {
		if d.adoptedHook != nil {
			d.adoptedHook(path)
		}
		err = rec.Do(func(f drive.File) error { return f.Commit() })
		if errors.Is(err, openfile.ErrGone) {
			// the record was torn down concurrently, which committed f
			err = nil
		}
	} else {
		err = f.Commit()
	}
	if err != nil && !errors.Is(err, drive.ErrNotSupported) {
		if !adopted {
			f.Close()
		}
		return d.fail("truncate", path, err, ErrRejected)
	}
	if !adopted {
		if err := f.Close(); err != nil {
			return d.fail("truncate", path, err, ErrRejected)
		}
	}
	return 0
}
