package dispatch

import (
	"context"
	"io"
	"os"
	"syscall"

	"github.com/jacktea/hyport/pkg/drive"
	"github.com/jacktea/hyport/pkg/xerrors"
)

const copyBufferSize = 128 << 10

// NewReader returns a sequential reader over h starting at off. Failures are
// reported as the syscall.Errno the dispatcher returned.
func (d *Dispatcher) NewReader(ctx context.Context, h Handle, off int64) io.Reader {
	return &handleReader{d: d, ctx: ctx, h: h, off: off}
}

// NewWriter returns a sequential writer over h starting at off.
func (d *Dispatcher) NewWriter(ctx context.Context, h Handle, off int64) io.Writer {
	return &handleWriter{d: d, ctx: ctx, h: h, off: off}
}

// ReadFile copies the whole file at path into w. Missing paths are not
// created.
func (d *Dispatcher) ReadFile(ctx context.Context, path string, w io.Writer) (int64, error) {
	path = drive.Clean(path)
	attr, errno := d.Stat(ctx, path)
	if errno != 0 {
		return 0, Error("read", path, errno)
	}
	if attr.IsDir() {
		return 0, Error("read", path, syscall.EISDIR)
	}
	h, errno := d.Open(ctx, path, os.O_RDONLY)
	if errno != 0 {
		return 0, Error("read", path, errno)
	}
	defer d.Release(ctx, h)

	r := &handleReader{d: d, ctx: ctx, h: h}
	n, err := io.CopyBuffer(w, r, make([]byte, copyBufferSize))
	if r.errno != 0 {
		return n, Error("read", path, r.errno)
	}
	return n, xerrors.Wrap(xerrors.KindInternal, "read", path, err)
}

// WriteFile replaces the contents of path with everything read from r,
// creating the file when missing.
func (d *Dispatcher) WriteFile(ctx context.Context, path string, r io.Reader) (int64, error) {
	path = drive.Clean(path)
	attr, errno := d.Stat(ctx, path)
	exists := errno == 0
	if exists && attr.IsDir() {
		return 0, Error("write", path, syscall.EISDIR)
	}
	h, errno := d.Create(ctx, path, os.O_WRONLY)
	if errno != 0 {
		return 0, Error("write", path, errno)
	}
	defer d.Release(ctx, h)
	if exists && attr.Size > 0 {
		if errno := d.Truncate(ctx, path, 0); errno != 0 {
			return 0, Error("write", path, errno)
		}
	}

	w := &handleWriter{d: d, ctx: ctx, h: h}
	n, err := io.CopyBuffer(w, r, make([]byte, copyBufferSize))
	if w.errno != 0 {
		return n, Error("write", path, w.errno)
	}
	return n, xerrors.Wrap(xerrors.KindInternal, "write", path, err)
}

type handleReader struct {
	d     *Dispatcher
	ctx   context.Context
	h     Handle
	off   int64
	errno syscall.Errno
}

func (r *handleReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, errno := r.d.Read(r.ctx, r.h, p, r.off)
	if errno != 0 {
		r.errno = errno
		return 0, errno
	}
	if n == 0 {
		return 0, io.EOF
	}
	r.off += int64(n)
	return n, nil
}

type handleWriter struct {
	d     *Dispatcher
	ctx   context.Context
	h     Handle
	off   int64
	errno syscall.Errno
}

func (w *handleWriter) Write(p []byte) (int, error) {
	n, errno := w.d.Write(w.ctx, w.h, p, w.off)
	w.off += int64(n)
	if errno != 0 {
		w.errno = errno
		return n, errno
	}
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}
