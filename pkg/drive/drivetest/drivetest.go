// Package drivetest provides an instrumented drive wrapper for tests and a
// conformance suite shared by every backend.
package drivetest

import (
	"context"
	"sync"

	"github.com/jacktea/hyport/pkg/drive"
	"github.com/jacktea/hyport/pkg/drive/billydrive"
)

// Op names a drive or file call.
type Op string

const (
	OpStat   Op = "stat"
	OpList   Op = "list"
	OpMkdir  Op = "mkdir"
	OpDelete Op = "delete"
	OpMove   Op = "move"
	OpOpen   Op = "open"
	OpSeek   Op = "seek"
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpCommit Op = "commit"
	OpClose  Op = "close"
)

// Drive wraps another drive, counting every call per path and failing
// selected operations on demand.
type Drive struct {
	inner drive.Drive

	mu                sync.Mutex
	calls             map[Op]map[string]int
	fail              map[Op]error
	commitUnsupported bool
	open              int
	openHook          func(path string)
}

var _ drive.Drive = (*Drive)(nil)

// New wraps an empty in-memory drive.
func New() *Drive {
	return Wrap(billydrive.NewMemory())
}

// Wrap instruments inner.
func Wrap(inner drive.Drive) *Drive {
	return &Drive{
		inner: inner,
		calls: make(map[Op]map[string]int),
		fail:  make(map[Op]error),
	}
}

// FailOn makes every subsequent op return err. A nil err clears the fault.
func (d *Drive) FailOn(op Op, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.fail, op)
		return
	}
	d.fail[op] = err
}

// CommitUnsupported makes Commit report drive.ErrNotSupported without
// reaching the wrapped drive.
func (d *Drive) CommitUnsupported(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commitUnsupported = v
}

// OnOpen installs fn to run before each OpenFile reaches the wrapped drive.
func (d *Drive) OnOpen(fn func(path string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openHook = fn
}

// Count returns how many times op ran across all paths.
func (d *Drive) Count(op Op) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, n := range d.calls[op] {
		total += n
	}
	return total
}

// Calls returns how many times op ran on path.
func (d *Drive) Calls(op Op, path string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op][drive.Clean(path)]
}

// OpenFiles returns the number of handles opened and not yet closed.
func (d *Drive) OpenFiles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Reset clears all counters and faults.
func (d *Drive) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = make(map[Op]map[string]int)
	d.fail = make(map[Op]error)
	d.commitUnsupported = false
}

func (d *Drive) record(op Op, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.calls[op]
	if m == nil {
		m = make(map[string]int)
		d.calls[op] = m
	}
	m[drive.Clean(path)]++
	return d.fail[op]
}

// Name implements drive.Drive.
func (d *Drive) Name() string { return "test+" + d.inner.Name() }

// Stat implements drive.Drive.
func (d *Drive) Stat(ctx context.Context, path string) (drive.FileInfo, error) {
	if err := d.record(OpStat, path); err != nil {
		return drive.FileInfo{}, err
	}
	return d.inner.Stat(ctx, path)
}

// List implements drive.Drive.
func (d *Drive) List(ctx context.Context, path string, fn drive.ListFunc) error {
	if err := d.record(OpList, path); err != nil {
		return err
	}
	return d.inner.List(ctx, path, fn)
}

// Mkdir implements drive.Drive.
func (d *Drive) Mkdir(ctx context.Context, path string) error {
	if err := d.record(OpMkdir, path); err != nil {
		return err
	}
	return d.inner.Mkdir(ctx, path)
}

// Delete implements drive.Drive.
func (d *Drive) Delete(ctx context.Context, path string) error {
	if err := d.record(OpDelete, path); err != nil {
		return err
	}
	return d.inner.Delete(ctx, path)
}

// Move implements drive.Drive.
func (d *Drive) Move(ctx context.Context, from, to string) error {
	if err := d.record(OpMove, from); err != nil {
		return err
	}
	return d.inner.Move(ctx, from, to)
}

// OpenFile implements drive.Drive.
func (d *Drive) OpenFile(ctx context.Context, path string, mode drive.OpenMode) (drive.File, error) {
	if err := d.record(OpOpen, path); err != nil {
		return nil, err
	}
	d.mu.Lock()
	hook := d.openHook
	d.mu.Unlock()
	if hook != nil {
		hook(drive.Clean(path))
	}
	f, err := d.inner.OpenFile(ctx, path, mode)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.open++
	d.mu.Unlock()
	return &file{d: d, path: drive.Clean(path), inner: f}, nil
}

// Close implements drive.Drive.
func (d *Drive) Close() error { return d.inner.Close() }

type file struct {
	d     *Drive
	path  string
	inner drive.File

	mu     sync.Mutex
	closed bool
}

func (f *file) Read(p []byte) (int, error) {
	if err := f.d.record(OpRead, f.path); err != nil {
		return 0, err
	}
	return f.inner.Read(p)
}

func (f *file) Write(p []byte) (int, error) {
	if err := f.d.record(OpWrite, f.path); err != nil {
		return 0, err
	}
	return f.inner.Write(p)
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	if err := f.d.record(OpSeek, f.path); err != nil {
		return 0, err
	}
	return f.inner.Seek(offset, whence)
}

func (f *file) Commit() error {
	if err := f.d.record(OpCommit, f.path); err != nil {
		return err
	}
	f.d.mu.Lock()
	unsupported := f.d.commitUnsupported
	f.d.mu.Unlock()
	if unsupported {
		return drive.ErrNotSupported
	}
	return f.inner.Commit()
}

func (f *file) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return drive.ErrClosed
	}
	f.closed = true
	f.mu.Unlock()

	f.d.mu.Lock()
	f.d.open--
	f.d.mu.Unlock()
	if err := f.d.record(OpClose, f.path); err != nil {
		f.inner.Close()
		return err
	}
	return f.inner.Close()
}
