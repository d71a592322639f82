package nfs

import (
	"context"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/google/uuid"

	"github.com/jacktea/hyport/pkg/dispatch"
	"github.com/jacktea/hyport/pkg/drive"
)

// filesystem presents a dispatcher as a billy.Filesystem rooted at root.
type filesystem struct {
	ctx  context.Context
	d    *dispatch.Dispatcher
	root string
}

func newFilesystem(ctx context.Context, d *dispatch.Dispatcher, export string) (*filesystem, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	export = drive.Clean(export)
	attr, errno := d.Stat(ctx, export)
	if errno != 0 {
		return nil, pathErr("stat", export, errno)
	}
	if !attr.IsDir() {
		return nil, &os.PathError{Op: "export", Path: export, Err: syscall.ENOTDIR}
	}
	return &filesystem{ctx: ctx, d: d, root: export}, nil
}

func (f *filesystem) Create(filename string) (billy.File, error) {
	return f.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o666)
}

func (f *filesystem) Open(filename string) (billy.File, error) {
	return f.OpenFile(filename, os.O_RDONLY, 0)
}

func (f *filesystem) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	full, err := f.resolve(filename)
	if err != nil {
		return nil, err
	}
	attr, errno := f.d.Stat(f.ctx, full)
	exists := errno == 0
	switch {
	case exists && attr.IsDir():
		return nil, &os.PathError{Op: "open", Path: filename, Err: syscall.EISDIR}
	case exists && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, &os.PathError{Op: "open", Path: filename, Err: os.ErrExist}
	case !exists && flag&os.O_CREATE == 0:
		return nil, pathErr("open", filename, errno)
	}

	writable := flag&(os.O_WRONLY|os.O_RDWR) != 0
	if exists && writable && flag&os.O_TRUNC != 0 && attr.Size > 0 {
		if errno := f.d.Truncate(f.ctx, full, 0); errno != 0 {
			return nil, pathErr("truncate", filename, errno)
		}
		attr.Size = 0
	}

	var h dispatch.Handle
	if exists {
		h, errno = f.d.Open(f.ctx, full, flag)
	} else {
		h, errno = f.d.Create(f.ctx, full, flag)
	}
	if errno != 0 {
		return nil, pathErr("open", filename, errno)
	}
	var offset int64
	if flag&os.O_APPEND != 0 {
		offset = attr.Size
	}
	return &file{fs: f, h: h, name: filename, path: full, offset: offset}, nil
}

func (f *filesystem) Stat(filename string) (os.FileInfo, error) {
	full, err := f.resolve(filename)
	if err != nil {
		return nil, err
	}
	attr, errno := f.d.Stat(f.ctx, full)
	if errno != 0 {
		return nil, pathErr("stat", filename, errno)
	}
	return fileInfo{name: path.Base(full), attr: attr}, nil
}

func (f *filesystem) Lstat(filename string) (os.FileInfo, error) {
	return f.Stat(filename)
}

func (f *filesystem) Rename(oldpath, newpath string) error {
	oldFull, err := f.resolve(oldpath)
	if err != nil {
		return err
	}
	newFull, err := f.resolve(newpath)
	if err != nil {
		return err
	}
	return pathErr("rename", oldpath, f.d.Rename(f.ctx, oldFull, newFull))
}

func (f *filesystem) Remove(filename string) error {
	full, err := f.resolve(filename)
	if err != nil {
		return err
	}
	attr, errno := f.d.Stat(f.ctx, full)
	if errno != 0 {
		return pathErr("remove", filename, errno)
	}
	if attr.IsDir() {
		return pathErr("remove", filename, f.d.Rmdir(f.ctx, full))
	}
	return pathErr("remove", filename, f.d.Unlink(f.ctx, full))
}

func (f *filesystem) ReadDir(p string) ([]os.FileInfo, error) {
	full, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	var names []string
	errno := f.d.List(f.ctx, full, func(name string) {
		if name != "." && name != ".." {
			names = append(names, name)
		}
	})
	if errno != 0 {
		return nil, pathErr("readdir", p, errno)
	}
	sort.Strings(names)
	out := make([]os.FileInfo, 0, len(names))
	for _, name := range names {
		attr, errno := f.d.Stat(f.ctx, path.Join(full, name))
		if errno != 0 {
			// removed since listing
			continue
		}
		out = append(out, fileInfo{name: name, attr: attr})
	}
	return out, nil
}

func (f *filesystem) MkdirAll(filename string, perm os.FileMode) error {
	full, err := f.resolve(filename)
	if err != nil {
		return err
	}
	cur := "/"
	for _, part := range strings.Split(strings.TrimPrefix(full, "/"), "/") {
		if part == "" {
			continue
		}
		cur = path.Join(cur, part)
		attr, errno := f.d.Stat(f.ctx, cur)
		if errno == 0 {
			if !attr.IsDir() {
				return &os.PathError{Op: "mkdir", Path: cur, Err: syscall.ENOTDIR}
			}
			continue
		}
		if errno := f.d.Mkdir(f.ctx, cur); errno != 0 {
			return pathErr("mkdir", cur, errno)
		}
	}
	return nil
}

func (f *filesystem) Symlink(target, link string) error {
	return billy.ErrNotSupported
}

func (f *filesystem) Readlink(link string) (string, error) {
	return "", billy.ErrNotSupported
}

func (f *filesystem) TempFile(dir, prefix string) (billy.File, error) {
	if dir == "" {
		dir = "/"
	}
	return f.OpenFile(f.Join(dir, prefix+uuid.NewString()), os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o600)
}

func (f *filesystem) Chroot(p string) (billy.Filesystem, error) {
	full, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	return newFilesystem(f.ctx, f.d, full)
}

func (f *filesystem) Root() string {
	return f.root
}

func (f *filesystem) Join(elem ...string) string {
	res := path.Join(elem...)
	if res == "" {
		return "/"
	}
	return res
}

func (f *filesystem) Chmod(string, os.FileMode) error {
	return os.ErrPermission
}

func (f *filesystem) Lchown(string, int, int) error {
	return os.ErrPermission
}

func (f *filesystem) Chown(string, int, int) error {
	return os.ErrPermission
}

func (f *filesystem) Chtimes(name string, atime, mtime time.Time) error {
	full, err := f.resolve(name)
	if err != nil {
		return err
	}
	return pathErr("chtimes", name, f.d.Utimens(f.ctx, full))
}

func (f *filesystem) resolve(p string) (string, error) {
	clean := drive.Clean(p)
	if f.root == "/" {
		return clean, nil
	}
	combined := path.Join(f.root, clean)
	if combined != f.root && !strings.HasPrefix(combined, f.root+"/") {
		return "", &os.PathError{Op: "resolve", Path: p, Err: os.ErrPermission}
	}
	return combined, nil
}

// pathErr wraps a non-zero errno so that os.IsNotExist and friends work on
// the result.
func pathErr(op, p string, errno syscall.Errno) error {
	if errno == 0 {
		return nil
	}
	return &os.PathError{Op: op, Path: p, Err: errno}
}

type fileInfo struct {
	name string
	attr dispatch.Attr
}

func (i fileInfo) Name() string       { return i.name }
func (i fileInfo) Size() int64        { return i.attr.Size }
func (i fileInfo) Mode() os.FileMode  { return i.attr.FileMode() }
func (i fileInfo) ModTime() time.Time { return i.attr.ModTime }
func (i fileInfo) IsDir() bool        { return i.attr.IsDir() }
func (i fileInfo) Sys() interface{}   { return nil }

// file is one dispatcher handle plus a cursor.
type file struct {
	fs   *filesystem
	h    dispatch.Handle
	name string
	path string

	mu     sync.Mutex
	offset int64
	closed bool
}

var _ billy.File = (*file)(nil)

func (f *file) Name() string { return f.name }

func (f *file) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	n, err := f.readAt(p, f.offset)
	f.offset += int64(n)
	if n > 0 && err == io.EOF {
		err = nil
	}
	return n, err
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	return f.readAt(p, off)
}

func (f *file) readAt(p []byte, off int64) (int, error) {
	n, errno := f.fs.d.Read(f.fs.ctx, f.h, p, off)
	if errno != 0 {
		return 0, pathErr("read", f.name, errno)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *file) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	n, errno := f.fs.d.Write(f.fs.ctx, f.h, p, f.offset)
	if errno != 0 {
		return 0, pathErr("write", f.name, errno)
	}
	f.offset += int64(n)
	return n, nil
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = f.offset + offset
	case io.SeekEnd:
		attr, errno := f.fs.d.Stat(f.fs.ctx, f.path)
		if errno != 0 {
			return f.offset, pathErr("seek", f.name, errno)
		}
		next = attr.Size + offset
	default:
		return f.offset, os.ErrInvalid
	}
	if next < 0 {
		return f.offset, os.ErrInvalid
	}
	f.offset = next
	return next, nil
}

func (f *file) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return pathErr("close", f.name, f.fs.d.Release(f.fs.ctx, f.h))
}

func (f *file) Lock() error   { return nil }
func (f *file) Unlock() error { return nil }

func (f *file) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	if errno := f.fs.d.Truncate(f.fs.ctx, f.path, size); errno != 0 {
		return pathErr("truncate", f.name, errno)
	}
	if f.offset > size {
		f.offset = size
	}
	return nil
}
