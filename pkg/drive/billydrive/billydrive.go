// Package billydrive implements drives on top of go-billy filesystems. The
// "local" driver exposes a host directory and the "mem" driver keeps
// everything in memory.
package billydrive

import (
	"context"
	"os"
	"strconv"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"

	"github.com/jacktea/hyport/pkg/drive"
)

func init() {
	drive.Register("local", func(ctx context.Context, cfg map[string]any) (drive.Drive, error) {
		var c Config
		if err := drive.DecodeConfig(cfg, &c); err != nil {
			return nil, err
		}
		return NewLocal(c)
	})
	drive.Register("mem", func(ctx context.Context, cfg map[string]any) (drive.Drive, error) {
		return NewMemory(), nil
	})
}

// Config configures the local driver.
type Config struct {
	Root string `mapstructure:"root"`
}

// Drive adapts a billy.Filesystem to drive.Drive.
type Drive struct {
	name string
	fs   billy.Filesystem
	// serial is set for filesystems that are not safe for concurrent use.
	serial *sync.Mutex

	mu     sync.Mutex
	closed bool
}

var _ drive.Drive = (*Drive)(nil)

// NewLocal exposes the directory cfg.Root.
func NewLocal(cfg Config) (*Drive, error) {
	if cfg.Root == "" {
		return nil, errors.New("local drive requires root")
	}
	info, err := os.Stat(cfg.Root)
	if err != nil {
		return nil, errors.Wrapf(err, "local drive root %s", cfg.Root)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("local drive root %s is not a directory", cfg.Root)
	}
	// The bound variant hands out plain os files, which keeps Sync reachable
	// for Commit.
	return New("local", osfs.New(cfg.Root, osfs.WithBoundOS())), nil
}

// NewMemory returns an empty in-memory drive.
func NewMemory() *Drive {
	d := New("mem", memfs.New())
	d.serial = &sync.Mutex{}
	return d
}

// New wraps an arbitrary billy filesystem.
func New(name string, fs billy.Filesystem) *Drive {
	return &Drive{name: name, fs: fs}
}

// Name implements drive.Drive.
func (d *Drive) Name() string { return d.name }

// Stat implements drive.Drive.
func (d *Drive) Stat(ctx context.Context, p string) (drive.FileInfo, error) {
	if err := d.check(ctx); err != nil {
		return drive.FileInfo{}, err
	}
	defer d.enter()()
	p = drive.Clean(p)
	if p == "/" {
		return drive.FileInfo{Type: drive.TypeDirectory}, nil
	}
	info, err := d.fs.Stat(p)
	if err != nil {
		return drive.FileInfo{}, mapErr(err, p)
	}
	return fileInfo(info), nil
}

// List implements drive.Drive.
func (d *Drive) List(ctx context.Context, p string, fn drive.ListFunc) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	defer d.enter()()
	p = drive.Clean(p)
	if p != "/" {
		info, err := d.fs.Stat(p)
		if err != nil {
			return mapErr(err, p)
		}
		if !info.IsDir() {
			return errors.Errorf("list %s: not a directory", p)
		}
	}
	infos, err := d.fs.ReadDir(p)
	if err != nil {
		if p == "/" && os.IsNotExist(err) {
			return nil
		}
		return mapErr(err, p)
	}
	for _, info := range infos {
		fi := fileInfo(info)
		props := []drive.Property{
			{Key: drive.PropName, Value: info.Name()},
			{Key: drive.PropType, Value: fi.Type},
			{Key: drive.PropSize, Value: strconv.FormatInt(fi.Size, 10)},
		}
		if !fn(props) {
			return nil
		}
	}
	return nil
}

// Mkdir implements drive.Drive.
func (d *Drive) Mkdir(ctx context.Context, p string) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	defer d.enter()()
	p = drive.Clean(p)
	if _, err := d.fs.Stat(p); err == nil || p == "/" {
		return errors.Wrap(drive.ErrExist, p)
	}
	if err := d.fs.MkdirAll(p, 0o755); err != nil {
		return mapErr(err, p)
	}
	return nil
}

// Delete implements drive.Drive.
func (d *Drive) Delete(ctx context.Context, p string) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	defer d.enter()()
	p = drive.Clean(p)
	if p == "/" {
		return errors.Wrap(drive.ErrNotSupported, "delete root")
	}
	info, err := d.fs.Stat(p)
	if err != nil {
		return mapErr(err, p)
	}
	if info.IsDir() {
		children, err := d.fs.ReadDir(p)
		if err != nil {
			return mapErr(err, p)
		}
		if len(children) > 0 {
			return errors.Wrap(drive.ErrNotEmpty, p)
		}
	}
	if err := d.fs.Remove(p); err != nil {
		return mapErr(err, p)
	}
	return nil
}

// Move implements drive.Drive.
func (d *Drive) Move(ctx context.Context, from, to string) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	defer d.enter()()
	from, to = drive.Clean(from), drive.Clean(to)
	if _, err := d.fs.Stat(from); err != nil {
		return mapErr(err, from)
	}
	if err := d.fs.Rename(from, to); err != nil {
		return mapErr(err, from)
	}
	return nil
}

// OpenFile implements drive.Drive.
func (d *Drive) OpenFile(ctx context.Context, p string, mode drive.OpenMode) (drive.File, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	defer d.enter()()
	p = drive.Clean(p)
	if info, err := d.fs.Stat(p); err == nil && info.IsDir() {
		return nil, errors.Wrap(drive.ErrIsDir, p)
	}
	f, err := d.fs.OpenFile(p, osFlags(mode), 0o644)
	if err != nil {
		return nil, mapErr(err, p)
	}
	return &file{File: f, serial: d.serial}, nil
}

// Close implements drive.Drive.
func (d *Drive) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Drive) enter() func() {
	return lock(d.serial)
}

func lock(mu *sync.Mutex) func() {
	if mu == nil {
		return func() {}
	}
	mu.Lock()
	return mu.Unlock
}

func (d *Drive) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return drive.ErrClosed
	}
	return nil
}

type file struct {
	billy.File
	serial *sync.Mutex
}

func (f *file) Read(p []byte) (int, error) {
	defer lock(f.serial)()
	return f.File.Read(p)
}

func (f *file) Write(p []byte) (int, error) {
	defer lock(f.serial)()
	return f.File.Write(p)
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	defer lock(f.serial)()
	return f.File.Seek(offset, whence)
}

// Commit syncs the file when the underlying filesystem supports it.
func (f *file) Commit() error {
	if s, ok := f.File.(interface{ Sync() error }); ok {
		defer lock(f.serial)()
		return s.Sync()
	}
	return drive.ErrNotSupported
}

func (f *file) Close() error {
	defer lock(f.serial)()
	return f.File.Close()
}

func osFlags(mode drive.OpenMode) int {
	var flags int
	switch {
	case mode.Has(drive.OpenRead | drive.OpenWrite):
		flags = os.O_RDWR
	case mode.Has(drive.OpenWrite):
		flags = os.O_WRONLY
	default:
		flags = os.O_RDONLY
	}
	if mode.Has(drive.OpenCreate) {
		flags |= os.O_CREATE
	}
	if mode.Has(drive.OpenTruncate) {
		flags |= os.O_TRUNC
	}
	return flags
}

func fileInfo(info os.FileInfo) drive.FileInfo {
	if info.IsDir() {
		return drive.FileInfo{Type: drive.TypeDirectory, ModTime: info.ModTime()}
	}
	return drive.FileInfo{Type: drive.TypeFile, Size: info.Size(), ModTime: info.ModTime()}
}

func mapErr(err error, p string) error {
	switch {
	case os.IsNotExist(err):
		return errors.Wrap(drive.ErrNotFound, p)
	case os.IsExist(err):
		return errors.Wrap(drive.ErrExist, p)
	default:
		return errors.Wrap(err, p)
	}
}
