package drive

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"
)

// Drive is the remote drive contract implemented by every backend.
type Drive interface {
	Name() string

	Stat(ctx context.Context, path string) (FileInfo, error)
	List(ctx context.Context, path string, fn ListFunc) error
	Mkdir(ctx context.Context, path string) error
	Delete(ctx context.Context, path string) error
	Move(ctx context.Context, from, to string) error
	OpenFile(ctx context.Context, path string, mode OpenMode) (File, error)

	Close() error
}

// File is an open remote file. Writes become visible to other readers of the
// drive once Commit returns. Backends without an explicit commit step return
// ErrNotSupported from Commit.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	Commit() error
	io.Closer
}

// Entry types reported by Stat and List.
const (
	TypeFile      = "file"
	TypeDirectory = "directory"
)

// FileInfo is the metadata returned by Stat.
type FileInfo struct {
	Type    string
	Size    int64
	ModTime time.Time
}

// IsDir reports whether the entry is anything other than a regular file.
func (fi FileInfo) IsDir() bool { return fi.Type != TypeFile }

// Property keys set on every listed child.
const (
	PropName = "name"
	PropType = "type"
	PropSize = "size"
)

// Property is one key/value attribute of a listed child.
type Property struct {
	Key   string
	Value string
}

// ListFunc is invoked once per child. Returning false stops the listing.
type ListFunc func(props []Property) bool

// Lookup returns the first value stored under key.
func Lookup(props []Property, key string) (string, bool) {
	for _, p := range props {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// OpenMode selects how OpenFile treats the remote file.
type OpenMode uint32

const (
	OpenRead OpenMode = 1 << iota
	OpenWrite
	OpenCreate
	OpenTruncate
)

// Common combinations.
const (
	// ModeUpdate opens for reading and writing, creating the file if needed.
	ModeUpdate = OpenRead | OpenWrite | OpenCreate
	// ModeOverwrite opens for writing, creating or emptying the file.
	ModeOverwrite = OpenWrite | OpenCreate | OpenTruncate
)

// Has reports whether all bits of flag are set.
func (m OpenMode) Has(flag OpenMode) bool { return m&flag == flag }

func (m OpenMode) String() string {
	s := ""
	for _, f := range []struct {
		bit  OpenMode
		name string
	}{{OpenRead, "r"}, {OpenWrite, "w"}, {OpenCreate, "c"}, {OpenTruncate, "t"}} {
		if m.Has(f.bit) {
			s += f.name
		}
	}
	if s == "" {
		return "-"
	}
	return s
}

// Errors returned by Drive implementations.
var (
	ErrNotFound     = Err("not found")
	ErrExist        = Err("already exists")
	ErrNotSupported = Err("not supported")
	ErrNotEmpty     = Err("directory not empty")
	ErrIsDir        = Err("is a directory")
	ErrClosed       = Err("file already closed")
)

// Err is a sentinel error type so callers can check via errors.Is.
type Err string

func (e Err) Error() string { return string(e) }

// Driver is a factory method for plugging in new backends.
type Driver func(ctx context.Context, cfg map[string]any) (Drive, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Driver{}
)

// Register installs a backend driver.
func Register(name string, drv Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = drv
}

// Open instantiates a driver by name.
func Open(ctx context.Context, name string, cfg map[string]any) (Drive, error) {
	driversMu.RLock()
	drv, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, ErrNotSupported
	}
	return drv(ctx, cfg)
}

// Drivers lists the registered driver names.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
