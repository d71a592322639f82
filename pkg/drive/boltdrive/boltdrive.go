// Package boltdrive implements a single-file drive on top of bbolt.
package boltdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/hyport/pkg/drive"
)

var (
	bucketEntries = []byte("entries")
	bucketData    = []byte("data")
)

func init() {
	drive.Register("bolt", func(ctx context.Context, cfg map[string]any) (drive.Drive, error) {
		var c Config
		if err := drive.DecodeConfig(cfg, &c); err != nil {
			return nil, err
		}
		return New(c)
	})
}

// Config configures the bolt driver.
type Config struct {
	Path    string        `mapstructure:"path"`
	NoSync  bool          `mapstructure:"no_sync"`
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxFileSize caps the staged size of an open file. Zero means
	// drive.DefaultMaxBufferSize.
	MaxFileSize int64 `mapstructure:"max_file_size"`
}

// Drive stores entries and file bodies in two buckets keyed by path.
type Drive struct {
	cfg Config
	db  *bolt.DB
}

var _ drive.Drive = (*Drive)(nil)

type entry struct {
	Type    string    `json:"type"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
}

// New opens or creates the database at cfg.Path.
func New(cfg Config) (*Drive, error) {
	if cfg.Path == "" {
		return nil, errors.New("bolt drive: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, errors.Wrap(err, "bolt drive: open")
	}
	d := &Drive{cfg: cfg, db: db}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *Drive) init() error {
	return d.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEntries, bucketData} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return errors.Wrapf(err, "bolt drive: create bucket %s", bucket)
			}
		}
		entries := tx.Bucket(bucketEntries)
		if entries.Get([]byte("/")) == nil {
			return putEntry(tx, "/", entry{Type: drive.TypeDirectory, ModTime: time.Now()})
		}
		return nil
	})
}

// Name implements drive.Drive.
func (d *Drive) Name() string { return "bolt" }

// Stat implements drive.Drive.
func (d *Drive) Stat(ctx context.Context, p string) (drive.FileInfo, error) {
	p = drive.Clean(p)
	var e entry
	err := d.db.View(func(tx *bolt.Tx) error {
		var err error
		e, err = getEntry(tx, p)
		return err
	})
	if err != nil {
		return drive.FileInfo{}, err
	}
	return drive.FileInfo{Type: e.Type, Size: e.Size, ModTime: e.ModTime}, nil
}

// List implements drive.Drive.
func (d *Drive) List(ctx context.Context, p string, fn drive.ListFunc) error {
	p = drive.Clean(p)
	type child struct {
		name string
		e    entry
	}
	var children []child
	err := d.db.View(func(tx *bolt.Tx) error {
		dir, err := getEntry(tx, p)
		if err != nil {
			return err
		}
		if dir.Type != drive.TypeDirectory {
			return errors.Errorf("list %s: not a directory", p)
		}
		prefix := childPrefix(p)
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			rest := string(k[len(prefix):])
			if rest == "" || strings.Contains(rest, "/") {
				continue
			}
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				return errors.Wrapf(err, "decode entry %s", k)
			}
			children = append(children, child{name: rest, e: e})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, c := range children {
		props := []drive.Property{
			{Key: drive.PropName, Value: c.name},
			{Key: drive.PropType, Value: c.e.Type},
			{Key: drive.PropSize, Value: strconv.FormatInt(c.e.Size, 10)},
		}
		if !fn(props) {
			return nil
		}
	}
	return nil
}

// Mkdir implements drive.Drive.
func (d *Drive) Mkdir(ctx context.Context, p string) error {
	p = drive.Clean(p)
	return d.db.Update(func(tx *bolt.Tx) error {
		if _, err := getEntry(tx, p); err == nil {
			return errors.Wrap(drive.ErrExist, p)
		}
		if err := checkParent(tx, p); err != nil {
			return err
		}
		return putEntry(tx, p, entry{Type: drive.TypeDirectory, ModTime: time.Now()})
	})
}

// Delete implements drive.Drive.
func (d *Drive) Delete(ctx context.Context, p string) error {
	p = drive.Clean(p)
	if p == "/" {
		return errors.Wrap(drive.ErrNotSupported, "delete root")
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		e, err := getEntry(tx, p)
		if err != nil {
			return err
		}
		if e.Type == drive.TypeDirectory {
			prefix := childPrefix(p)
			if k, _ := tx.Bucket(bucketEntries).Cursor().Seek(prefix); k != nil && bytes.HasPrefix(k, prefix) {
				return errors.Wrap(drive.ErrNotEmpty, p)
			}
		}
		if err := tx.Bucket(bucketEntries).Delete([]byte(p)); err != nil {
			return err
		}
		return tx.Bucket(bucketData).Delete([]byte(p))
	})
}

// Move implements drive.Drive. Directories move with all descendants in a
// single transaction.
func (d *Drive) Move(ctx context.Context, from, to string) error {
	from, to = drive.Clean(from), drive.Clean(to)
	if from == "/" || strings.HasPrefix(to, childPrefixString(from)) {
		return errors.Errorf("move %s to %s: invalid destination", from, to)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		if _, err := getEntry(tx, from); err != nil {
			return err
		}
		if err := checkParent(tx, to); err != nil {
			return err
		}
		if existing, err := getEntry(tx, to); err == nil && existing.Type == drive.TypeDirectory {
			return errors.Wrap(drive.ErrExist, to)
		}
		entries, data := tx.Bucket(bucketEntries), tx.Bucket(bucketData)
		keys := [][]byte{[]byte(from)}
		prefix := childPrefix(from)
		c := entries.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			dst := []byte(to + string(k[len(from):]))
			if err := rekey(entries, k, dst); err != nil {
				return err
			}
			if err := rekey(data, k, dst); err != nil {
				return err
			}
		}
		return nil
	})
}

// OpenFile implements drive.Drive.
func (d *Drive) OpenFile(ctx context.Context, p string, mode drive.OpenMode) (drive.File, error) {
	p = drive.Clean(p)
	var body []byte
	err := d.db.Update(func(tx *bolt.Tx) error {
		e, err := getEntry(tx, p)
		switch {
		case errors.Is(err, drive.ErrNotFound) && mode.Has(drive.OpenCreate):
			if err := checkParent(tx, p); err != nil {
				return err
			}
			return putEntry(tx, p, entry{Type: drive.TypeFile, ModTime: time.Now()})
		case err != nil:
			return err
		case e.Type != drive.TypeFile:
			return errors.Wrap(drive.ErrIsDir, p)
		}
		body = append(body, tx.Bucket(bucketData).Get([]byte(p))...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	f := &file{d: d, path: p, mode: mode, buf: drive.NewBuffer(body)}
	f.buf.SetLimit(d.cfg.MaxFileSize)
	if mode.Has(drive.OpenTruncate) {
		f.buf.Truncate()
	}
	return f, nil
}

// Close implements drive.Drive.
func (d *Drive) Close() error {
	return d.db.Close()
}

type file struct {
	d    *Drive
	path string
	mode drive.OpenMode
	buf  *drive.Buffer

	mu     sync.Mutex
	closed bool
}

func (f *file) Read(p []byte) (int, error) {
	if !f.mode.Has(drive.OpenRead) {
		return 0, errors.Errorf("read %s: not opened for reading", f.path)
	}
	return f.buf.Read(p)
}

func (f *file) Write(p []byte) (int, error) {
	if !f.mode.Has(drive.OpenWrite) {
		return 0, errors.Errorf("write %s: not opened for writing", f.path)
	}
	return f.buf.Write(p)
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	return f.buf.Seek(offset, whence)
}

// Commit stores the buffered body and updates the entry size.
func (f *file) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return drive.ErrClosed
	}
	return f.flush()
}

func (f *file) flush() error {
	if !f.mode.Has(drive.OpenWrite) || !f.buf.Dirty() {
		return nil
	}
	body := f.buf.Bytes()
	err := f.d.db.Update(func(tx *bolt.Tx) error {
		if err := putEntry(tx, f.path, entry{Type: drive.TypeFile, Size: int64(len(body)), ModTime: time.Now()}); err != nil {
			return err
		}
		return tx.Bucket(bucketData).Put([]byte(f.path), body)
	})
	if err != nil {
		return errors.Wrapf(err, "commit %s", f.path)
	}
	f.buf.MarkClean()
	return nil
}

// Close flushes pending writes.
func (f *file) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return drive.ErrClosed
	}
	f.closed = true
	return f.flush()
}

func getEntry(tx *bolt.Tx, p string) (entry, error) {
	raw := tx.Bucket(bucketEntries).Get([]byte(p))
	if raw == nil {
		return entry{}, errors.Wrap(drive.ErrNotFound, p)
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return entry{}, errors.Wrapf(err, "decode entry %s", p)
	}
	return e, nil
}

func putEntry(tx *bolt.Tx, p string, e entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketEntries).Put([]byte(p), raw)
}

func checkParent(tx *bolt.Tx, p string) error {
	parent, err := getEntry(tx, path.Dir(p))
	if err != nil {
		return err
	}
	if parent.Type != drive.TypeDirectory {
		return errors.Errorf("%s: parent is not a directory", p)
	}
	return nil
}

func rekey(b *bolt.Bucket, from, to []byte) error {
	v := b.Get(from)
	if v == nil {
		return nil
	}
	v = append([]byte(nil), v...)
	if err := b.Delete(from); err != nil {
		return err
	}
	return b.Put(to, v)
}

func childPrefixString(p string) string {
	if p == "/" {
		return "/"
	}
	return p + "/"
}

func childPrefix(p string) []byte {
	return []byte(childPrefixString(p))
}
