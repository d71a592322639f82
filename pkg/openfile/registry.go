// Package openfile caches one open remote file per path and reference
// counts it across concurrent users.
//
// Lock order is shard then record. Teardown (commit, close, remove) runs
// with both held, so no caller can observe a record half torn down.
package openfile

import (
	"hash/fnv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jacktea/hyport/pkg/drive"
)

// DefaultShards is used when New is given a non-positive shard count.
const DefaultShards = 32

// ErrGone is returned by Record.Do once the record has been torn down.
var ErrGone = errors.New("open file record released")

// Record owns the remote handle cached for one path.
type Record struct {
	path string

	mu   sync.Mutex
	file drive.File // never nil while reachable from the registry
	gone bool

	// guarded by the owning shard's mutex
	refs int
}

// Path returns the registry key.
func (r *Record) Path() string { return r.path }

// Do runs fn against the current remote handle. Calls are serialized with
// each other, with handle swaps and with teardown.
func (r *Record) Do(fn func(f drive.File) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gone {
		return ErrGone
	}
	return fn(r.file)
}

func (r *Record) teardown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gone {
		return nil
	}
	var err error
	if cerr := r.file.Commit(); cerr != nil && !errors.Is(cerr, drive.ErrNotSupported) {
		err = errors.Wrapf(cerr, "commit %s", r.path)
	}
	if cerr := r.file.Close(); cerr != nil && err == nil {
		err = errors.Wrapf(cerr, "close %s", r.path)
	}
	r.file = nil
	r.gone = true
	return err
}

type shard struct {
	mu      sync.Mutex
	records map[string]*Record
}

// Registry maps normalized paths to records.
//
// INVARIANT: every shard holds at most one record per path
// INVARIANT: for every record reachable from a shard, refs >= 1 and !gone
type Registry struct {
	shards []*shard
	log    logrus.FieldLogger
}

// Options configures a Registry.
type Options struct {
	Shards int
	Logger logrus.FieldLogger
}

// New returns an empty registry.
func New(opts Options) *Registry {
	n := opts.Shards
	if n <= 0 {
		n = DefaultShards
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Registry{shards: make([]*shard, n), log: log.WithField("component", "openfile")}
	for i := range r.shards {
		r.shards[i] = &shard{records: make(map[string]*Record)}
	}
	return r
}

func (r *Registry) shardFor(path string) *shard {
	h := fnv.New32a()
	h.Write([]byte(path))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Lookup returns the live record for path without taking a reference.
func (r *Registry) Lookup(path string) (*Record, bool) {
	s := r.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[path]
	return rec, ok
}

// Busy reports whether path has a live record.
func (r *Registry) Busy(path string) bool {
	_, ok := r.Lookup(path)
	return ok
}

// Refs returns the reference count for path, or zero when it has no record.
func (r *Registry) Refs(path string) int {
	s := r.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[path]; ok {
		return rec.refs
	}
	return 0
}

// Acquire takes a reference on the live record for path.
func (r *Registry) Acquire(path string) (*Record, bool) {
	s := r.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[path]
	if ok {
		rec.refs++
	}
	return rec, ok
}

// InsertIfAbsent caches f under path with one reference. When a record
// already exists it gains a reference instead and loaded is true; f is left
// untouched and the caller must close it.
func (r *Registry) InsertIfAbsent(path string, f drive.File) (rec *Record, loaded bool) {
	s := r.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[path]; ok {
		rec.refs++
		return rec, true
	}
	rec = &Record{path: path, file: f, refs: 1}
	s.records[path] = rec
	return rec, false
}

// Open acquires the record for path, creating it with factory when absent.
// factory runs outside any lock; if another caller cached a record first,
// the handle factory produced is closed and the existing record returned.
func (r *Registry) Open(path string, factory func() (drive.File, error)) (*Record, error) {
	if rec, ok := r.Acquire(path); ok {
		return rec, nil
	}
	f, err := factory()
	if err != nil {
		return nil, err
	}
	rec, loaded := r.InsertIfAbsent(path, f)
	if loaded {
		if err := f.Close(); err != nil {
			r.log.WithError(err).WithField("path", path).Warn("close discarded handle")
		}
	}
	return rec, nil
}

// Release drops one reference. The last release removes the record, then
// commits and closes its handle before returning. Releasing a record that
// is already gone is a no-op.
func (r *Registry) Release(rec *Record) error {
	s := r.shardFor(rec.path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.refs <= 0 {
		return nil
	}
	rec.refs--
	if rec.refs > 0 {
		return nil
	}
	if s.records[rec.path] == rec {
		delete(s.records, rec.path)
	}
	return rec.teardown()
}

// Swap replaces the handle of the live record for path with f and closes
// the old handle; the reference count is unchanged. When path has no record
// f is not adopted and stays owned by the caller.
func (r *Registry) Swap(path string, f drive.File) (rec *Record, adopted bool, err error) {
	s := r.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[path]
	if !ok {
		return nil, false, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	old := rec.file
	rec.file = f
	if err := old.Close(); err != nil {
		return rec, true, errors.Wrapf(err, "close replaced handle for %s", path)
	}
	return rec, true, nil
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}

// Drain tears down every live record regardless of its reference count and
// returns the first teardown error.
func (r *Registry) Drain() error {
	var first error
	for _, s := range r.shards {
		s.mu.Lock()
		for path, rec := range s.records {
			delete(s.records, path)
			rec.refs = 0
			if err := rec.teardown(); err != nil && first == nil {
				first = err
			}
		}
		s.mu.Unlock()
	}
	return first
}
