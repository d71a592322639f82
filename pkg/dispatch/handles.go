package dispatch

import (
	"os"
	"sync"

	"github.com/jacktea/hyport/pkg/openfile"
)

// Handle identifies one open or create call until its release.
type Handle uint64

// InvalidHandle is never issued.
const InvalidHandle Handle = 0

const accessMask = os.O_RDONLY | os.O_WRONLY | os.O_RDWR

type handleEntry struct {
	rec   *openfile.Record
	flags int
}

func (e handleEntry) canRead() bool  { return e.flags&accessMask != os.O_WRONLY }
func (e handleEntry) canWrite() bool { return e.flags&accessMask != os.O_RDONLY }

// handleTable maps kernel-visible handles to records.
type handleTable struct {
	mu sync.Mutex

	// INVARIANT: for each key k, InvalidHandle < k < next
	// INVARIANT: every entry holds one registry reference on its record
	entries map[Handle]handleEntry
	next    Handle
}

func newHandleTable() *handleTable {
	return &handleTable{
		entries: make(map[Handle]handleEntry),
		next:    InvalidHandle + 1,
	}
}

func (t *handleTable) add(rec *openfile.Record, flags int) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.next
	t.next++
	t.entries[h] = handleEntry{rec: rec, flags: flags}
	return h
}

func (t *handleTable) get(h Handle) (handleEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	return e, ok
}

func (t *handleTable) remove(h Handle) (handleEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	if ok {
		delete(t.entries, h)
	}
	return e, ok
}

func (t *handleTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *handleTable) drain() []handleEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]handleEntry, 0, len(t.entries))
	for h, e := range t.entries {
		out = append(out, e)
		delete(t.entries, h)
	}
	return out
}
