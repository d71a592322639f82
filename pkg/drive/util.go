package drive

import (
	"io"
	"math"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// Clean normalises a drive path to an absolute, slash separated form.
func Clean(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if cleaned == "" {
		return "/"
	}
	return cleaned
}

// DecodeConfig decodes a loosely typed driver section into out.
func DecodeConfig(cfg map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return errors.Wrap(err, "config decoder")
	}
	if err := dec.Decode(cfg); err != nil {
		return errors.Wrap(err, "decode driver config")
	}
	return nil
}

// DefaultMaxBufferSize bounds a Buffer unless SetLimit says otherwise.
const DefaultMaxBufferSize = 1 << 30

// ErrTooLarge is returned by Buffer.Write when the write would end past the
// buffer's size limit.
var ErrTooLarge = Err("file too large")

// Buffer is a seekable in-memory file body. Backends that upload whole
// objects stage content in a Buffer until Commit.
type Buffer struct {
	mu    sync.Mutex
	buf   []byte
	off   int64
	limit int64
	dirty bool
}

// NewBuffer returns a Buffer holding a copy of data.
func NewBuffer(data []byte) *Buffer {
	b := &Buffer{limit: DefaultMaxBufferSize}
	b.buf = append(b.buf, data...)
	return b
}

// SetLimit caps the size Write may grow the buffer to. n <= 0 restores
// DefaultMaxBufferSize.
func (b *Buffer) SetLimit(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 {
		n = DefaultMaxBufferSize
	}
	b.limit = min(n, math.MaxInt)
}

func (b *Buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.off >= int64(len(b.buf)) {
		return 0, io.EOF
	}
	n := copy(p, b.buf[b.off:])
	b.off += int64(n)
	return n, nil
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit := b.limit
	if limit <= 0 {
		limit = DefaultMaxBufferSize
	}
	end := b.off + int64(len(p))
	if end < b.off || end > limit {
		return 0, errors.Wrapf(ErrTooLarge, "write of %d bytes at offset %d", len(p), b.off)
	}
	if n := int64(len(b.buf)); end > n {
		// Grow amortizes reallocation; the gap before off reads as zeros.
		b.buf = slices.Grow(b.buf, int(end-n))[:end]
		clear(b.buf[n:end])
	}
	copy(b.buf[b.off:end], p)
	b.off = end
	b.dirty = true
	return len(p), nil
}

func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.off + offset
	case io.SeekEnd:
		abs = int64(len(b.buf)) + offset
	default:
		return 0, errors.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.Errorf("negative offset %d", abs)
	}
	b.off = abs
	return abs, nil
}

// Truncate drops all content.
func (b *Buffer) Truncate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
	b.off = 0
	b.dirty = true
}

// Bytes returns a copy of the current content.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// Len returns the content length.
func (b *Buffer) Len() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.buf))
}

// Dirty reports whether the content changed since the last MarkClean.
func (b *Buffer) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

// MarkClean records that the content has been persisted.
func (b *Buffer) MarkClean() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirty = false
}
