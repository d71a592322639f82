package drive

import (
	"context"
	"io"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	testcases := []struct {
		in, want string
	}{
		{"", "/"},
		{"/", "/"},
		{"a", "/a"},
		{"/a/b/../c", "/a/c"},
		{"//a//b/", "/a/b"},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			require.Equal(t, tc.want, Clean(tc.in))
		})
	}
}

func TestBufferSeekWrite(t *testing.T) {
	b := NewBuffer([]byte("hello"))
	require.False(t, b.Dirty())

	_, err := b.Seek(7, io.SeekStart)
	require.NoError(t, err)
	n, err := b.Write([]byte("world"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, []byte("hello\x00\x00world"), b.Bytes())
	require.True(t, b.Dirty())

	_, err = b.Seek(-5, io.SeekEnd)
	require.NoError(t, err)
	got, err := io.ReadAll(b)
	require.NoError(t, err)
	require.Equal(t, "world", string(got))

	_, err = b.Seek(-1, io.SeekStart)
	require.Error(t, err)

	b.Truncate()
	require.EqualValues(t, 0, b.Len())
	b.MarkClean()
	require.False(t, b.Dirty())
}

func TestBufferWriteLimit(t *testing.T) {
	b := NewBuffer([]byte("abc"))
	b.SetLimit(8)

	_, err := b.Seek(6, io.SeekStart)
	require.NoError(t, err)
	n, err := b.Write([]byte("xyz"))
	require.ErrorIs(t, err, ErrTooLarge)
	require.Zero(t, n)
	require.EqualValues(t, 3, b.Len())

	_, err = b.Seek(math.MaxInt64, io.SeekStart)
	require.NoError(t, err)
	_, err = b.Write([]byte("x"))
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = b.Seek(6, io.SeekStart)
	require.NoError(t, err)
	_, err = b.Write([]byte("xy"))
	require.NoError(t, err)
	require.Equal(t, []byte("abc\x00\x00\x00xy"), b.Bytes())

	b.SetLimit(0)
	_, err = b.Seek(1<<62, io.SeekStart)
	require.NoError(t, err)
	_, err = b.Write([]byte("x"))
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestBufferGrowthAmortized(t *testing.T) {
	b := NewBuffer(nil)
	reallocs, last := 0, cap(b.buf)
	for i := 0; i < 1<<16; i++ {
		_, err := b.Write([]byte{'a'})
		require.NoError(t, err)
		if cap(b.buf) != last {
			reallocs++
			last = cap(b.buf)
		}
	}
	require.EqualValues(t, 1<<16, b.Len())
	require.Less(t, reallocs, 64)
}

func TestBufferGapReadsZeroAfterTruncate(t *testing.T) {
	b := NewBuffer([]byte("hello"))
	b.Truncate()
	_, err := b.Seek(3, io.SeekStart)
	require.NoError(t, err)
	_, err = b.Write([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("\x00\x00\x00x"), b.Bytes())
}

func TestLookupFirstMatchWins(t *testing.T) {
	props := []Property{{PropType, TypeFile}, {PropName, "a"}, {PropName, "b"}}
	v, ok := Lookup(props, PropName)
	require.True(t, ok)
	require.Equal(t, "a", v)
	_, ok = Lookup(props, "missing")
	require.False(t, ok)
}

func TestOpenMode(t *testing.T) {
	require.True(t, ModeUpdate.Has(OpenRead|OpenWrite))
	require.False(t, ModeUpdate.Has(OpenTruncate))
	require.Equal(t, "rwc", ModeUpdate.String())
	require.Equal(t, "wct", ModeOverwrite.String())
	require.Equal(t, "-", OpenMode(0).String())
}

func TestDecodeConfig(t *testing.T) {
	var cfg struct {
		Root    string        `mapstructure:"root"`
		Timeout time.Duration `mapstructure:"timeout"`
		Nodes   []string      `mapstructure:"nodes"`
		Retries int           `mapstructure:"retries"`
	}
	err := DecodeConfig(map[string]any{
		"root":    "/x",
		"timeout": "3s",
		"nodes":   "a,b",
		"retries": "2",
	}, &cfg)
	require.NoError(t, err)
	require.Equal(t, "/x", cfg.Root)
	require.Equal(t, 3*time.Second, cfg.Timeout)
	require.Equal(t, []string{"a", "b"}, cfg.Nodes)
	require.Equal(t, 2, cfg.Retries)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "does-not-exist", nil)
	require.ErrorIs(t, err, ErrNotSupported)
}
