package drivetest

import (
	"context"
	"errors"
	"io"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jacktea/hyport/pkg/drive"
)

// Factory returns a fresh, empty drive for one subtest.
type Factory func(t *testing.T) drive.Drive

// RunConformance exercises the behaviour every backend must share.
func RunConformance(t *testing.T, newDrive Factory) {
	t.Run("StatRoot", func(t *testing.T) {
		d := newDrive(t)
		info, err := d.Stat(context.Background(), "/")
		require.NoError(t, err)
		require.True(t, info.IsDir())
	})

	t.Run("StatMissing", func(t *testing.T) {
		d := newDrive(t)
		_, err := d.Stat(context.Background(), "/missing")
		require.ErrorIs(t, err, drive.ErrNotFound)
	})

	t.Run("WriteCommitRead", func(t *testing.T) {
		ctx := context.Background()
		d := newDrive(t)
		writeFile(t, d, "/a.txt", 0, "hello")

		info, err := d.Stat(ctx, "/a.txt")
		require.NoError(t, err)
		require.Equal(t, drive.TypeFile, info.Type)
		require.EqualValues(t, 5, info.Size)

		writeFile(t, d, "/a.txt", 5, " world")
		require.Equal(t, "hello world", readFile(t, d, "/a.txt"))
	})

	t.Run("OverwriteTruncates", func(t *testing.T) {
		ctx := context.Background()
		d := newDrive(t)
		writeFile(t, d, "/a.txt", 0, "hello")

		f, err := d.OpenFile(ctx, "/a.txt", drive.ModeOverwrite)
		require.NoError(t, err)
		requireCommit(t, f.Commit())
		require.NoError(t, f.Close())

		info, err := d.Stat(ctx, "/a.txt")
		require.NoError(t, err)
		require.EqualValues(t, 0, info.Size)
	})

	t.Run("OpenMissingWithoutCreate", func(t *testing.T) {
		d := newDrive(t)
		_, err := d.OpenFile(context.Background(), "/missing", drive.OpenRead)
		require.ErrorIs(t, err, drive.ErrNotFound)
	})

	t.Run("MkdirListDelete", func(t *testing.T) {
		ctx := context.Background()
		d := newDrive(t)
		require.NoError(t, d.Mkdir(ctx, "/dir"))
		require.ErrorIs(t, d.Mkdir(ctx, "/dir"), drive.ErrExist)
		writeFile(t, d, "/dir/f.txt", 0, "x")
		writeFile(t, d, "/top.txt", 0, "yy")

		info, err := d.Stat(ctx, "/dir")
		require.NoError(t, err)
		require.True(t, info.IsDir())

		require.Equal(t, map[string]string{"dir": drive.TypeDirectory, "top.txt": drive.TypeFile}, listTypes(t, d, "/"))
		require.Equal(t, map[string]string{"f.txt": drive.TypeFile}, listTypes(t, d, "/dir"))

		require.Error(t, d.Delete(ctx, "/dir"))
		require.NoError(t, d.Delete(ctx, "/dir/f.txt"))
		require.NoError(t, d.Delete(ctx, "/dir"))
		_, err = d.Stat(ctx, "/dir")
		require.ErrorIs(t, err, drive.ErrNotFound)
		require.ErrorIs(t, d.Delete(ctx, "/dir"), drive.ErrNotFound)
	})

	t.Run("ListStopsEarly", func(t *testing.T) {
		ctx := context.Background()
		d := newDrive(t)
		writeFile(t, d, "/1", 0, "a")
		writeFile(t, d, "/2", 0, "b")
		seen := 0
		require.NoError(t, d.List(ctx, "/", func([]drive.Property) bool {
			seen++
			return false
		}))
		require.Equal(t, 1, seen)
	})

	t.Run("ListMissing", func(t *testing.T) {
		d := newDrive(t)
		err := d.List(context.Background(), "/missing", func([]drive.Property) bool { return true })
		require.Error(t, err)
	})

	t.Run("MoveFile", func(t *testing.T) {
		ctx := context.Background()
		d := newDrive(t)
		require.NoError(t, d.Mkdir(ctx, "/dir"))
		writeFile(t, d, "/a.txt", 0, "payload")
		require.NoError(t, d.Move(ctx, "/a.txt", "/dir/b.txt"))

		_, err := d.Stat(ctx, "/a.txt")
		require.ErrorIs(t, err, drive.ErrNotFound)
		require.Equal(t, "payload", readFile(t, d, "/dir/b.txt"))
		require.ErrorIs(t, d.Move(ctx, "/a.txt", "/c.txt"), drive.ErrNotFound)
	})

	t.Run("MoveDirectory", func(t *testing.T) {
		ctx := context.Background()
		d := newDrive(t)
		require.NoError(t, d.Mkdir(ctx, "/d1"))
		writeFile(t, d, "/d1/x", 0, "inner")
		require.NoError(t, d.Move(ctx, "/d1", "/d2"))

		_, err := d.Stat(ctx, "/d1")
		require.ErrorIs(t, err, drive.ErrNotFound)
		require.Equal(t, "inner", readFile(t, d, "/d2/x"))
	})
}

func writeFile(t *testing.T, d drive.Drive, path string, off int64, data string) {
	t.Helper()
	f, err := d.OpenFile(context.Background(), path, drive.ModeUpdate)
	require.NoError(t, err)
	_, err = f.Seek(off, io.SeekStart)
	require.NoError(t, err)
	n, err := f.Write([]byte(data))
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	requireCommit(t, f.Commit())
	require.NoError(t, f.Close())
}

func readFile(t *testing.T, d drive.Drive, path string) string {
	t.Helper()
	f, err := d.OpenFile(context.Background(), path, drive.OpenRead)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(data)
}

func listTypes(t *testing.T, d drive.Drive, path string) map[string]string {
	t.Helper()
	out := map[string]string{}
	var names []string
	require.NoError(t, d.List(context.Background(), path, func(props []drive.Property) bool {
		name, ok := drive.Lookup(props, drive.PropName)
		require.True(t, ok)
		typ, _ := drive.Lookup(props, drive.PropType)
		out[name] = typ
		names = append(names, name)
		return true
	}))
	sort.Strings(names)
	require.Len(t, names, len(out), "duplicate names listed: %v", names)
	return out
}

func requireCommit(t *testing.T, err error) {
	t.Helper()
	if errors.Is(err, drive.ErrNotSupported) {
		return
	}
	require.NoError(t, err)
}
