package nfs

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/jacktea/hyport/pkg/dispatch"
	"github.com/jacktea/hyport/pkg/drive/drivetest"
)

func newTestFS(t *testing.T) (*filesystem, *drivetest.Drive) {
	t.Helper()
	backend := drivetest.New()
	log, _ := test.NewNullLogger()
	d := dispatch.New(backend, dispatch.Options{Logger: log})
	fsys, err := newFilesystem(context.Background(), d, "/")
	if err != nil {
		t.Fatalf("new filesystem: %v", err)
	}
	return fsys, backend
}

func writeFile(t *testing.T, fsys billy.Filesystem, name, content string) {
	t.Helper()
	w, err := fsys.Create(name)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close %s: %v", name, err)
	}
}

func readFile(t *testing.T, fsys billy.Filesystem, name string) string {
	t.Helper()
	r, err := fsys.Open(name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}

func TestFilesystemCreateRead(t *testing.T) {
	fsys, backend := newTestFS(t)
	writeFile(t, fsys, "/hello.txt", "hello world")
	if got := readFile(t, fsys, "/hello.txt"); got != "hello world" {
		t.Fatalf("unexpected data %q", got)
	}
	if n := backend.OpenFiles(); n != 0 {
		t.Fatalf("%d remote handles left open", n)
	}
}

func TestFilesystemReadAt(t *testing.T) {
	fsys, _ := newTestFS(t)
	writeFile(t, fsys, "/f", "0123456789")
	r, err := fsys.Open("/f")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	buf := make([]byte, 4)
	if n, err := r.ReadAt(buf, 3); err != nil || string(buf[:n]) != "3456" {
		t.Fatalf("ReadAt = %q, %v", buf[:n], err)
	}
	if n, err := r.ReadAt(buf, 8); err != io.EOF || string(buf[:n]) != "89" {
		t.Fatalf("short ReadAt = %q, %v", buf[:n], err)
	}
	if pos, err := r.Seek(-2, io.SeekEnd); err != nil || pos != 8 {
		t.Fatalf("seek end = %d, %v", pos, err)
	}
}

func TestFilesystemOpenFlags(t *testing.T) {
	fsys, _ := newTestFS(t)
	if _, err := fsys.Open("/missing"); !os.IsNotExist(err) {
		t.Fatalf("expected not exist, got %v", err)
	}
	writeFile(t, fsys, "/f", "abc")
	if _, err := fsys.OpenFile("/f", os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644); !os.IsExist(err) {
		t.Fatalf("expected exist, got %v", err)
	}

	a, err := fsys.OpenFile("/f", os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	if _, err := a.Write([]byte("def")); err != nil {
		t.Fatalf("append: %v", err)
	}
	a.Close()
	if got := readFile(t, fsys, "/f"); got != "abcdef" {
		t.Fatalf("after append %q", got)
	}

	writeFile(t, fsys, "/f", "x")
	if got := readFile(t, fsys, "/f"); got != "x" {
		t.Fatalf("after truncating create %q", got)
	}

	if err := fsys.MkdirAll("/d", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := fsys.Open("/d"); err == nil {
		t.Fatalf("expected error opening a directory")
	}
}

func TestFilesystemTruncate(t *testing.T) {
	fsys, _ := newTestFS(t)
	writeFile(t, fsys, "/f", "content")
	w, err := fsys.OpenFile("/f", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := w.Truncate(3); err == nil {
		t.Fatalf("expected non-zero truncate to fail")
	}
	if err := w.Truncate(0); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	w.Close()
	info, err := fsys.Stat("/f")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected empty file, got %d bytes", info.Size())
	}
}

func TestFilesystemReadDir(t *testing.T) {
	fsys, _ := newTestFS(t)
	writeFile(t, fsys, "/b.txt", "bb")
	if err := fsys.MkdirAll("/a/sub", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	infos, err := fsys.ReadDir("/")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(infos))
	}
	if infos[0].Name() != "a" || !infos[0].IsDir() || infos[0].Mode() != os.ModeDir|0o755 {
		t.Fatalf("unexpected dir entry %s %v", infos[0].Name(), infos[0].Mode())
	}
	if infos[1].Name() != "b.txt" || infos[1].IsDir() || infos[1].Size() != 2 {
		t.Fatalf("unexpected file entry %s %d", infos[1].Name(), infos[1].Size())
	}
	if err := fsys.MkdirAll("/b.txt/x", 0o755); err == nil {
		t.Fatalf("expected mkdir through a file to fail")
	}
}

func TestFilesystemSymlinkUnsupported(t *testing.T) {
	fsys, _ := newTestFS(t)
	if err := fsys.Symlink("/a", "/b"); !errors.Is(err, billy.ErrNotSupported) {
		t.Fatalf("expected not supported, got %v", err)
	}
	if _, err := fsys.Readlink("/b"); !errors.Is(err, billy.ErrNotSupported) {
		t.Fatalf("expected not supported, got %v", err)
	}
}

func TestFilesystemRemove(t *testing.T) {
	fsys, _ := newTestFS(t)
	if err := fsys.MkdirAll("/nested/dir", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := fsys.Remove("/nested"); err == nil {
		t.Fatalf("expected non-empty remove to fail")
	}
	if err := fsys.Remove("/nested/dir"); err != nil {
		t.Fatalf("remove leaf: %v", err)
	}
	if err := fsys.Remove("/nested"); err != nil {
		t.Fatalf("remove dir: %v", err)
	}
	if _, err := fsys.Stat("/nested"); !os.IsNotExist(err) {
		t.Fatalf("expected nested removed, got %v", err)
	}
}

func TestFilesystemOpenFileIsBusy(t *testing.T) {
	fsys, _ := newTestFS(t)
	w, err := fsys.Create("/busy")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fsys.Remove("/busy"); err == nil {
		t.Fatalf("expected remove of open file to fail")
	}
	if err := fsys.Rename("/busy", "/other"); err == nil {
		t.Fatalf("expected rename of open file to fail")
	}
	w.Close()
	if err := fsys.Remove("/busy"); err != nil {
		t.Fatalf("remove after close: %v", err)
	}
}

func TestFilesystemRename(t *testing.T) {
	fsys, _ := newTestFS(t)
	writeFile(t, fsys, "/old.txt", "data")
	if err := fsys.Rename("/old.txt", "/new.txt"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := fsys.Stat("/old.txt"); !os.IsNotExist(err) {
		t.Fatalf("expected old missing, got %v", err)
	}
	info, err := fsys.Stat("/new.txt")
	if err != nil {
		t.Fatalf("stat new: %v", err)
	}
	if info.Size() != 4 {
		t.Fatalf("expected size 4, got %d", info.Size())
	}

	if err := fsys.MkdirAll("/dir/sub", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, fsys, "/dir/sub/file.txt", "x")
	if err := fsys.Rename("/dir", "/dir2"); err != nil {
		t.Fatalf("rename dir: %v", err)
	}
	if _, err := fsys.Stat("/dir2/sub/file.txt"); err != nil {
		t.Fatalf("stat renamed file: %v", err)
	}
	if _, err := fsys.Stat("/dir/sub/file.txt"); err == nil {
		t.Fatalf("expected old path missing")
	}
}

func TestFilesystemChroot(t *testing.T) {
	fsys, _ := newTestFS(t)
	if err := fsys.MkdirAll("/d", 0o755); err != nil {
		t.Fatalf("mkdir /d: %v", err)
	}
	child, err := fsys.Chroot("/d")
	if err != nil {
		t.Fatalf("chroot: %v", err)
	}
	if child.Root() != "/d" {
		t.Fatalf("unexpected root %s", child.Root())
	}
	writeFile(t, child, "/inner.txt", "in")
	if got := readFile(t, fsys, "/d/inner.txt"); got != "in" {
		t.Fatalf("chrooted write landed elsewhere: %q", got)
	}
	if _, err := child.Stat("/../inner.txt"); err != nil {
		t.Fatalf("dot-dot should clamp to the export root: %v", err)
	}
	if _, err := fsys.Chroot("/missing"); err == nil {
		t.Fatalf("expected chroot into missing dir to fail")
	}
}

func TestFilesystemTempFile(t *testing.T) {
	fsys, _ := newTestFS(t)
	f1, err := fsys.TempFile("", "tmp-")
	if err != nil {
		t.Fatalf("tempfile: %v", err)
	}
	f2, err := fsys.TempFile("/", "tmp-")
	if err != nil {
		t.Fatalf("tempfile: %v", err)
	}
	if f1.Name() == f2.Name() {
		t.Fatalf("temp files share name %s", f1.Name())
	}
	f1.Close()
	f2.Close()
}

func TestFilesystemChtimes(t *testing.T) {
	fsys, _ := newTestFS(t)
	if err := fsys.Chtimes("/anything", time.Now(), time.Now()); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := fsys.Chmod("/anything", 0o600); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestServeListenerStopsOnCancel(t *testing.T) {
	log, _ := test.NewNullLogger()
	d := dispatch.New(drivetest.New(), dispatch.Options{Logger: log})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeListener(ctx, d, l, Options{Logger: log}) }()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestServeListenerBadExport(t *testing.T) {
	log, _ := test.NewNullLogger()
	d := dispatch.New(drivetest.New(), dispatch.Options{Logger: log})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := ServeListener(context.Background(), d, l, Options{Export: "/missing", Logger: log}); err == nil {
		t.Fatalf("expected missing export to fail")
	}
}
