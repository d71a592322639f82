package s3drive_test

import (
	"context"
	"encoding/pem"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/hyport/pkg/drive"
	"github.com/jacktea/hyport/pkg/drive/drivetest"
	"github.com/jacktea/hyport/pkg/drive/s3drive"
)

func newFakeS3(t *testing.T, bucket string) string {
	t.Helper()
	backend := s3mem.New()
	require.NoError(t, backend.CreateBucket(bucket))
	ts := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(ts.Close)
	return ts.URL
}

func newDrive(t *testing.T, prefix string) *s3drive.Drive {
	t.Helper()
	endpoint := newFakeS3(t, "hyport")
	d, err := s3drive.New(context.Background(), s3drive.Config{
		Bucket:    "hyport",
		Prefix:    prefix,
		Endpoint:  endpoint,
		AccessKey: "key",
		SecretKey: "secret",
		PathStyle: true,
	})
	require.NoError(t, err)
	return d
}

func TestConformance(t *testing.T) {
	drivetest.RunConformance(t, func(t *testing.T) drive.Drive {
		return newDrive(t, "")
	})
}

func TestConformanceWithPrefix(t *testing.T) {
	drivetest.RunConformance(t, func(t *testing.T) drive.Drive {
		return newDrive(t, "/mnt/data/")
	})
}

func TestRequiresBucket(t *testing.T) {
	_, err := s3drive.New(context.Background(), s3drive.Config{})
	require.Error(t, err)
}

func TestRegistered(t *testing.T) {
	endpoint := newFakeS3(t, "reg")
	d, err := drive.Open(context.Background(), "s3", map[string]any{
		"bucket":     "reg",
		"endpoint":   endpoint,
		"access_key": "key",
		"secret_key": "secret",
		"path_style": "true",
	})
	require.NoError(t, err)
	require.Equal(t, "s3", d.Name())
	info, err := d.Stat(context.Background(), "/")
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestImplicitDirectory(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t, "")
	require.NoError(t, d.Mkdir(ctx, "/a"))
	require.NoError(t, d.Mkdir(ctx, "/a/b"))
	f, err := d.OpenFile(ctx, "/a/b/c.txt", drive.ModeUpdate)
	require.NoError(t, err)
	_, err = f.Write([]byte("deep"))
	require.NoError(t, err)
	require.NoError(t, f.Commit())
	require.NoError(t, f.Close())

	require.NoError(t, d.Delete(ctx, "/a/b/c.txt"))
	info, err := d.Stat(ctx, "/a/b")
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func writeObject(t *testing.T, d drive.Drive, p, body string) {
	t.Helper()
	f, err := d.OpenFile(context.Background(), p, drive.ModeOverwrite)
	require.NoError(t, err)
	_, err = io.WriteString(f, body)
	require.NoError(t, err)
	require.NoError(t, f.Commit())
	require.NoError(t, f.Close())
}

func listNames(t *testing.T, d drive.Drive, p string) map[string]string {
	t.Helper()
	got := map[string]string{}
	err := d.List(context.Background(), p, func(props []drive.Property) bool {
		name, _ := drive.Lookup(props, drive.PropName)
		typ, _ := drive.Lookup(props, drive.PropType)
		got[name] = typ
		return true
	})
	require.NoError(t, err)
	return got
}

func TestListSkipsDirectoryMarkers(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t, "")
	require.NoError(t, d.Mkdir(ctx, "/dir"))
	require.NoError(t, d.Mkdir(ctx, "/dir/sub"))
	writeObject(t, d, "/dir/f.txt", "x")
	writeObject(t, d, "/top.txt", "y")

	require.Equal(t, map[string]string{"dir": drive.TypeDirectory, "top.txt": drive.TypeFile}, listNames(t, d, "/"))
	require.Equal(t, map[string]string{"sub": drive.TypeDirectory, "f.txt": drive.TypeFile}, listNames(t, d, "/dir"))
	require.Empty(t, listNames(t, d, "/dir/sub"))
}

func TestCABundleFromEnvironment(t *testing.T) {
	tls := httptest.NewTLSServer(nil)
	t.Cleanup(tls.Close)
	bundle := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bundle, pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: tls.Certificate().Raw,
	}), 0o600))
	t.Setenv("AWS_CA_BUNDLE", bundle)

	d, err := s3drive.New(context.Background(), s3drive.Config{
		Bucket:    "hyport",
		Endpoint:  newFakeS3(t, "hyport"),
		AccessKey: "key",
		SecretKey: "secret",
		PathStyle: true,
	})
	require.NoError(t, err)
	writeObject(t, d, "/ca.txt", "trusted")
	info, err := d.Stat(context.Background(), "/ca.txt")
	require.NoError(t, err)
	require.EqualValues(t, 7, info.Size)
}

func TestObjectSizeLimit(t *testing.T) {
	ctx := context.Background()
	d, err := s3drive.New(ctx, s3drive.Config{
		Bucket:      "hyport",
		Endpoint:    newFakeS3(t, "hyport"),
		AccessKey:   "key",
		SecretKey:   "secret",
		PathStyle:   true,
		MaxFileSize: 4,
	})
	require.NoError(t, err)
	f, err := d.OpenFile(ctx, "/small", drive.ModeOverwrite)
	require.NoError(t, err)
	_, err = f.Write([]byte("12345"))
	require.ErrorIs(t, err, drive.ErrTooLarge)
	_, err = f.Write([]byte("1234"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}
