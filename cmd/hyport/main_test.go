package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/hyport/pkg/dispatch"
	"github.com/jacktea/hyport/pkg/drive/drivetest"
	"github.com/jacktea/hyport/pkg/xerrors"
)

func newTestDispatcher(t *testing.T) (*dispatch.Dispatcher, *drivetest.Drive) {
	t.Helper()
	backend := drivetest.New()
	log, _ := test.NewNullLogger()
	d := dispatch.New(backend, dispatch.Options{Logger: log})
	t.Cleanup(func() { d.Close(context.Background()) })
	return d, backend
}

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestPutCatRoundTrip(t *testing.T) {
	ctx := context.Background()
	d, backend := newTestDispatcher(t)

	big := strings.Repeat("0123456789abcdef", 1<<14)
	require.NoError(t, doPut(ctx, d, "/big.txt", strings.NewReader(big)))
	var out bytes.Buffer
	require.NoError(t, doCat(ctx, d, "/big.txt", &out))
	require.Equal(t, big, out.String())

	require.NoError(t, doPut(ctx, d, "/big.txt", strings.NewReader("short")))
	out.Reset()
	require.NoError(t, doCat(ctx, d, "/big.txt", &out))
	require.Equal(t, "short", out.String(), "put replaces existing content")

	require.Zero(t, d.OpenRecords())
	require.Zero(t, backend.OpenFiles())
}

func TestPutIntoDirectory(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t)
	require.NoError(t, dispatch.Error("mkdir", "/dir", d.Mkdir(ctx, "/dir")))
	err := doPut(ctx, d, "/dir", strings.NewReader("x"))
	require.Equal(t, xerrors.KindIsDir, xerrors.KindOf(err))
}

func TestCatMissing(t *testing.T) {
	ctx := context.Background()
	d, backend := newTestDispatcher(t)
	err := doCat(ctx, d, "/missing", &bytes.Buffer{})
	require.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))
	require.Zero(t, backend.Count(drivetest.OpOpen), "cat must not create the file")

	require.NoError(t, dispatch.Error("mkdir", "/dir", d.Mkdir(ctx, "/dir")))
	err = doCat(ctx, d, "/dir", &bytes.Buffer{})
	require.Equal(t, xerrors.KindIsDir, xerrors.KindOf(err))
}

func TestListAndStat(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t)
	require.NoError(t, dispatch.Error("mkdir", "/dir", d.Mkdir(ctx, "/dir")))
	require.NoError(t, doPut(ctx, d, "/dir/a.txt", strings.NewReader("hello")))
	require.NoError(t, dispatch.Error("mkdir", "/dir/sub", d.Mkdir(ctx, "/dir/sub")))

	var out bytes.Buffer
	require.NoError(t, doList(ctx, d, "/dir", &out))
	listing := out.String()
	require.Contains(t, listing, "a.txt")
	require.Contains(t, listing, "5")
	require.Contains(t, listing, "sub/")
	require.NotContains(t, listing, "..")

	out.Reset()
	require.NoError(t, doList(ctx, d, "/dir/a.txt", &out))
	require.Equal(t, "/dir/a.txt\t5\n", out.String())

	out.Reset()
	require.NoError(t, doStat(ctx, d, "dir/a.txt", &out))
	require.Contains(t, out.String(), "path: /dir/a.txt\n")
	require.Contains(t, out.String(), "type: file\n")
	require.Contains(t, out.String(), "size: 5\n")

	err := doStat(ctx, d, "/nope", &out)
	require.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))
	require.Equal(t, 2, exitCode(err))
}

func TestRemoveAndMove(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t)
	require.NoError(t, dispatch.Error("mkdir", "/dir", d.Mkdir(ctx, "/dir")))
	require.NoError(t, doPut(ctx, d, "/dir/a", strings.NewReader("a")))

	err := doRemove(ctx, d, "/dir")
	require.Equal(t, xerrors.KindRejected, xerrors.KindOf(err))
	require.Equal(t, 3, exitCode(err))

	require.NoError(t, dispatch.Error("mv", "/dir/a", d.Rename(ctx, "/dir/a", "/b")))
	require.NoError(t, doRemove(ctx, d, "/dir"))
	require.NoError(t, doRemove(ctx, d, "/b"))
	require.Error(t, doRemove(ctx, d, "/b"))
}

func TestExitCode(t *testing.T) {
	require.Equal(t, 2, exitCode(dispatch.Error("stat", "/", dispatch.ErrNotExist)))
	require.Equal(t, 3, exitCode(dispatch.Error("rm", "/", dispatch.ErrRejected)))
	require.Equal(t, 4, exitCode(dispatch.Error("ls", "/", dispatch.ErrUnavailable)))
	require.Equal(t, 1, exitCode(dispatch.Error("read", "/", syscall.EBADF)))
	require.Equal(t, 1, exitCode(fmt.Errorf("plain")))
}

func TestDriverConfig(t *testing.T) {
	resetViper(t)
	viper.SetDefault("ipfs.nodes", []map[string]any{{"ipv4": "127.0.0.1", "port": 5001}})
	viper.Set("ipfs.root", "/hyport")
	viper.Set("bolt.path", "/tmp/x.db")

	cfg := driverConfig("ipfs")
	require.Equal(t, "/hyport", cfg["root"])
	require.NotNil(t, cfg["nodes"], "defaults merge with explicit keys")
	require.Equal(t, map[string]any{"path": "/tmp/x.db"}, driverConfig("bolt"))
	require.Empty(t, driverConfig("s3"))
}

func TestConfigFile(t *testing.T) {
	resetViper(t)
	path := filepath.Join(t.TempDir(), "hyport.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
type: local
local:
  root: /srv/data
log:
  level: warn
`), 0o644))
	viper.SetConfigFile(path)
	require.NoError(t, viper.ReadInConfig())
	require.Equal(t, "local", viper.GetString("type"))
	require.Equal(t, map[string]any{"root": "/srv/data"}, driverConfig("local"))
}

func TestConfigureLogging(t *testing.T) {
	resetViper(t)
	logPath := filepath.Join(t.TempDir(), "hyport.log")
	viper.Set("log.level", "warn")
	viper.Set("log.format", "json")
	viper.Set("log.file", logPath)

	log := logrus.New()
	closer, err := configureLogging(log)
	require.NoError(t, err)
	require.NotNil(t, closer)
	require.Equal(t, logrus.WarnLevel, log.GetLevel())
	log.Info("dropped")
	log.WithField("path", "/a").Warn("kept")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.NotContains(t, string(data), "dropped")
	require.Contains(t, string(data), `"msg":"kept"`)

	viper.Set("debug", true)
	viper.Set("log.file", "")
	closer, err = configureLogging(log)
	require.NoError(t, err)
	require.Nil(t, closer)
	require.Equal(t, logrus.DebugLevel, log.GetLevel())

	viper.Set("log.format", "xml")
	_, err = configureLogging(log)
	require.Error(t, err)
	viper.Set("log.level", "loud")
	_, err = configureLogging(log)
	require.Error(t, err)
}

func TestServeMetrics(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	reg := prometheus.NewRegistry()
	dispatch.NewMetrics(reg)
	log, _ := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveMetrics(ctx, addr, reg, log) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}

func TestRunWithMetricsDisabled(t *testing.T) {
	resetViper(t)
	called := false
	require.NoError(t, runWithMetrics(context.Background(), func(context.Context) error {
		called = true
		return nil
	}))
	require.True(t, called)
}
