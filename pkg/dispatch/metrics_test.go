package dispatch

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/hyport/pkg/drive/drivetest"
)

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	log, _ := test.NewNullLogger()
	d := New(drivetest.New(), Options{Logger: log, Metrics: m})

	_, errno := d.Stat(ctx, "/missing")
	require.Equal(t, ErrNotExist, errno)
	h, errno := d.Create(ctx, "/a", os.O_RDWR)
	require.Zero(t, errno)
	require.Equal(t, 1.0, testutil.ToFloat64(m.records))
	require.Equal(t, ErrRejected, d.Unlink(ctx, "/a"))
	_, errno = d.Read(ctx, Handle(42), nil, 0)
	require.NotZero(t, errno)
	require.Zero(t, d.Release(ctx, h))

	require.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("stat", "not_exist")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("create", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("unlink", "rejected")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("read", "bad_handle")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("release", "ok")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.records))
	require.Equal(t, 5, testutil.CollectAndCount(m.duration))

	names, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, names, 3)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.observe("stat", time.Now(), 0)
		m.setRecords(3)
	})
}

func TestResultLabel(t *testing.T) {
	require.Equal(t, "ok", resultLabel(0))
	require.Equal(t, "not_exist", resultLabel(ErrNotExist))
	require.Equal(t, "unavailable", resultLabel(ErrUnavailable))
	require.Equal(t, "rejected", resultLabel(ErrRejected))
	require.Equal(t, "error", resultLabel(1<<12))
}
