package dispatch

import (
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects per-operation counters and latencies. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
	records  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hyport",
			Subsystem: "dispatch",
			Name:      "ops_total",
			Help:      "Filesystem operations handled, by operation and result.",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hyport",
			Subsystem: "dispatch",
			Name:      "op_duration_seconds",
			Help:      "Latency of filesystem operations including backend calls.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"op"}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hyport",
			Name:      "open_records",
			Help:      "Paths with a cached remote handle.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ops, m.duration, m.records)
	}
	return m
}

func (m *Metrics) observe(op string, start time.Time, errno syscall.Errno) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op, resultLabel(errno)).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) setRecords(n int) {
	if m == nil {
		return
	}
	m.records.Set(float64(n))
}

func resultLabel(errno syscall.Errno) string {
	switch errno {
	case 0:
		return "ok"
	case ErrNotExist:
		return "not_exist"
	case ErrUnavailable:
		return "unavailable"
	case ErrRejected:
		return "rejected"
	case syscall.EBADF:
		return "bad_handle"
	default:
		return "error"
	}
}
