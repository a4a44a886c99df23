package observability

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/hotkey-tracker/internal/core/model"
)

// StoreSizer is polled by the store gauges at scrape time.
type StoreSizer interface {
	Sizes() model.Sizes
}

type metricSet struct {
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	queueDepth    prometheus.Gauge
	queueCommands *prometheus.CounterVec

	snapshotCycles   *prometheus.CounterVec
	snapshotDuration *prometheus.HistogramVec

	ingestMessages *prometheus.CounterVec
	reportPublish  *prometheus.CounterVec
	hotKeys        prometheus.Gauge

	storeGauges []prometheus.Collector
}

var (
	current atomic.Pointer[metricSet]
	sizer   atomic.Value // storeSizerBox
	initMu  sync.Mutex
)

type storeSizerBox struct{ s StoreSizer }

func init() {
	current.Store(newMetricSet())
}

func newMetricSet() *metricSet {
	m := &metricSet{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
			},
			[]string{"method", "route", "status"},
		),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hotkeys_queue_depth",
			Help: "Mutation commands waiting in the write queue.",
		}),
		queueCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotkeys_queue_commands_total",
				Help: "Write queue commands by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		snapshotCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotkeys_snapshot_total",
				Help: "Snapshot backup and restore runs by outcome.",
			},
			[]string{"op", "outcome"},
		),
		snapshotDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hotkeys_snapshot_duration_seconds",
				Help:    "Duration of snapshot backup and restore runs.",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"op"},
		),
		ingestMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotkeys_ingest_messages_total",
				Help: "Kafka ingest messages by outcome.",
			},
			[]string{"outcome"},
		),
		reportPublish: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotkeys_report_publish_total",
				Help: "Top keys report publications by outcome.",
			},
			[]string{"outcome"},
		),
		hotKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hotkeys_report_keys",
			Help: "Keys in the last published top keys report.",
		}),
	}

	m.storeGauges = []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hotkeys_store_keys",
			Help: "Distinct keys in the key table.",
		}, func() float64 { return float64(storeSizes().TotalKeys) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hotkeys_store_window_entries",
			Help: "Entries currently held by the ranking window.",
		}, func() float64 { return float64(storeSizes().WindowActualSize) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hotkeys_store_window_size",
			Help: "Configured ranking window size (M).",
		}, func() float64 { return float64(storeSizes().WindowSize) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hotkeys_store_report_size",
			Help: "Configured report size (N).",
		}, func() float64 { return float64(storeSizes().ReportSize) }),
	}
	return m
}

func (m *metricSet) collectors() []prometheus.Collector {
	cs := []prometheus.Collector{
		m.httpRequestsTotal,
		m.httpRequestDurationSeconds,
		m.queueDepth,
		m.queueCommands,
		m.snapshotCycles,
		m.snapshotDuration,
		m.ingestMessages,
		m.reportPublish,
		m.hotKeys,
	}
	return append(cs, m.storeGauges...)
}

// Init swaps in a fresh metric set and registers it with reg when enabled.
// Before Init, observations go to an unregistered set.
func Init(reg prometheus.Registerer, enabled bool) {
	initMu.Lock()
	defer initMu.Unlock()

	m := newMetricSet()
	if enabled && reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	current.Store(m)
}

// TrackStore makes the store gauges report s.
func TrackStore(s StoreSizer) {
	sizer.Store(storeSizerBox{s: s})
}

func storeSizes() model.Sizes {
	if v, ok := sizer.Load().(storeSizerBox); ok && v.s != nil {
		return v.s.Sizes()
	}
	return model.Sizes{}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	m := current.Load()
	st := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	m.httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func SetQueueDepth(n int) {
	current.Load().queueDepth.Set(float64(n))
}

// IncQueueCommand counts a write queue command; outcome is one of
// "queued", "applied", "dropped", "ignored", "failed".
func IncQueueCommand(kind, outcome string) {
	current.Load().queueCommands.WithLabelValues(kind, outcome).Inc()
}

func ObserveSnapshot(op string, err error, d time.Duration) {
	m := current.Load()
	m.snapshotCycles.WithLabelValues(op, outcome(err)).Inc()
	m.snapshotDuration.WithLabelValues(op).Observe(d.Seconds())
}

func IncIngest(outcome string) {
	current.Load().ingestMessages.WithLabelValues(outcome).Inc()
}

func ObserveReportPublish(err error, keys int) {
	m := current.Load()
	m.reportPublish.WithLabelValues(outcome(err)).Inc()
	if err == nil {
		m.hotKeys.Set(float64(keys))
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
