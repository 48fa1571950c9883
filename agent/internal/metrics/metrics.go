package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "pgsnap"

// Metrics records send-loop activity.
type Metrics struct {
	reg *prometheus.Registry

	admissions     *prometheus.CounterVec
	collections    *prometheus.CounterVec
	stages         *prometheus.CounterVec
	snapshotBytes  prometheus.Gauge
	backoffSeconds prometheus.Counter
	loopErrors     prometheus.Counter
	state          prometheus.Gauge
}

// New registers every series on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission checks by outcome.",
		}, []string{"outcome"}),
		collections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collections_total",
			Help:      "Collection tool runs by result.",
		}, []string{"result"}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_stages_total",
			Help:      "Upload handshake steps by stage and result.",
		}, []string{"stage", "result"}),
		snapshotBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_size_bytes",
			Help:      "Size of the most recently collected snapshot.",
		}),
		backoffSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backoff_seconds_total",
			Help:      "Total time spent waiting between iterations.",
		}),
		loopErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_errors_total",
			Help:      "Iterations that ended on the generic error path.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_state",
			Help:      "Current send loop state index.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.admissions, m.collections, m.stages,
		m.snapshotBytes, m.backoffSeconds, m.loopErrors, m.state,
	)
	return m
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Admission counts one admission decision.
func (m *Metrics) Admission(outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(outcome).Inc()
}

// Collection counts one collection run.
func (m *Metrics) Collection(ok bool) {
	if m == nil {
		return
	}
	m.collections.WithLabelValues(result(ok)).Inc()
}

// Stage counts one handshake step.
func (m *Metrics) Stage(stage string, ok bool) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(stage, result(ok)).Inc()
}

// SnapshotSize records the size of the latest snapshot.
func (m *Metrics) SnapshotSize(n int64) {
	if m == nil {
		return
	}
	m.snapshotBytes.Set(float64(n))
}

// Backoff adds d to the total wait time.
func (m *Metrics) Backoff(d time.Duration) {
	if m == nil {
		return
	}
	m.backoffSeconds.Add(d.Seconds())
}

// LoopError counts an iteration that hit the generic error path.
func (m *Metrics) LoopError() {
	if m == nil {
		return
	}
	m.loopErrors.Inc()
}

// State records the loop's current state index.
func (m *Metrics) State(idx int) {
	if m == nil {
		return
	}
	m.state.Set(float64(idx))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Summary returns every pgsnap_* sample keyed by name and labels, e.g.
// `pgsnap_collections_total{result="success"}`.
func (m *Metrics) Summary() (map[string]float64, error) {
	mfs, err := m.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("metrics: gather: %w", err)
	}
	out := make(map[string]float64)
	for _, mf := range mfs {
		if !strings.HasPrefix(mf.GetName(), namespace+"_") {
			continue
		}
		for _, metric := range mf.GetMetric() {
			out[sampleKey(mf.GetName(), metric.GetLabel())] = value(metric)
		}
	}
	return out, nil
}

// sampleKey renders name{k="v",...} with labels sorted by name.
func sampleKey(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for _, l := range labels {
		pairs = append(pairs, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func value(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	}
	return 0
}
