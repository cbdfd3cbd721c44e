package bench

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// A nil *Metrics records nothing.
type Metrics struct {
	Ops        *prometheus.CounterVec
	Bytes      *prometheus.CounterVec
	Errors     *prometheus.CounterVec
	Inflight   prometheus.Gauge
	Throughput *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Ops: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "diskbench_ops_total",
				Help: "Completed device operations",
			},
			[]string{"op", "mode"},
		),
		Bytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "diskbench_bytes_total",
				Help: "Bytes moved by completed device operations",
			},
			[]string{"op", "mode"},
		),
		Errors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "diskbench_errors_total",
				Help: "Failed device operations",
			},
			[]string{"op", "mode"},
		),
		Inflight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "diskbench_inflight",
				Help: "Async operations submitted and not yet completed",
			},
		),
		Throughput: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "diskbench_throughput_mbps",
				Help: "Throughput of the last finished run in MBytes/sec",
			},
			[]string{"device"},
		),
	}
}

func (m *Metrics) opDone(op, mode string, n int) {
	if m == nil { return }
	m.Ops.WithLabelValues(op, mode).Inc()
	m.Bytes.WithLabelValues(op, mode).Add(float64(n))
}

func (m *Metrics) opFailed(op, mode string) {
	if m == nil { return }
	m.Errors.WithLabelValues(op, mode).Inc()
}

func (m *Metrics) inflight(delta float64) {
	if m == nil { return }
	m.Inflight.Add(delta)
}

func (m *Metrics) speed(dev string, mbps uint64) {
	if m == nil { return }
	m.Throughput.WithLabelValues(dev).Set(float64(mbps))
}
