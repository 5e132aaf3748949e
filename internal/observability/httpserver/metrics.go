package httpserver

import (
	"errors"
	"fmt"
	"time"

	"countdown/internal/countdown"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "countdown"

// Metrics exposes the countdown as prometheus series. It implements
// countdown.Observer.
type Metrics struct {
	reg *prometheus.Registry

	remaining  prometheus.Gauge
	target     prometheus.Gauge
	cycle      prometheus.Gauge
	expired    prometheus.Gauge
	slots      *prometheus.GaugeVec
	ticks      prometheus.Counter
	rollovers  prometheus.Counter
	sinkErrors *prometheus.CounterVec
	triggers   *prometheus.CounterVec
	triggerDur *prometheus.HistogramVec
}

func registerCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return fmt.Errorf("register collector: %w", err)
	}
	return nil
}

// NewMetrics registers the countdown series plus the Go and process collectors
// on a fresh registry.
func NewMetrics() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		remaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "remaining_seconds",
			Help: "Seconds until the current target, truncated to the minute.",
		}),
		target: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "target_timestamp_seconds",
			Help: "Unix time of the current target.",
		}),
		cycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cycle",
			Help: "Number of targets armed since start.",
		}),
		expired: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "expired",
			Help: "1 when a single-shot countdown has passed.",
		}),
		slots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "slot_value",
			Help: "Displayed value per slot.",
		}, []string{"slot"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total",
			Help: "Evaluated frames.",
		}),
		rollovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rollovers_total",
			Help: "Target recomputations.",
		}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sink_errors_total",
			Help: "Failed renders by sink.",
		}, []string{"sink"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trigger_runs_total",
			Help: "Trigger job runs by name and result.",
		}, []string{"name", "result"}),
		triggerDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "trigger_duration_seconds",
			Help:    "Trigger job duration.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"name"}),
	}

	for _, c := range []prometheus.Collector{
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		m.remaining, m.target, m.cycle, m.expired, m.slots,
		m.ticks, m.rollovers, m.sinkErrors, m.triggers, m.triggerDur,
	} {
		if err := registerCollector(reg, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) ObserveFrame(f countdown.Frame) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	if f.Rollover {
		m.rollovers.Inc()
	}
	m.remaining.Set(float64(f.Remaining.Millis()) / 1000)
	m.target.Set(float64(f.Target.Unix()))
	m.cycle.Set(float64(f.Cycle))
	if f.Expired {
		m.expired.Set(1)
	} else {
		m.expired.Set(0)
	}
	m.slots.WithLabelValues("days").Set(float64(f.Remaining.Days))
	m.slots.WithLabelValues("hours").Set(float64(f.Remaining.Hours))
	m.slots.WithLabelValues("minutes").Set(float64(f.Remaining.Minutes))
}

func (m *Metrics) ObserveSinkError(sink string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(sink).Inc()
}

// ObserveTrigger records one trigger job run.
func (m *Metrics) ObserveTrigger(name string, took time.Duration, errMsg string) {
	if m == nil {
		return
	}
	result := "ok"
	if errMsg != "" {
		result = "error"
	}
	m.triggers.WithLabelValues(name, result).Inc()
	m.triggerDur.WithLabelValues(name).Observe(took.Seconds())
}
