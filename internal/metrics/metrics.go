package metrics

import (
	"net/http"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elys-network/avr/internal/types"
	"github.com/elys-network/avr/internal/utils"
)

const namespace = "avr"

// Metrics owns the rebalancer's collectors and the registry they are exposed from.
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	moves         *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	blendedYield  prometheus.Gauge
	managed       prometheus.Gauge
	stale         prometheus.Gauge
	paused        prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Decision cycles run, by outcome.",
		}, []string{"outcome"}),
		moves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moves_total",
			Help:      "Registry calls made while executing plans, by phase and result.",
		}, []string{"phase", "result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a decision cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		blendedYield: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blended_yield_bps",
			Help:      "Delegation-weighted effective yield of the ledger at the end of the last cycle.",
		}),
		managed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "managed_capital",
			Help:      "Capital tracked by the ledger, delegated plus parked, in base units.",
		}),
		stale: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_ledger",
			Help:      "1 while the ledger disagrees with the registry.",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "paused",
			Help:      "1 while automated rebalancing is paused.",
		}),
	}

	m.registry.MustRegister(
		m.cycles, m.moves, m.cycleDuration, m.blendedYield, m.managed, m.stale, m.paused,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveCycle(outcome types.CycleOutcome, duration time.Duration) {
	m.cycles.WithLabelValues(string(outcome)).Inc()
	m.cycleDuration.Observe(duration.Seconds())
	m.SetStale(outcome == types.OutcomeStaleLedger)
}

// ObserveStep counts a single registry call. It satisfies executor.StepObserver.
func (m *Metrics) ObserveStep(phase types.ExecutionPhase, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.moves.WithLabelValues(string(phase), result).Inc()
}

func (m *Metrics) SetBlendedYield(yieldBps sdkmath.LegacyDec) {
	if v, err := utils.DecToFloat64(yieldBps); err == nil {
		m.blendedYield.Set(v)
	}
}

func (m *Metrics) SetManagedCapital(amount sdkmath.Int) {
	if v, err := utils.SDKIntToFloat64(amount, 0); err == nil {
		m.managed.Set(v)
	}
}

func (m *Metrics) SetStale(stale bool) {
	m.stale.Set(boolToFloat(stale))
}

func (m *Metrics) SetPaused(paused bool) {
	m.paused.Set(boolToFloat(paused))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
