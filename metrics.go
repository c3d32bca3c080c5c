package ddnsync

import (
	"net/netip"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of a Reconciler and its Watcher.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	writes         *prometheus.CounterVec
	targetFailures *prometheus.CounterVec
	resolveErrors  prometheus.Counter
	ipChanges      prometheus.Counter
	currentIP      *prometheus.GaugeVec
	reloads        *prometheus.CounterVec

	mu sync.Mutex
	ip string
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ddnsync",
			Name:      "cycles_total",
			Help:      "Reconciliation cycles by final state",
		}, []string{"state"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ddnsync",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of reconciliation cycles including retries",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 900},
		}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ddnsync",
			Name:      "record_writes_total",
			Help:      "Records created or updated at the provider",
		}, []string{"action"}),
		targetFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ddnsync",
			Name:      "target_failures_total",
			Help:      "Failed target syncs by error kind",
		}, []string{"kind"}),
		resolveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ddnsync",
			Name:      "resolve_failures_total",
			Help:      "Attempts where no IP service returned a usable address",
		}),
		ipChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ddnsync",
			Name:      "ip_changes_total",
			Help:      "Changes of the address applied to every target, not counting the first one after startup",
		}),
		currentIP: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ddnsync",
			Name:      "current_ip",
			Help:      "Set to 1 for the address last applied to every target",
		}, []string{"ip"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ddnsync",
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts by result",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.cycles, m.cycleDuration, m.writes, m.targetFailures,
			m.resolveErrors, m.ipChanges, m.currentIP, m.reloads)
	}
	return m
}

func (m *Metrics) cycle(s State, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(s.String()).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) wrote(a Action) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(a.String()).Inc()
}

func (m *Metrics) targetFailed(kind string) {
	if m == nil {
		return
	}
	m.targetFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) resolveFailed() {
	if m == nil {
		return
	}
	m.resolveErrors.Inc()
}

func (m *Metrics) setKnownIP(ip netip.Addr) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := ip.String()
	if next == m.ip {
		return
	}
	if m.ip != "" {
		m.currentIP.DeleteLabelValues(m.ip)
		m.ipChanges.Inc()
	}
	m.currentIP.WithLabelValues(next).Set(1)
	m.ip = next
}

func (m *Metrics) reloaded(result string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(result).Inc()
}
