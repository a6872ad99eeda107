package reqcast

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors of a Client. A nil *Metrics records nothing.
type Metrics struct {
	dispatched      *prometheus.CounterVec
	refreshCycles   prometheus.Counter
	replays         prometheus.Counter
	missingReplay   prometheus.Counter
	lostCredentials prometheus.Counter
	pending         prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reqcast",
			Name:      "requests_total",
			Help:      "Dispatched requests by outcome.",
		}, []string{"method", "outcome"}),
		refreshCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reqcast",
			Name:      "refresh_cycles_total",
			Help:      "Token refresh cycles started.",
		}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reqcast",
			Name:      "replays_total",
			Help:      "Calls replayed after a token refresh.",
		}),
		missingReplay: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reqcast",
			Name:      "replay_info_missing_total",
			Help:      "Expired calls that carried no replay info.",
		}),
		lostCredentials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reqcast",
			Name:      "credentials_lost_total",
			Help:      "Times the stored credentials were dropped.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reqcast",
			Name:      "replay_queue_length",
			Help:      "Calls waiting for the current refresh cycle.",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.dispatched, m.refreshCycles, m.replays, m.missingReplay, m.lostCredentials, m.pending,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) dispatchedWith(method Method, outcome string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(string(method), outcome).Inc()
}

func (m *Metrics) refreshStarted() {
	if m == nil {
		return
	}
	m.refreshCycles.Inc()
}

func (m *Metrics) replayed() {
	if m == nil {
		return
	}
	m.replays.Inc()
}

func (m *Metrics) replayInfoMissing() {
	if m == nil {
		return
	}
	m.missingReplay.Inc()
}

func (m *Metrics) credentialsLost() {
	if m == nil {
		return
	}
	m.lostCredentials.Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
