package guard

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the guard's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	validations   *prometheus.CounterVec
	dnsLookups    *prometheus.CounterVec
	redirects     prometheus.Counter
	fetches       *prometheus.CounterVec
	fetchDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ssrfguard",
			Name:      "validations_total",
			Help:      "URL validations by outcome and error kind.",
		}, []string{"outcome", "kind"}), // outcome: allowed, denied, bypass

		dnsLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ssrfguard",
			Name:      "dns_lookups_total",
			Help:      "Forward lookups issued by the validator.",
		}, []string{"result"}), // ok, error

		redirects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ssrfguard",
			Name:      "redirects_total",
			Help:      "Redirect hops followed after revalidation.",
		}),

		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ssrfguard",
			Name:      "fetches_total",
			Help:      "Guarded fetches by outcome (ok or error kind).",
		}, []string{"outcome"}),

		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ssrfguard",
			Name:      "fetch_duration_seconds",
			Help:      "Guarded fetch latency including every redirect hop.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.validations, m.dnsLookups, m.redirects, m.fetches, m.fetchDuration)
	}
	return m
}

func (m *Metrics) observeValidation(outcome Outcome, kind string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(string(outcome), kind).Inc()
}

func (m *Metrics) observeLookup(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.dnsLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) observeRedirect() {
	if m == nil {
		return
	}
	m.redirects.Inc()
}

func (m *Metrics) observeFetch(err error, start time.Time) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = Kind(err)
	}
	m.fetches.WithLabelValues(outcome).Inc()
	m.fetchDuration.Observe(time.Since(start).Seconds())
}
