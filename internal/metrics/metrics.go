package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes counters/histograms for booking, slot release and reconciliation.
type Metrics struct {
	bookingTotal   *prometheus.CounterVec
	releaseTotal   *prometheus.CounterVec
	reconcileTotal *prometheus.CounterVec
	lockWait       *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bookingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "channeling",
			Name:      "booking_total",
			Help:      "Reservation attempts by outcome",
		}, []string{"outcome"}),
		releaseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "channeling",
			Name:      "slot_release_total",
			Help:      "Slot bindings released by reason",
		}, []string{"reason"}),
		reconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "channeling",
			Name:      "reconciliation_total",
			Help:      "Payment reconciliation events by result",
		}, []string{"result"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "channeling",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a distributed lock",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"scope"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingTotal, m.releaseTotal, m.reconcileTotal, m.lockWait)
	return m
}

func (m *Metrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRelease(reason string) {
	if m == nil {
		return
	}
	m.releaseTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveReconciliation(result string) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(result).Inc()
}

// ObserveLockWait labels by the key prefix ("session", "appointment") to keep
// cardinality bounded.
func (m *Metrics) ObserveLockWait(key string, waited time.Duration) {
	if m == nil {
		return
	}
	scope, _, _ := strings.Cut(key, ":")
	m.lockWait.WithLabelValues(scope).Observe(waited.Seconds())
}
