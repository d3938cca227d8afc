// Package metrics holds the Prometheus collectors for registries, cursors,
// reclamation and the connection tables.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/calvinalkan/dpi-conntrack/pkg/rcu"
)

const component = "dpi"

// Results used as the "result" label.
const (
	ResultOK             = "ok"
	ResultExists         = "exists"
	ResultNotFound       = "not_found"
	ResultExhausted      = "exhausted"
	ResultExternalFailed = "external_failed"
	ResultClosed         = "closed"
)

var (
	handlesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: component,
			Name:      "handles_active",
			Help:      "Number of handles linked in a namespace registry.",
		},
		[]string{"namespace"},
	)
	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "registrations_total",
			Help:      "Count of Register calls by result.",
		},
		[]string{"namespace", "result"},
	)
	unregistrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "unregistrations_total",
			Help:      "Count of Unregister calls by result.",
		},
		[]string{"namespace", "result"},
	)
	reclaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "handles_reclaimed_total",
			Help:      "Count of handles destroyed after a grace period.",
		},
		[]string{"namespace"},
	)
	cursorsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "cursors_opened_total",
			Help:      "Count of cursors opened over the connection table.",
		},
		[]string{"namespace"},
	)
	cursorMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "cursor_matches_total",
			Help:      "Count of matching entries returned by cursors.",
		},
		[]string{"namespace"},
	)
	cursorResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "cursor_bucket_resets_total",
			Help:      "Count of times a cursor reached a sentinel of another bucket and restarted there.",
		},
		[]string{"namespace"},
	)
	conntrackEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: component,
			Name:      "conntrack_entries",
			Help:      "Number of tracked connections.",
		},
		[]string{"namespace"},
	)
)

var registerMetrics sync.Once

// Register all metrics with reg.
func Register(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		reg.MustRegister(handlesActive)
		reg.MustRegister(registrations)
		reg.MustRegister(unregistrations)
		reg.MustRegister(reclaims)
		reg.MustRegister(cursorsOpened)
		reg.MustRegister(cursorMatches)
		reg.MustRegister(cursorResets)
		reg.MustRegister(conntrackEntries)
	})
}

// RegisterDomain exposes the counters of an RCU domain on reg.
func RegisterDomain(reg prometheus.Registerer, d *rcu.Domain) {
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Subsystem: component,
			Name:      "rcu_grace_periods_total",
			Help:      "Count of completed grace periods.",
		}, func() float64 { return float64(d.Stats().GracePeriods) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: component,
			Name:      "rcu_callbacks_pending",
			Help:      "Number of reclaim callbacks waiting for a grace period.",
		}, func() float64 { return float64(d.Stats().Pending()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: component,
			Name:      "rcu_readers",
			Help:      "Number of goroutines inside a read-side section.",
		}, func() float64 { return float64(d.Stats().Readers) }),
	)
}

// RecordRegister counts a Register call.
func RecordRegister(namespace, result string) {
	registrations.WithLabelValues(namespace, result).Inc()
}

// RecordUnregister counts an unlink, whether requested or forced by teardown.
// Rollbacks of a failed Register are not unregistrations.
func RecordUnregister(namespace, result string) {
	unregistrations.WithLabelValues(namespace, result).Inc()
}

// AddHandlesActive moves the linked handle gauge by delta.
func AddHandlesActive(namespace string, delta int) {
	handlesActive.WithLabelValues(namespace).Add(float64(delta))
}

// RecordReclaim counts a destroyed handle.
func RecordReclaim(namespace string) {
	reclaims.WithLabelValues(namespace).Inc()
}

// RecordCursorOpen counts an opened cursor.
func RecordCursorOpen(namespace string) {
	cursorsOpened.WithLabelValues(namespace).Inc()
}

// RecordCursorMatch counts an entry returned by a cursor.
func RecordCursorMatch(namespace string) {
	cursorMatches.WithLabelValues(namespace).Inc()
}

// RecordCursorReset counts a sentinel mismatch.
func RecordCursorReset(namespace string) {
	cursorResets.WithLabelValues(namespace).Inc()
}

// SetConntrackEntries records the size of a namespace's connection table.
func SetConntrackEntries(namespace string, n int) {
	conntrackEntries.WithLabelValues(namespace).Set(float64(n))
}

// Forget drops every series labelled with namespace.
func Forget(namespace string) {
	labels := prometheus.Labels{"namespace": namespace}

	for _, v := range []interface{ DeletePartialMatch(prometheus.Labels) int }{
		handlesActive, registrations, unregistrations, reclaims,
		cursorsOpened, cursorMatches, cursorResets, conntrackEntries,
	} {
		v.DeletePartialMatch(labels)
	}
}
