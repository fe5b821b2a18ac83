// Package stats exposes the per-Instance counters previously reported
// through sysfs as Prometheus collectors, so an operator scrapes the same
// read/write/discard/flush/deferral figures the Data Model's counters
// track. Grounded on the kvdo_statistics field set and rendered with
// github.com/prometheus/client_golang the way a Go service instruments a
// request-admission front end.
package stats

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles the counters and gauges one Instance registers.
type Collectors struct {
	Reads    prometheus.Counter
	Writes   prometheus.Counter
	Discards prometheus.Counter
	Flushes  prometheus.Counter

	Deferred prometheus.Counter // requests routed through the deadlock queue

	Outstanding    prometheus.Gauge
	DeadlockQueued prometheus.Gauge
}

// New builds a Collectors labeled with poolName and registers every metric
// against reg.
func New(reg prometheus.Registerer, poolName string) *Collectors {
	labels := prometheus.Labels{"pool": poolName}
	c := &Collectors{
		Reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvdo",
			Name:        "reads_total",
			Help:        "Read requests admitted.",
			ConstLabels: labels,
		}),
		Writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvdo",
			Name:        "writes_total",
			Help:        "Write requests admitted.",
			ConstLabels: labels,
		}),
		Discards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvdo",
			Name:        "discards_total",
			Help:        "Discard requests admitted.",
			ConstLabels: labels,
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvdo",
			Name:        "flushes_total",
			Help:        "Flush requests and pre-flush-marked requests received.",
			ConstLabels: labels,
		}),
		Deferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvdo",
			Name:        "deferred_total",
			Help:        "Requests routed through the deadlock queue instead of blocking.",
			ConstLabels: labels,
		}),
		Outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kvdo",
			Name:        "outstanding_requests",
			Help:        "Requests currently holding a limiter permit.",
			ConstLabels: labels,
		}),
		DeadlockQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kvdo",
			Name:        "deadlock_queue_depth",
			Help:        "Requests currently parked on the deadlock queue.",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(c.Reads, c.Writes, c.Discards, c.Flushes, c.Deferred, c.Outstanding, c.DeadlockQueued)
	return c
}
