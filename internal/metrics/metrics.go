// Package metrics declares the prometheus.Collectors this core exposes
// for an embedding process (the forge) to register into its own
// registry — SPEC_FULL.md's "external interfaces" note is explicit that
// this repository never stands up its own `/metrics` HTTP server; that
// belongs to the embedding service (spec.md §1's "dashboard formatting"
// Non-goal carries over to "serving metrics" too).
//
// Grounded on cuemby-warren's pkg/metrics (Counter/CounterVec/Histogram
// declarations, prometheus/client_golang), generalized from "package
// vars registered into the global default registry at init" to an
// explicit Register(reg) call, since a library embedded into someone
// else's process must not silently claim the default registry out from
// under its host.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CommitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wit_commits_total",
		Help: "Total number of commits created.",
	})

	MergesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wit_merges_total",
		Help: "Total number of merges, by outcome (up-to-date, fast-forward, merged, conflict).",
	}, []string{"outcome"})

	PushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wit_pushes_total",
		Help: "Total number of push operations, by overall outcome (ok, rejected).",
	}, []string{"outcome"})

	PushBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wit_push_bytes_total",
		Help: "Total bytes sent in push pack streams.",
	})

	PackObjectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wit_pack_objects_total",
		Help: "Total objects written into outgoing packs.",
	})

	OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wit_operation_duration_seconds",
		Help:    "Duration of C7 operation engine runs, by operation name.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// Register adds every collector declared in this package to reg. Callers
// embedding this core into a larger process (the forge) call this once
// against their own prometheus.Registry; Repository never calls it
// itself.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{CommitsTotal, MergesTotal, PushesTotal, PushBytesTotal, PackObjectsTotal, OperationDuration} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
