// Package metrics wires up the process-wide prometheus.Registry that
// cmd/kme hands to every component's RegisterMetrics method, alongside
// the standard process/Go runtime collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// NewRegistry constructs a registry carrying the standard process and
// Go runtime collectors, ready for components to register onto.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return reg
}
