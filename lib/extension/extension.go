// Package extension implements ExtensionEngine (spec §4.6): a
// two-level (vendor, type) registry of extension handlers, dispatched
// separately for the mandatory and optional arrays a Get Key request
// carries. Grounded on the vendor-scoped registry and per-outcome
// processing statistics of original_source/app/services/
// extension_service.py and vendor_extension_service.py
// (SPEC_FULL.md F.4(1)(2)).
package extension

import (
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
)

// Param is one extension parameter block as it arrives on the wire
// (spec §4.6): `{type, data, version?, vendor?}`.
type Param struct {
	Type    string
	Data    map[string]any
	Version string
	Vendor  string
}

// Outcome is the processing statistics category a handler run falls
// into, mirroring the original's in-memory processing_stats dict.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailed      Outcome = "failed"
	OutcomeIgnored     Outcome = "ignored"
	OutcomeUnsupported Outcome = "unsupported"
)

// Handler processes one extension parameter. It is a pure function of
// its Param plus whatever read-only configuration was closed over at
// registration time; it must not retain state between calls (spec
// §4.6). Effects must be returned via Effect, never applied directly,
// so mandatory extensions cannot silently alter delivered key bytes.
type Handler func(p Param) (Effect, error)

// Effect is what a handler is permitted to influence: the single-use
// tag and response diagnostics, never key bytes (spec §4.6).
type Effect struct {
	// SingleUse requests that the delivered key transition to
	// consumed after its first slave retrieval (SPEC_FULL.md F.4(5)).
	SingleUse bool

	// Diagnostic is attached to the response's extension diagnostics,
	// if the caller chooses to surface it.
	Diagnostic map[string]any
}

type registryKey struct {
	vendor string
	typ    string
}

// Registry is the ExtensionEngine.
type Registry struct {
	handlers map[registryKey]Handler
	metrics  registryMetrics
}

type registryMetrics struct {
	outcomes *prometheus.CounterVec
}

func newRegistryMetrics(reg prometheus.Registerer) registryMetrics {
	m := registryMetrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kme_extension_outcomes_total",
			Help: "Extension handler outcomes by processing result.",
		}, []string{"outcome", "kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes)
	}
	return m
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		handlers: make(map[registryKey]Handler),
		metrics:  newRegistryMetrics(nil),
	}
}

// RegisterMetrics registers the registry's prometheus collectors.
func (r *Registry) RegisterMetrics(reg prometheus.Registerer) {
	r.metrics = newRegistryMetrics(reg)
}

// Register binds a handler for (vendor, type). vendor=="" registers a
// vendor-agnostic fallback handler for type.
func (r *Registry) Register(vendor, typ string, h Handler) {
	r.handlers[registryKey{vendor: vendor, typ: typ}] = h
}

// lookup tries (vendor, type) first, then (nil, type), per spec §4.6.
func (r *Registry) lookup(vendor, typ string) (Handler, bool) {
	if vendor != "" {
		if h, ok := r.handlers[registryKey{vendor: vendor, typ: typ}]; ok {
			return h, true
		}
	}
	h, ok := r.handlers[registryKey{typ: typ}]
	return h, ok
}

// Result is the outcome of processing a full request's extension
// arrays.
type Result struct {
	SingleUse   bool
	Diagnostics map[string]any
}

// ProcessMandatory runs every mandatory extension; any unknown or
// erroring one fails the whole request with trace.BadParameter
// (mapped to ExtensionRejected), per spec §4.6.
func (r *Registry) ProcessMandatory(params []Param) (Result, error) {
	var result Result
	for _, p := range params {
		h, ok := r.lookup(p.Vendor, p.Type)
		if !ok {
			r.count(OutcomeUnsupported, "mandatory")
			return Result{}, trace.BadParameter("mandatory extension %q is not recognized", p.Type)
		}
		eff, err := h(p)
		if err != nil {
			r.count(OutcomeFailed, "mandatory")
			return Result{}, trace.BadParameter("mandatory extension %q rejected: %v", p.Type, err)
		}
		r.count(OutcomeSuccess, "mandatory")
		result.SingleUse = result.SingleUse || eff.SingleUse
		result = mergeDiagnostics(result, eff)
	}
	return result, nil
}

// ProcessOptional runs every optional extension; unknown or erroring
// ones are recorded but never fail the request (spec §4.6).
func (r *Registry) ProcessOptional(params []Param) Result {
	var result Result
	for _, p := range params {
		h, ok := r.lookup(p.Vendor, p.Type)
		if !ok {
			r.count(OutcomeIgnored, "optional")
			continue
		}
		eff, err := h(p)
		if err != nil {
			r.count(OutcomeFailed, "optional")
			continue
		}
		r.count(OutcomeSuccess, "optional")
		result.SingleUse = result.SingleUse || eff.SingleUse
		result = mergeDiagnostics(result, eff)
	}
	return result
}

func mergeDiagnostics(result Result, eff Effect) Result {
	if eff.Diagnostic == nil {
		return result
	}
	if result.Diagnostics == nil {
		result.Diagnostics = make(map[string]any)
	}
	for k, v := range eff.Diagnostic {
		result.Diagnostics[k] = v
	}
	return result
}

func (r *Registry) count(outcome Outcome, kind string) {
	r.metrics.outcomes.WithLabelValues(string(outcome), kind).Inc()
}

// ListRegistered returns the (vendor, type) pairs currently bound, for
// the StatusService status_extension diagnostic (SPEC_FULL.md F.4(1)).
func (r *Registry) ListRegistered() []string {
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		if k.vendor == "" {
			out = append(out, k.typ)
		} else {
			out = append(out, k.vendor+"/"+k.typ)
		}
	}
	return out
}

// SingleUseType is the name of the built-in optional extension
// implementing the single-use hook from spec §9(b) /
// SPEC_FULL.md F.4(5).
const SingleUseType = "single_use"

// SingleUseHandler is the built-in handler for SingleUseType: its
// mere presence (accepted) requests single-use semantics for the
// delivered key(s); it carries no data fields to validate.
func SingleUseHandler(p Param) (Effect, error) {
	return Effect{SingleUse: true}, nil
}
