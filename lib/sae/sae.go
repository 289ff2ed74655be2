// Package sae defines the SAERegistry external collaborator (spec §1,
// §3 "SAE registration") and ships a reference in-memory
// implementation. Production deployments are expected to supply their
// own Registry backed by whatever on-boarding system they run; this
// package never performs on-boarding itself.
package sae

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
)

// Status is the registration status of an SAE.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

// Registration is a single SAE's registry record.
type Registration struct {
	SAEID                 string
	Status                Status
	KMEID                 string
	CertificateFingerprint string
}

// Registry resolves SAE identifiers to their registration record and
// records which SAE pairs are permitted to act as master/slave of
// each other. It is consumed, never administered, by this service.
type Registry interface {
	// Get returns the registration for saeID, failing with
	// trace.NotFound if unregistered.
	Get(ctx context.Context, saeID string) (*Registration, error)

	// Paired reports whether master is permitted to request keys for
	// slave (an asymmetric master->slave relationship).
	Paired(ctx context.Context, masterSAEID, slaveSAEID string) (bool, error)

	// KnownMasterFor returns the master SAE ID paired with slaveSAEID,
	// if any pairing has ever been recorded.
	KnownMasterFor(ctx context.Context, slaveSAEID string) (string, bool, error)
}

// MemRegistry is a reference in-memory Registry, suitable for tests
// and small fixed-topology deployments.
type MemRegistry struct {
	mu            sync.RWMutex
	registrations map[string]Registration
	pairs         map[string]map[string]bool // master -> slave -> true
}

// NewMemRegistry constructs an empty MemRegistry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{
		registrations: make(map[string]Registration),
		pairs:         make(map[string]map[string]bool),
	}
}

// Register adds or replaces a SAE's registration record.
func (r *MemRegistry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations[reg.SAEID] = reg
}

// Pair records that masterSAEID may request keys on behalf of
// slaveSAEID.
func (r *MemRegistry) Pair(masterSAEID, slaveSAEID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pairs[masterSAEID] == nil {
		r.pairs[masterSAEID] = make(map[string]bool)
	}
	r.pairs[masterSAEID][slaveSAEID] = true
}

// Get implements Registry.
func (r *MemRegistry) Get(ctx context.Context, saeID string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.registrations[saeID]
	if !ok {
		return nil, trace.NotFound("sae %q is not registered", saeID)
	}
	out := reg
	return &out, nil
}

// Paired implements Registry.
func (r *MemRegistry) Paired(ctx context.Context, masterSAEID, slaveSAEID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pairs[masterSAEID][slaveSAEID], nil
}

// KnownMasterFor implements Registry.
func (r *MemRegistry) KnownMasterFor(ctx context.Context, slaveSAEID string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for master, slaves := range r.pairs {
		if slaves[slaveSAEID] {
			return master, true, nil
		}
	}
	return "", false, nil
}
