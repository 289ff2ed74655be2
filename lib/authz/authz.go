// Package authz implements AuthorizationPolicy (spec §4.5): the
// per-endpoint master/slave role rules that sit between certificate
// resolution and the service layer.
package authz

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/krich11/kme-sub001/lib/sae"
)

// EndpointKind identifies which of the three ETSI endpoints is being
// authorized.
type EndpointKind int

const (
	Status EndpointKind = iota
	KeyRequest
	KeyRetrieval
)

// Config configures a Policy.
type Config struct {
	Registry sae.Registry

	// AllowAnyActiveSAEStatus permits any active SAE to query any
	// other SAE's status, relaxing the default relationship-only rule
	// (spec §4.5).
	AllowAnyActiveSAEStatus bool
}

// Policy is the AuthorizationPolicy.
type Policy struct {
	registry    sae.Registry
	anyActiveOK bool
}

// New constructs a Policy.
func New(cfg Config) *Policy {
	return &Policy{registry: cfg.Registry, anyActiveOK: cfg.AllowAnyActiveSAEStatus}
}

// Request carries the admission inputs spec §4.5 describes.
type Request struct {
	RequestingSAEID        string
	Kind                   EndpointKind
	URLSAEID               string
	AdditionalSlaveSAEIDs  []string
}

// Admit applies the rule for req.Kind, returning trace.AccessDenied
// (mapped to Forbidden) on rejection, including for an unregistered
// SAE; an unknown req.Kind yields trace.BadParameter.
func (p *Policy) Admit(ctx context.Context, req Request) error {
	switch req.Kind {
	case Status:
		return p.admitStatus(ctx, req)
	case KeyRequest:
		return p.admitKeyRequest(ctx, req)
	case KeyRetrieval:
		return p.admitKeyRetrieval(ctx, req)
	default:
		return trace.BadParameter("unknown endpoint kind %v", req.Kind)
	}
}

func (p *Policy) admitStatus(ctx context.Context, req Request) error {
	if req.RequestingSAEID == req.URLSAEID {
		return nil
	}
	if p.anyActiveOK {
		reg, err := p.getRegistration(ctx, req.RequestingSAEID)
		if err != nil {
			return trace.Wrap(err)
		}
		if reg.Status == sae.StatusActive {
			return nil
		}
		return trace.AccessDenied("sae %q is not active", req.RequestingSAEID)
	}
	paired, err := p.registry.Paired(ctx, req.RequestingSAEID, req.URLSAEID)
	if err != nil {
		return trace.Wrap(err)
	}
	if !paired {
		return trace.AccessDenied("sae %q has no registered relationship with %q", req.RequestingSAEID, req.URLSAEID)
	}
	return nil
}

func (p *Policy) admitKeyRequest(ctx context.Context, req Request) error {
	if req.RequestingSAEID == req.URLSAEID {
		return trace.AccessDenied("an sae cannot request keys for itself")
	}
	if err := p.requireActivePair(ctx, req.RequestingSAEID, req.URLSAEID); err != nil {
		return trace.Wrap(err)
	}
	for _, extra := range req.AdditionalSlaveSAEIDs {
		if err := p.requireActivePair(ctx, req.RequestingSAEID, extra); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (p *Policy) requireActivePair(ctx context.Context, masterSAEID, slaveSAEID string) error {
	masterReg, err := p.getRegistration(ctx, masterSAEID)
	if err != nil {
		return trace.Wrap(err)
	}
	slaveReg, err := p.getRegistration(ctx, slaveSAEID)
	if err != nil {
		return trace.Wrap(err)
	}
	if masterReg.Status != sae.StatusActive || slaveReg.Status != sae.StatusActive {
		return trace.AccessDenied("both %q and %q must be active", masterSAEID, slaveSAEID)
	}
	paired, err := p.registry.Paired(ctx, masterSAEID, slaveSAEID)
	if err != nil {
		return trace.Wrap(err)
	}
	if !paired {
		return trace.AccessDenied("sae %q is not authorized to request keys for %q", masterSAEID, slaveSAEID)
	}
	return nil
}

// admitKeyRetrieval performs the coarse-grained admission step only;
// the fine-grained per-key slave_sae_ids check is made by
// lib/pool.RetrieveForSlave per spec §4.5.
func (p *Policy) admitKeyRetrieval(ctx context.Context, req Request) error {
	reg, err := p.getRegistration(ctx, req.RequestingSAEID)
	if err != nil {
		return trace.Wrap(err)
	}
	if reg.Status != sae.StatusActive {
		return trace.AccessDenied("sae %q is not active", req.RequestingSAEID)
	}
	return nil
}

// getRegistration looks up saeID, translating an unregistered SAE into
// trace.AccessDenied: spec §7 reserves NotFound(404) for a missing
// key_ID, while an unknown SAE is an authorization-rule failure
// (Forbidden/403), not a missing-resource one.
func (p *Policy) getRegistration(ctx context.Context, saeID string) (*sae.Registration, error) {
	reg, err := p.registry.Get(ctx, saeID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("sae %q is not registered", saeID)
		}
		return nil, trace.Wrap(err)
	}
	return reg, nil
}
