// Package keyrequest implements KeyRequestService (spec §4.8): the
// master-side Get Key path, sitting between AuthorizationPolicy,
// ExtensionEngine, and the pool's reserve/commit/abort lifecycle.
package keyrequest

import (
	"context"
	"encoding/base64"

	"github.com/gravitational/trace"

	"github.com/krich11/kme-sub001/api"
	"github.com/krich11/kme-sub001/lib/authz"
	"github.com/krich11/kme-sub001/lib/extension"
	"github.com/krich11/kme-sub001/lib/pool"
)

// Config configures a Service.
type Config struct {
	Pool           *pool.Pool
	Authz          *authz.Policy
	Extensions     *extension.Registry
	DefaultKeySize int
}

// Service is the KeyRequestService.
type Service struct {
	pool           *pool.Pool
	authz          *authz.Policy
	extensions     *extension.Registry
	defaultKeySize int
}

// New constructs a Service.
func New(cfg Config) *Service {
	return &Service{
		pool:           cfg.Pool,
		authz:          cfg.Authz,
		extensions:     cfg.Extensions,
		defaultKeySize: cfg.DefaultKeySize,
	}
}

// Get implements spec §4.8 get_key: masterSAEID is the authenticated
// caller, slaveSAEID comes from the request URL.
func (s *Service) Get(ctx context.Context, masterSAEID, slaveSAEID string, req api.KeyRequest) (*api.KeysResponse, error) {
	number := req.Number
	if number == 0 {
		number = 1
	}
	size := req.Size
	if size == 0 {
		size = s.defaultKeySize
	}

	if err := s.authz.Admit(ctx, authz.Request{
		RequestingSAEID:       masterSAEID,
		Kind:                  authz.KeyRequest,
		URLSAEID:              slaveSAEID,
		AdditionalSlaveSAEIDs: req.AdditionalSlaveSAEIDs,
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	mandatory, err := s.extensions.ProcessMandatory(toParams(req.ExtensionMandatory))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	optional := s.extensions.ProcessOptional(toParams(req.ExtensionOptional))
	singleUse := mandatory.SingleUse || optional.SingleUse

	slaveSAEIDs := append([]string{slaveSAEID}, req.AdditionalSlaveSAEIDs...)

	reservation, err := s.pool.ReserveForMaster(ctx, masterSAEID, slaveSAEIDs, number, size)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	records, err := s.pool.Commit(ctx, reservation)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if singleUse {
		if err := s.pool.MarkSingleUse(ctx, reservation.KeyIDs); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	keys := make([]api.KeyContainer, 0, len(records))
	for _, r := range records {
		keys = append(keys, api.KeyContainer{
			KeyID: r.KeyID,
			Key:   base64.StdEncoding.EncodeToString(r.Bytes),
		})
	}
	return &api.KeysResponse{Keys: keys}, nil
}

func toParams(in []api.ExtensionParam) []extension.Param {
	out := make([]extension.Param, 0, len(in))
	for _, p := range in {
		out = append(out, extension.Param{
			Type:    p.Type,
			Data:    p.Data,
			Version: p.Version,
			Vendor:  p.Vendor,
		})
	}
	return out
}
