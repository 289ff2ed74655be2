// Package keyretrieval implements KeyRetrievalService (spec §4.9): the
// slave-side Get Key with Key IDs path. Unlike the master path it
// authorizes each requested key individually; the batch is
// all-or-nothing, so one key the caller may not read fails the whole
// request.
package keyretrieval

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/krich11/kme-sub001/api"
	"github.com/krich11/kme-sub001/lib/authz"
	"github.com/krich11/kme-sub001/lib/kmeerr"
	"github.com/krich11/kme-sub001/lib/pool"
)

// Config configures a Service.
type Config struct {
	Pool  *pool.Pool
	Authz *authz.Policy
}

// Service is the KeyRetrievalService.
type Service struct {
	pool  *pool.Pool
	authz *authz.Policy
}

// New constructs a Service.
func New(cfg Config) *Service {
	return &Service{pool: cfg.Pool, authz: cfg.Authz}
}

// Get implements spec §4.9 get_key_with_key_ids: slaveSAEID is the
// authenticated caller, masterSAEID comes from the request URL.
func (s *Service) Get(ctx context.Context, slaveSAEID, masterSAEID string, req api.KeyRetrievalRequest) (*api.KeysResponse, error) {
	if err := s.authz.Admit(ctx, authz.Request{
		RequestingSAEID: slaveSAEID,
		Kind:            authz.KeyRetrieval,
		URLSAEID:        masterSAEID,
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	keyIDs := make([]string, 0, len(req.KeyIDs))
	for _, k := range req.KeyIDs {
		if _, err := uuid.Parse(k.KeyID); err != nil {
			return nil, trace.BadParameter("key_ID %q is not a legal UUID", k.KeyID)
		}
		keyIDs = append(keyIDs, k.KeyID)
	}

	records, missing, err := s.pool.RetrieveForSlave(ctx, keyIDs)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(missing) > 0 {
		return nil, trace.NotFound("key_ID %q was not found", missing[0])
	}

	// Validate every record in the batch before applying any side
	// effect: spec §8's all-or-nothing property means a later key
	// failing authorization or liveness must not leave an earlier
	// single-use key already marked consumed.
	for _, r := range records {
		if !r.Status.Live() {
			return nil, trace.Wrap(kmeerr.Gone(fmt.Sprintf("key %q is no longer available (status %q)", r.KeyID, r.Status)))
		}
		if r.MasterSAEID != masterSAEID {
			return nil, trace.AccessDenied("key %q was not reserved for master %q", r.KeyID, masterSAEID)
		}
		if !r.HasSlave(slaveSAEID) {
			return nil, trace.AccessDenied("sae %q is not an authorized recipient of key %q", slaveSAEID, r.KeyID)
		}
	}

	keys := make([]api.KeyContainer, 0, len(records))
	for _, r := range records {
		keys = append(keys, api.KeyContainer{
			KeyID: r.KeyID,
			Key:   base64.StdEncoding.EncodeToString(r.Bytes),
		})

		if r.SingleUse {
			if err := s.pool.MarkConsumed(ctx, r.KeyID); err != nil {
				return nil, trace.Wrap(err)
			}
		}
	}
	return &api.KeysResponse{Keys: keys}, nil
}
