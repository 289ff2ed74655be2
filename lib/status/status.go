// Package status implements StatusService (spec §4.7): assembling the
// Get Status response from the pool's live statistics, the SAE
// registry's pairing records, and whatever extensions are registered,
// without itself owning any of that state.
package status

import (
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/krich11/kme-sub001/api"
	"github.com/krich11/kme-sub001/lib/extension"
	"github.com/krich11/kme-sub001/lib/pool"
	"github.com/krich11/kme-sub001/lib/sae"
)

// Limits mirrors the bound fields a status response must report (spec
// §6.2), taken from configuration.
type Limits struct {
	DefaultKeySize   int
	MaxKeyCount      int
	MaxKeyPerRequest int
	MaxKeySize       int
	MinKeySize       int
	MaxSAEIDCount    int
}

// Config configures a Service.
type Config struct {
	SourceKMEID string
	TargetKMEID string
	Pool        *pool.Pool
	Registry    sae.Registry
	Extensions  *extension.Registry
	Limits      Limits

	// ServingCertNotAfter is the expiry of the KME's own serving
	// certificate, used to surface a renewal-due diagnostic in
	// status_extension (SPEC_FULL.md F.4(3)). Zero disables the
	// diagnostic (e.g. in tests that have no real certificate).
	ServingCertNotAfter time.Time

	// CertRenewalWarningWindow is how far ahead of expiry the
	// diagnostic starts reporting the certificate as due for renewal.
	CertRenewalWarningWindow time.Duration

	// Now returns the current time, defaulting to time.Now.
	Now func() time.Time
}

// Service is the StatusService.
type Service struct {
	sourceKMEID string
	targetKMEID string
	pool        *pool.Pool
	registry    sae.Registry
	extensions  *extension.Registry
	limits      Limits

	certNotAfter    time.Time
	certRenewalWarn time.Duration
	now             func() time.Time
}

// New constructs a Service.
func New(cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		sourceKMEID:     cfg.SourceKMEID,
		targetKMEID:     cfg.TargetKMEID,
		pool:            cfg.Pool,
		registry:        cfg.Registry,
		extensions:      cfg.Extensions,
		limits:          cfg.Limits,
		certNotAfter:    cfg.ServingCertNotAfter,
		certRenewalWarn: cfg.CertRenewalWarningWindow,
		now:             cfg.Now,
	}
}

// Get implements spec §4.7 get_status for the link between
// s.sourceKMEID and slaveSAEID, as requested by requestingSAEID (spec
// §9(a): master_SAE_ID resolves to the caller when it is itself the
// master of slaveSAEID, else to any known master of slaveSAEID, else
// is omitted).
func (s *Service) Get(ctx context.Context, requestingSAEID, slaveSAEID string) (*api.StatusResponse, error) {
	stats, err := s.pool.Stats(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	masterSAEID, err := s.resolveMaster(ctx, requestingSAEID, slaveSAEID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &api.StatusResponse{
		SourceKMEID:      s.sourceKMEID,
		TargetKMEID:      s.targetKMEID,
		MasterSAEID:      masterSAEID,
		SlaveSAEID:       slaveSAEID,
		KeySize:          s.limits.DefaultKeySize,
		StoredKeyCount:   stats.StoredKeyCount,
		MaxKeyCount:      s.limits.MaxKeyCount,
		MaxKeyPerRequest: s.limits.MaxKeyPerRequest,
		MaxKeySize:       s.limits.MaxKeySize,
		MinKeySize:       s.limits.MinKeySize,
		MaxSAEIDCount:    s.limits.MaxSAEIDCount,
		StatusExtension:  s.statusExtension(),
	}, nil
}

// resolveMaster implements the §9(a) decision: prefer the requesting
// SAE itself if it is a registered master of slaveSAEID, else fall
// back to any master the registry has ever paired with slaveSAEID,
// else report no master at all. It never falls back to the KME's own
// identifier.
func (s *Service) resolveMaster(ctx context.Context, requestingSAEID, slaveSAEID string) (string, error) {
	if requestingSAEID != "" {
		paired, err := s.registry.Paired(ctx, requestingSAEID, slaveSAEID)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if paired {
			return requestingSAEID, nil
		}
	}
	master, ok, err := s.registry.KnownMasterFor(ctx, slaveSAEID)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if ok {
		return master, nil
	}
	return "", nil
}

// statusExtension reports which extension types this KME recognizes
// (SPEC_FULL.md F.4(1)) and, when a serving certificate expiry was
// configured, a certificate-renewal-window diagnostic (F.4(3)). Returns
// nil when there is nothing to report, matching the minimal wire
// behavior of an unextended ETSI status response.
func (s *Service) statusExtension() any {
	ext := map[string]any{}

	if s.extensions != nil {
		if registered := s.extensions.ListRegistered(); len(registered) > 0 {
			ext["supported_extensions"] = registered
		}
	}

	if !s.certNotAfter.IsZero() {
		remaining := s.certNotAfter.Sub(s.now())
		ext["server_certificate_expires_at"] = s.certNotAfter.UTC().Format(time.RFC3339)
		ext["server_certificate_renewal_due"] = remaining <= s.certRenewalWarn
	}

	if len(ext) == 0 {
		return nil
	}
	return ext
}
