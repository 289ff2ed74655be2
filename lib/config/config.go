// Package config loads and validates the KME's YAML configuration
// file (spec §6.4).
package config

import (
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// TLSConfig carries the mTLS materials (spec §6.4).
type TLSConfig struct {
	Cert     string `yaml:"cert"`
	Key      string `yaml:"key"`
	ClientCA string `yaml:"client_ca"`
}

// TrustedProxyConfig enables trusted-proxy header mode (spec §6.1).
type TrustedProxyConfig struct {
	// Header, if non-empty, is the header carrying the URL-encoded PEM
	// client certificate forwarded by the trusted upstream.
	Header string `yaml:"header"`

	// AllowedPeerAddr restricts direct TCP connections to this
	// address when trusted-proxy mode is active; a connection from
	// any other peer is rejected.
	AllowedPeerAddr string `yaml:"allowed_peer_addr"`
}

// Config is the top-level KME configuration (spec §6.4).
type Config struct {
	KMEID         string `yaml:"kme_id"`
	TargetKMEID   string `yaml:"target_kme_id"`

	DefaultKeySize   int `yaml:"default_key_size"`
	MinKeySize       int `yaml:"min_key_size"`
	MaxKeySize       int `yaml:"max_key_size"`
	MaxKeyPerRequest int `yaml:"max_key_per_request"`
	MaxKeyCount      int `yaml:"max_key_count"`
	MaxSAEIDCount    int `yaml:"max_sae_id_count"`

	TLS           TLSConfig          `yaml:"tls"`
	TrustedProxy  TrustedProxyConfig `yaml:"trusted_proxy"`

	// ListenAddr is the SAE-facing mTLS listener address.
	ListenAddr string `yaml:"listen_addr"`
	// HealthAddr is the unauthenticated liveness/readiness/metrics
	// listener address (spec §4.10).
	HealthAddr string `yaml:"health_addr"`

	// AllowAnyActiveSAEStatus relaxes Get Status authorization (spec
	// §4.5) to any active SAE rather than relationship-only.
	AllowAnyActiveSAEStatus bool `yaml:"allow_any_active_sae_status"`

	// SweepInterval controls how often the pool's expiry sweeper runs
	// (spec §4.3 "Eviction / expiry").
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// CertRenewalWarningWindow feeds the status_extension certificate
	// expiration diagnostic (SPEC_FULL.md F.4(3)).
	CertRenewalWarningWindow time.Duration `yaml:"cert_renewal_warning_window"`

	// BackendPath, if set, selects the durable bbolt KeyStore backend
	// at this filesystem path; empty means the in-memory backend.
	BackendPath string `yaml:"backend_path"`
}

// Load reads and validates a Config from a YAML file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err, "reading config file %q", path)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, trace.Wrap(err, "parsing config file %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// Default returns a Config with every non-mandatory field set to a
// sane default, before any file is applied on top of it.
func Default() *Config {
	return &Config{
		DefaultKeySize:   256,
		MinKeySize:       64,
		MaxKeySize:       1024,
		MaxKeyPerRequest: 128,
		MaxKeyCount:      100000,
		MaxSAEIDCount:    0,
		ListenAddr:       ":8443",
		HealthAddr:       ":8080",
		SweepInterval:    time.Minute,
		CertRenewalWarningWindow: 30 * 24 * time.Hour,
	}
}

// Validate checks the invariants spec §3/§6.4 place on these bounds.
func (c *Config) Validate() error {
	if c.KMEID == "" {
		return trace.BadParameter("kme_id is required")
	}
	if c.MinKeySize <= 0 || c.MinKeySize%8 != 0 {
		return trace.BadParameter("min_key_size must be a positive multiple of 8")
	}
	if c.MaxKeySize < c.MinKeySize || c.MaxKeySize%8 != 0 {
		return trace.BadParameter("max_key_size must be a multiple of 8 and >= min_key_size")
	}
	if c.DefaultKeySize < c.MinKeySize || c.DefaultKeySize > c.MaxKeySize || c.DefaultKeySize%8 != 0 {
		return trace.BadParameter("default_key_size must fall within [min_key_size, max_key_size]")
	}
	if c.MaxKeyPerRequest < 1 {
		return trace.BadParameter("max_key_per_request must be >= 1")
	}
	if c.MaxKeyCount < 1 {
		return trace.BadParameter("max_key_count must be >= 1")
	}
	if c.MaxSAEIDCount < 0 {
		return trace.BadParameter("max_sae_id_count must be >= 0")
	}
	if c.TrustedProxy.Header != "" && c.TrustedProxy.AllowedPeerAddr == "" {
		return trace.BadParameter("trusted_proxy.allowed_peer_addr is required when trusted_proxy.header is set")
	}
	return nil
}
