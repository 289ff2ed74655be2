package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.KMEID = "KME001"
	require.NoError(t, cfg.Validate())
}

func TestValidateRequiresKMEID(t *testing.T) {
	t.Parallel()
	cfg := Default()
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadKeySizeBounds(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.KMEID = "KME001"
	cfg.MaxKeySize = 32
	cfg.MinKeySize = 64
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresAllowedPeerAddrWithTrustedProxy(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.KMEID = "KME001"
	cfg.TrustedProxy.Header = "X-Forwarded-Client-Cert"
	require.Error(t, cfg.Validate())

	cfg.TrustedProxy.AllowedPeerAddr = "10.0.0.1:0"
	require.NoError(t, cfg.Validate())
}

func TestLoadParsesYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "kme.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
kme_id: KME001
target_kme_id: KME002
default_key_size: 256
min_key_size: 64
max_key_size: 1024
max_key_per_request: 10
max_key_count: 1000
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "KME001", cfg.KMEID)
	require.Equal(t, 256, cfg.DefaultKeySize)
}
