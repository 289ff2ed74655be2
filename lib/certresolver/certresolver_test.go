package certresolver

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSigned(t *testing.T, cn string, notBefore, notAfter time.Time) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestResolveFromCommonName(t *testing.T) {
	t.Parallel()
	now := time.Now()
	cert := selfSigned(t, "SLAVE0001", now.Add(-time.Hour), now.Add(time.Hour))

	r := New(Config{Now: func() time.Time { return now }})
	saeID, err := r.Resolve(cert)
	require.NoError(t, err)
	require.Equal(t, "SLAVE0001", saeID)
}

func TestResolveRejectsExpiredCertificate(t *testing.T) {
	t.Parallel()
	now := time.Now()
	cert := selfSigned(t, "SLAVE0001", now.Add(-2*time.Hour), now.Add(-time.Hour))

	r := New(Config{Now: func() time.Time { return now }})
	_, err := r.Resolve(cert)
	require.Error(t, err)
}

func TestResolveRejectsIllegalCommonName(t *testing.T) {
	t.Parallel()
	now := time.Now()
	cert := selfSigned(t, "not a legal sae id!!", now.Add(-time.Hour), now.Add(time.Hour))

	r := New(Config{Now: func() time.Time { return now }})
	_, err := r.Resolve(cert)
	require.Error(t, err)
}

func TestResolveCachesByFingerprint(t *testing.T) {
	t.Parallel()
	now := time.Now()
	cert := selfSigned(t, "SLAVE0001", now.Add(-time.Hour), now.Add(time.Hour))

	r := New(Config{Now: func() time.Time { return now }})
	first, err := r.Resolve(cert)
	require.NoError(t, err)
	require.Equal(t, first, r.cache[Fingerprint(cert)])

	r.ForgetSession(cert)
	require.Empty(t, r.cache[Fingerprint(cert)])

	second, err := r.Resolve(cert)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
