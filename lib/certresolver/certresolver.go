// Package certresolver implements CertificateResolver (spec §4.4):
// mapping a verified client certificate to a requesting SAE_ID, either
// from a directly-terminated mTLS connection or from a trusted-proxy
// forwarded header (spec §6.1).
package certresolver

import (
	"crypto/x509"
	"regexp"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/krich11/kme-sub001/lib/kmeerr"
)

// defaultSAEIDPattern accepts 1 to 64 characters from [A-Za-z0-9_-],
// which covers the reference 16-character SAE_ID token (spec §3);
// deployments with a different SAE_ID shape can override it via Config.
var defaultSAEIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Config configures a Resolver.
type Config struct {
	// SANPattern, if set, is tried against each Subject Alternative
	// Name (URI or DNS) when the Common Name does not yield a legal
	// SAE_ID. It must contain exactly one capture group, the SAE_ID.
	SANPattern *regexp.Regexp

	// IDPattern validates that an extracted candidate is a legal
	// SAE_ID shape. Defaults to defaultSAEIDPattern.
	IDPattern *regexp.Regexp

	// Now returns the current time, for testable certificate-validity
	// checks. Defaults to time.Now.
	Now func() time.Time
}

// Resolver is the CertificateResolver.
type Resolver struct {
	sanPattern *regexp.Regexp
	idPattern  *regexp.Regexp
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]string // fingerprint -> SAE_ID, kept until ForgetSession
}

// New constructs a Resolver.
func New(cfg Config) *Resolver {
	if cfg.IDPattern == nil {
		cfg.IDPattern = defaultSAEIDPattern
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Resolver{
		sanPattern: cfg.SANPattern,
		idPattern:  cfg.IDPattern,
		now:        cfg.Now,
		cache:      make(map[string]string),
	}
}

// Fingerprint returns a stable cache key for a certificate, using its
// raw DER bytes rather than any field an SAE could spoof.
func Fingerprint(cert *x509.Certificate) string {
	return string(cert.Raw)
}

// Resolve extracts the requesting SAE_ID from a verified peer
// certificate, per spec §4.4. It fails with kmeerr.Unauthenticated
// (mapped to AuthenticationError/401 at the HTTP boundary) if no SAE_ID
// can be extracted or the certificate is outside its validity period.
func (r *Resolver) Resolve(cert *x509.Certificate) (string, error) {
	if cert == nil {
		return "", kmeerr.Unauthenticated("no client certificate presented")
	}

	now := r.now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return "", kmeerr.Unauthenticated("client certificate is not within its validity period")
	}

	fp := Fingerprint(cert)
	r.mu.RLock()
	if id, ok := r.cache[fp]; ok {
		r.mu.RUnlock()
		return id, nil
	}
	r.mu.RUnlock()

	saeID, err := r.extract(cert)
	if err != nil {
		return "", trace.Wrap(err)
	}

	r.mu.Lock()
	r.cache[fp] = saeID
	r.mu.Unlock()
	return saeID, nil
}

func (r *Resolver) extract(cert *x509.Certificate) (string, error) {
	if cn := cert.Subject.CommonName; r.idPattern.MatchString(cn) {
		return cn, nil
	}

	if r.sanPattern != nil {
		candidates := append([]string{}, cert.DNSNames...)
		for _, u := range cert.URIs {
			candidates = append(candidates, u.String())
		}
		for _, c := range candidates {
			m := r.sanPattern.FindStringSubmatch(c)
			if len(m) == 2 && r.idPattern.MatchString(m[1]) {
				return m[1], nil
			}
		}
	}

	return "", kmeerr.Unauthenticated("no SAE_ID could be extracted from client certificate")
}

// ForgetSession drops the cached fingerprint->SAE_ID mapping for cert.
// The Resolver never evicts entries on its own: a cached mapping stays
// until ForgetSession is called for that certificate.
func (r *Resolver) ForgetSession(cert *x509.Certificate) {
	if cert == nil {
		return
	}
	r.mu.Lock()
	delete(r.cache, Fingerprint(cert))
	r.mu.Unlock()
}
