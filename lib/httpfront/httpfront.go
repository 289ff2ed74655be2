// Package httpfront implements HTTPFront (spec §4.10): the three ETSI
// routes plus unauthenticated health/metrics endpoints, TLS
// termination (direct mTLS or trusted-proxy header mode per spec
// §6.1), and the error-kind-to-HTTP-status mapping of spec §7.
package httpfront

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/krich11/kme-sub001/api"
	"github.com/krich11/kme-sub001/lib/authz"
	"github.com/krich11/kme-sub001/lib/certresolver"
	"github.com/krich11/kme-sub001/lib/keyrequest"
	"github.com/krich11/kme-sub001/lib/keyretrieval"
	"github.com/krich11/kme-sub001/lib/kmeerr"
	"github.com/krich11/kme-sub001/lib/status"
)

// TrustedProxyConfig enables the forwarded-certificate-header auth
// mode of spec §6.1.
type TrustedProxyConfig struct {
	Header          string
	AllowedPeerAddr string
}

// Config configures a Front.
type Config struct {
	Status       *status.Service
	KeyRequest   *keyrequest.Service
	KeyRetrieval *keyretrieval.Service
	CertResolver *certresolver.Resolver
	Authz        *authz.Policy
	TrustedProxy TrustedProxyConfig
	Ready        func() error
	Logger       *slog.Logger
}

// Front is the HTTPFront.
type Front struct {
	status       *status.Service
	keyRequest   *keyrequest.Service
	keyRetrieval *keyretrieval.Service
	resolver     *certresolver.Resolver
	authz        *authz.Policy
	trustedProxy TrustedProxyConfig
	ready        func() error
	log          *slog.Logger

	metrics frontMetrics
}

type frontMetrics struct {
	requests *prometheus.CounterVec
}

func newFrontMetrics(reg prometheus.Registerer) frontMetrics {
	m := frontMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kme_http_requests_total",
			Help: "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests)
	}
	return m
}

// New constructs a Front.
func New(cfg Config) *Front {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Front{
		status:       cfg.Status,
		keyRequest:   cfg.KeyRequest,
		keyRetrieval: cfg.KeyRetrieval,
		resolver:     cfg.CertResolver,
		authz:        cfg.Authz,
		trustedProxy: cfg.TrustedProxy,
		ready:        cfg.Ready,
		log:          cfg.Logger.With("component", "httpfront"),
		metrics:      newFrontMetrics(nil),
	}
}

// RegisterMetrics registers the front's prometheus collectors.
func (f *Front) RegisterMetrics(reg prometheus.Registerer) {
	f.metrics = newFrontMetrics(reg)
}

// APIHandler returns the mTLS-facing router serving the three ETSI
// endpoints.
func (f *Front) APIHandler() http.Handler {
	r := httprouter.New()
	r.GET("/api/v1/keys/:slave_sae_id/status", f.handleStatus)
	r.POST("/api/v1/keys/:slave_sae_id/enc_keys", f.handleEncKeys)
	r.POST("/api/v1/keys/:master_sae_id/dec_keys", f.handleDecKeys)
	return r
}

// HealthHandler returns the unauthenticated liveness/readiness/metrics
// router, meant to be served on a separate listener (spec §4.10).
func (f *Front) HealthHandler() http.Handler {
	r := httprouter.New()
	r.GET("/health/live", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
	})
	r.GET("/health/ready", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		if f.ready != nil {
			if err := f.ready(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// resolveSAEID implements spec §4.4/§6.1: either the direct mTLS peer
// certificate, or (in trusted-proxy mode) the certificate forwarded by
// a verified upstream in TrustedProxy.Header, after confirming the
// direct TCP peer is the configured proxy.
func (f *Front) resolveSAEID(req *http.Request) (string, error) {
	if f.trustedProxy.Header != "" {
		if req.RemoteAddr != f.trustedProxy.AllowedPeerAddr {
			return "", kmeerr.Unauthenticated("connection did not originate from the trusted proxy")
		}
		encoded := req.Header.Get(f.trustedProxy.Header)
		if encoded == "" {
			return "", kmeerr.Unauthenticated("trusted proxy did not forward a client certificate")
		}
		decoded, err := url.QueryUnescape(encoded)
		if err != nil {
			return "", kmeerr.Unauthenticated("forwarded client certificate is not valid URL encoding")
		}
		block, _ := pem.Decode([]byte(decoded))
		if block == nil {
			return "", kmeerr.Unauthenticated("forwarded client certificate is not valid PEM")
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return "", kmeerr.Unauthenticated("forwarded client certificate could not be parsed")
		}
		return f.resolver.Resolve(cert)
	}

	if req.TLS == nil || len(req.TLS.PeerCertificates) == 0 {
		return "", kmeerr.Unauthenticated("no client certificate presented")
	}
	return f.resolver.Resolve(req.TLS.PeerCertificates[0])
}

func (f *Front) handleStatus(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	requestingSAEID, err := f.resolveSAEID(req)
	if err != nil {
		f.writeError(w, "status", err)
		return
	}
	slaveSAEID := params.ByName("slave_sae_id")

	if err := f.authz.Admit(req.Context(), authz.Request{
		RequestingSAEID: requestingSAEID,
		Kind:            authz.Status,
		URLSAEID:        slaveSAEID,
	}); err != nil {
		f.writeError(w, "status", err)
		return
	}

	resp, err := f.status.Get(req.Context(), requestingSAEID, slaveSAEID)
	if err != nil {
		f.writeError(w, "status", err)
		return
	}
	f.writeJSON(w, "status", http.StatusOK, resp)
}

func (f *Front) handleEncKeys(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	masterSAEID, err := f.resolveSAEID(req)
	if err != nil {
		f.writeError(w, "enc_keys", err)
		return
	}
	slaveSAEID := params.ByName("slave_sae_id")

	var body api.KeyRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		f.writeError(w, "enc_keys", trace.BadParameter("malformed request body"))
		return
	}

	resp, err := f.keyRequest.Get(req.Context(), masterSAEID, slaveSAEID, body)
	if err != nil {
		f.writeError(w, "enc_keys", err)
		return
	}
	f.writeJSON(w, "enc_keys", http.StatusOK, resp)
}

func (f *Front) handleDecKeys(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	slaveSAEID, err := f.resolveSAEID(req)
	if err != nil {
		f.writeError(w, "dec_keys", err)
		return
	}
	masterSAEID := params.ByName("master_sae_id")

	var body api.KeyRetrievalRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		f.writeError(w, "dec_keys", trace.BadParameter("malformed request body"))
		return
	}

	resp, err := f.keyRetrieval.Get(req.Context(), slaveSAEID, masterSAEID, body)
	if err != nil {
		f.writeError(w, "dec_keys", err)
		return
	}
	f.writeJSON(w, "dec_keys", http.StatusOK, resp)
}

func (f *Front) writeJSON(w http.ResponseWriter, route string, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
	f.metrics.requests.WithLabelValues(route, statusClass(code)).Inc()
}

func (f *Front) writeError(w http.ResponseWriter, route string, err error) {
	code, body := errorResponse(err)
	f.log.Warn("request failed", "route", route, "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
	f.metrics.requests.WithLabelValues(route, statusClass(code)).Inc()
}

// errorResponse implements the spec §7 error taxonomy as a mapping
// from trace.Is* predicates (plus kmeerr.IsGone and
// kmeerr.IsUnauthenticated, the two kinds trace has no built-in
// predicate for) to HTTP status and body.
func errorResponse(err error) (int, api.ErrorResponse) {
	msg := err.Error()
	switch {
	case kmeerr.IsUnauthenticated(err):
		return http.StatusUnauthorized, api.ErrorResponse{Message: msg}
	case trace.IsAccessDenied(err):
		return http.StatusForbidden, api.ErrorResponse{Message: msg}
	case trace.IsBadParameter(err):
		return http.StatusBadRequest, api.ErrorResponse{Message: msg}
	case trace.IsNotFound(err):
		return http.StatusNotFound, api.ErrorResponse{Message: msg}
	case kmeerr.IsGone(err):
		return http.StatusGone, api.ErrorResponse{Message: msg}
	case trace.IsLimitExceeded(err):
		return http.StatusServiceUnavailable, api.ErrorResponse{Message: msg}
	default:
		return http.StatusInternalServerError, api.ErrorResponse{Message: "internal error"}
	}
}

func statusClass(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// TLSConfig builds the mTLS server configuration spec §6.1 requires:
// TLS 1.2 minimum, client certificate required and verified against
// clientCAs, AEAD cipher suites with forward secrecy only.
func TLSConfig(serverCert tls.Certificate, clientCAs *x509.CertPool) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{serverCert},
		ClientCAs:    clientCAs,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		},
	}
}
