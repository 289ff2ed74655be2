// Command kme runs a standalone ETSI GS QKD 014 Key Management Entity.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/krich11/kme-sub001/lib/authz"
	"github.com/krich11/kme-sub001/lib/backend"
	"github.com/krich11/kme-sub001/lib/backend/boltbk"
	"github.com/krich11/kme-sub001/lib/backend/memory"
	"github.com/krich11/kme-sub001/lib/certresolver"
	"github.com/krich11/kme-sub001/lib/config"
	"github.com/krich11/kme-sub001/lib/extension"
	"github.com/krich11/kme-sub001/lib/httpfront"
	"github.com/krich11/kme-sub001/lib/keyrequest"
	"github.com/krich11/kme-sub001/lib/keyretrieval"
	"github.com/krich11/kme-sub001/lib/keysource"
	"github.com/krich11/kme-sub001/lib/keystore"
	"github.com/krich11/kme-sub001/lib/metrics"
	"github.com/krich11/kme-sub001/lib/pool"
	"github.com/krich11/kme-sub001/lib/sae"
	"github.com/krich11/kme-sub001/lib/status"
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "ETSI GS QKD 014 Key Management Entity.")

	start := app.Command("start", "Run the KME server.")
	startConfigPath := start.Flag("config", "Path to the YAML configuration file.").Required().String()

	check := app.Command("healthcheck", "Query a running KME's liveness endpoint.")
	checkAddr := check.Flag("addr", "Health listener address to query.").Default("localhost:8080").String()

	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case start.FullCommand():
		if err := runStart(*startConfigPath); err != nil {
			fmt.Fprintln(os.Stderr, trace.DebugReport(err))
			os.Exit(1)
		}
	case check.FullCommand():
		if err := runHealthcheck(*checkAddr); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}

func runHealthcheck(addr string) error {
	resp, err := http.Get(fmt.Sprintf("http://%s/health/live", addr))
	if err != nil {
		return trace.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return trace.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func runStart(configPath string) error {
	log := slog.Default()

	cfg, err := config.Load(configPath)
	if err != nil {
		return trace.Wrap(err, "loading configuration")
	}

	servingCert, servingLeaf, err := loadServingCert(*cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	clock := clockwork.NewRealClock()
	bk, err := openBackend(*cfg, clock)
	if err != nil {
		return trace.Wrap(err)
	}
	defer bk.Close()

	store := keystore.New(bk)
	rng := keysource.NewCryptoRandom(nil)
	source := keysource.NewDefaultSource(rng)

	reg := metrics.NewRegistry()

	keyPool, err := pool.New(context.Background(), pool.Config{
		Store:  store,
		Source: source,
		RNG:    rng,
		Limits: pool.Limits{
			MinKeySizeBits:   cfg.MinKeySize,
			MaxKeySizeBits:   cfg.MaxKeySize,
			MaxKeyPerRequest: cfg.MaxKeyPerRequest,
			MaxKeyCount:      cfg.MaxKeyCount,
			MaxSAEIDCount:    cfg.MaxSAEIDCount,
		},
		Clock:       clock,
		Logger:      log,
		SourceKMEID: cfg.KMEID,
		TargetKMEID: cfg.TargetKMEID,
	})
	if err != nil {
		return trace.Wrap(err, "constructing key pool")
	}
	keyPool.RegisterMetrics(reg)

	saeRegistry := sae.NewMemRegistry()

	extRegistry := extension.New()
	extRegistry.RegisterMetrics(reg)
	extRegistry.Register("", extension.SingleUseType, extension.SingleUseHandler)

	authzPolicy := authz.New(authz.Config{
		Registry:                saeRegistry,
		AllowAnyActiveSAEStatus: cfg.AllowAnyActiveSAEStatus,
	})

	statusSvc := status.New(status.Config{
		SourceKMEID: cfg.KMEID,
		TargetKMEID: cfg.TargetKMEID,
		Pool:        keyPool,
		Registry:    saeRegistry,
		Extensions:  extRegistry,
		Limits: status.Limits{
			DefaultKeySize:   cfg.DefaultKeySize,
			MaxKeyCount:      cfg.MaxKeyCount,
			MaxKeyPerRequest: cfg.MaxKeyPerRequest,
			MaxKeySize:       cfg.MaxKeySize,
			MinKeySize:       cfg.MinKeySize,
			MaxSAEIDCount:    cfg.MaxSAEIDCount,
		},
		ServingCertNotAfter:      servingLeaf.NotAfter,
		CertRenewalWarningWindow: cfg.CertRenewalWarningWindow,
	})

	keyRequestSvc := keyrequest.New(keyrequest.Config{
		Pool:           keyPool,
		Authz:          authzPolicy,
		Extensions:     extRegistry,
		DefaultKeySize: cfg.DefaultKeySize,
	})

	keyRetrievalSvc := keyretrieval.New(keyretrieval.Config{
		Pool:  keyPool,
		Authz: authzPolicy,
	})

	resolver := certresolver.New(certresolver.Config{})

	front := httpfront.New(httpfront.Config{
		Status:       statusSvc,
		KeyRequest:   keyRequestSvc,
		KeyRetrieval: keyRetrievalSvc,
		CertResolver: resolver,
		Authz:        authzPolicy,
		TrustedProxy: httpfront.TrustedProxyConfig{
			Header:          cfg.TrustedProxy.Header,
			AllowedPeerAddr: cfg.TrustedProxy.AllowedPeerAddr,
		},
		Ready: func() error {
			_, err := keyPool.Stats(context.Background())
			return err
		},
		Logger: log,
	})
	front.RegisterMetrics(reg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sweeper := pool.NewSweeper(keyPool, cfg.SweepInterval, clock, log)
	go sweeper.Run(ctx)

	healthSrv := &http.Server{Addr: cfg.HealthAddr, Handler: front.HealthHandler()}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("health listener exited", "error", err)
		}
	}()

	apiSrv, apiListener, err := newAPIServer(*cfg, front, servingCert)
	if err != nil {
		return trace.Wrap(err)
	}
	go func() {
		if err := apiSrv.Serve(apiListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api listener exited", "error", err)
		}
	}()

	log.Info("kme started", "kme_id", cfg.KMEID, "listen_addr", cfg.ListenAddr, "health_addr", cfg.HealthAddr)
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.SweepInterval)
	defer shutdownCancel()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = healthSrv.Shutdown(shutdownCtx)
	return nil
}

func openBackend(cfg config.Config, clock clockwork.Clock) (backend.Backend, error) {
	if cfg.BackendPath == "" {
		bk, err := memory.New(memory.Config{Clock: clock})
		return bk, trace.Wrap(err)
	}
	bk, err := boltbk.New(boltbk.Config{Path: cfg.BackendPath})
	if err != nil {
		return nil, trace.Wrap(err, "opening durable backend at %q", cfg.BackendPath)
	}
	return bk, nil
}

// loadServingCert loads the KME's mTLS server certificate and parses
// its leaf so callers can inspect fields (e.g. NotAfter for the
// status_extension renewal diagnostic) that tls.Certificate itself
// does not populate from LoadX509KeyPair.
func loadServingCert(cfg config.Config) (tls.Certificate, *x509.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		return tls.Certificate{}, nil, trace.Wrap(err, "loading server certificate")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, nil, trace.Wrap(err, "parsing server certificate")
	}
	return cert, leaf, nil
}

func newAPIServer(cfg config.Config, front *httpfront.Front, cert tls.Certificate) (*http.Server, net.Listener, error) {
	caBytes, err := os.ReadFile(cfg.TLS.ClientCA)
	if err != nil {
		return nil, nil, trace.Wrap(err, "reading client CA bundle")
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caBytes) {
		return nil, nil, trace.BadParameter("client CA bundle at %q contains no usable certificates", cfg.TLS.ClientCA)
	}

	tlsConfig := httpfront.TLSConfig(cert, caPool)
	listener, err := tls.Listen("tcp", cfg.ListenAddr, tlsConfig)
	if err != nil {
		return nil, nil, trace.Wrap(err, "binding mTLS listener on %q", cfg.ListenAddr)
	}

	srv := &http.Server{Handler: front.APIHandler(), TLSConfig: tlsConfig}
	return srv, listener, nil
}
