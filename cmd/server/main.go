// securetcp server: accepts encrypted sessions, logs received messages,
// answers requests by echo, and serves the admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"dev.c0redev.securetcp/internal/config"
	"dev.c0redev.securetcp/internal/crypto"
	"dev.c0redev.securetcp/internal/fingerprint"
	"dev.c0redev.securetcp/internal/logging"
	"dev.c0redev.securetcp/internal/metrics"
	"dev.c0redev.securetcp/internal/server"
	"dev.c0redev.securetcp/internal/server/api"
	"dev.c0redev.securetcp/internal/session"
	"dev.c0redev.securetcp/internal/store"
	"dev.c0redev.securetcp/internal/transport"
)

func logRequest(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)
		if sw.code >= 400 {
			log.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("code", sw.code).Msg("api")
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// loadCertificate opens the named certificate from the store, creating and
// saving one on first run.
func loadCertificate(db *store.DB, name, password string, log zerolog.Logger) (*crypto.Certificate, error) {
	rec, err := db.CertificateByName(name)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return crypto.ImportCertificate(rec.Sealed, []byte(password))
	}
	cert, err := crypto.GenerateCertificate()
	if err != nil {
		return nil, err
	}
	sealed, err := cert.Export([]byte(password))
	if err != nil {
		return nil, err
	}
	pub := cert.PublicKey()
	if err := db.SaveCertificate(&store.Certificate{
		Name: name, Sealed: sealed, PublicKey: pub, Fingerprint: fingerprint.Words(pub),
	}); err != nil {
		return nil, err
	}
	log.Info().Str("name", name).Msg("new certificate saved")
	return cert, nil
}

// newWorkerPool runs responders. Submit fails instead of blocking once every
// worker is busy.
func newWorkerPool(size int) (*ants.Pool, error) {
	return ants.NewPool(size, ants.WithNonblocking(true))
}

func main() {
	cfgPath := flag.String("config", os.Getenv("SECURETCP_CONFIG"), "config file (yaml, toml or json)")
	flag.Parse()

	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("config")
	}
	logger, err := logging.New("securetcp-server", cfg.Log, nil)
	if err != nil {
		boot.Fatal().Err(err).Msg("logging")
	}
	defer logger.Close()
	log := logger.Logger

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("store")
	}
	defer db.Close()

	pool, err := newWorkerPool(cfg.Server.Workers)
	if err != nil {
		log.Fatal().Err(err).Msg("worker pool")
	}
	defer pool.Release()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	opts := []server.Option{
		server.WithSettings(cfg.Server.Settings()),
		server.WithHandshakeTimeout(cfg.Server.HandshakeTimeout),
		server.WithRequestTimeout(cfg.Server.RequestTimeout),
		server.WithLogger(log),
		server.WithMetrics(m),
		server.WithPool(pool),
	}
	if cfg.Server.AdvertiseIP != "" {
		opts = append(opts, server.WithAdvertiseIP(net.ParseIP(cfg.Server.AdvertiseIP)))
	}
	if cfg.Server.Transport == "quic" {
		tlsConf, err := transport.SelfSignedTLS()
		if err != nil {
			log.Fatal().Err(err).Msg("tls")
		}
		opts = append(opts, server.WithListener(func(addr string) (net.Listener, error) {
			return transport.ListenQUIC(addr, tlsConf)
		}))
	}
	if cfg.Server.Certificate != "" {
		cert, err := loadCertificate(db, cfg.Server.Certificate, cfg.Server.Password, log)
		if err != nil {
			log.Fatal().Err(err).Msg("certificate")
		}
		opts = append(opts, server.WithCertificate(cert))
	}

	srv, err := server.New(cfg.Server.Addr, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("server")
	}
	srv.OnClientConnected(func(addr string) {
		log.Info().Str("client", addr).Int("clients", len(srv.Clients())).Msg("connected")
	})
	srv.OnClientDisconnected(func(addr string, reason session.Reason, err error) {
		log.Info().Str("client", addr).Stringer("reason", reason).AnErr("cause", err).Msg("disconnected")
	})
	srv.OnMessage(func(addr string, data []byte) {
		log.Info().Str("client", addr).Int("bytes", len(data)).Str("text", string(data)).Msg("message")
	})
	srv.SetResponder(func(_ string, req []byte) ([]byte, error) {
		return req, nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start")
	}
	log.Info().Str("addr", srv.IPPort()).Stringer("settings", cfg.Server.Settings()).Msg("listening")
	if cert := srv.Certificate(); cert != nil {
		log.Info().Str("fingerprint", fingerprint.Words(cert.PublicKey())).Msg("certificate")
	}
	if cs, err := srv.ExportConnectionString(); err == nil {
		log.Info().Str("connection_string", cs).Msg("share with clients")
	} else if !errors.Is(err, server.ErrNoAdvertiseAddress) {
		log.Warn().Err(err).Msg("connection string")
	}

	var httpSrv *http.Server
	if cfg.Server.AdminAddr != "" {
		a := api.New(srv, cfg.Server.AdminTokenHash)
		a.DB = db
		a.Metrics = m.Handler()
		a.Log = log
		a.AnswerICE = func(ctx context.Context, remote *transport.Offer) (*transport.Offer, error) {
			return srv.AcceptICE(ctx, cfg.Server.StunURL, remote)
		}
		httpSrv = &http.Server{Addr: cfg.Server.AdminAddr, Handler: logRequest(log, a.Handler())}
		go func() {
			log.Info().Str("addr", cfg.Server.AdminAddr).Msg("admin api listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("admin api")
				stop()
			}
		}()
	} else if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		httpSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics")
			}
		}()
	}

	<-ctx.Done()
	srv.Stop()
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("admin shutdown")
		}
	}
}
