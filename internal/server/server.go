// Package server exposes a collector over HTTP.
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/barryq93/promsql/internal/collector"
	"github.com/barryq93/promsql/internal/utils"
	"github.com/juju/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Config holds the listener settings.
type Config struct {
	Addr string

	RateLimitRequests float64
	RateLimitBurst    int64

	BasicAuthUsername string
	BasicAuthPassword string

	CertFile string
	KeyFile  string
	// ClientCAFile enables mutual TLS when set together with the server certificate.
	ClientCAFile string

	ShutdownTimeout time.Duration
}

// StatusSource reports the state served on /health.
type StatusSource interface {
	Status() collector.Status
}

type Server struct {
	cfg    Config
	logger logrus.FieldLogger
	http   *http.Server
}

// New builds the handler tree: /metrics serves gatherer together with the
// process and Go runtime collectors, /health serves status as JSON.
func New(cfg Config, gatherer prometheus.Gatherer, status StatusSource, logger logrus.FieldLogger) (*Server, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	runtime := prometheus.NewRegistry()
	runtime.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	s := &Server{cfg: cfg, logger: logger}

	metrics := promhttp.HandlerFor(prometheus.Gatherers{runtime, gatherer}, promhttp.HandlerOpts{
		ErrorLog:      logger,
		ErrorHandling: promhttp.ContinueOnError,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.rateLimited(utils.BasicAuthHandler(cfg.BasicAuthUsername, cfg.BasicAuthPassword, metrics)))
	mux.HandleFunc("/health", healthHandler(status, logger))

	tlsConfig, err := s.tlsConfig()
	if err != nil {
		return nil, err
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) rateLimited(h http.Handler) http.Handler {
	if s.cfg.RateLimitRequests <= 0 {
		return h
	}
	burst := s.cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	bucket := ratelimit.NewBucketWithRate(s.cfg.RateLimitRequests, burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bucket.TakeAvailable(1) == 0 {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	if s.cfg.CertFile == "" && s.cfg.KeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if s.cfg.ClientCAFile != "" {
		pem, err := os.ReadFile(s.cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", s.cfg.ClientCAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// Serve listens on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	var err error
	if s.http.TLSConfig != nil {
		err = s.http.ServeTLS(l, "", "")
	} else {
		err = s.http.Serve(l)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on the configured address until Shutdown is called.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	s.logger.WithField("address", l.Addr().String()).WithField("tls", s.http.TLSConfig != nil).Info("Listening")
	return s.Serve(l)
}

func (s *Server) Shutdown() error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func healthHandler(status StatusSource, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		body := struct {
			State string `json:"status"`
			collector.Status
		}{State: "ok", Status: status.Status()}
		if body.LastError != "" {
			body.State = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(body); err != nil {
			logger.Errorf("Failed to encode health response: %v", err)
		}
	}
}
