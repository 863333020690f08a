// Package tls provisions certificates from Let's Encrypt through autocert.
package tls

import (
	"context"
	cryptotls "crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

const (
	// LetsEncrypt production directory
	letsEncryptProduction = "https://acme-v02.api.letsencrypt.org/directory"
	// LetsEncrypt staging directory (for testing)
	letsEncryptStaging = "https://acme-staging-v02.api.letsencrypt.org/directory"
)

// loggingRoundTripper wraps an http.RoundTripper to log ACME requests/responses.
type loggingRoundTripper struct {
	wrapped http.RoundTripper
	logger  zerolog.Logger
}

func (l *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := l.wrapped.RoundTrip(req)
	if err != nil {
		l.logger.Error().
			Err(err).
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Dur("duration", time.Since(start)).
			Msg("acme request failed")
		return nil, err
	}
	l.logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Str("retry_after", resp.Header.Get("Retry-After")).
		Msg("acme request")
	return resp, nil
}

// Config configures certificate provisioning.
type Config struct {
	Domains  []string
	Email    string
	CacheDir string
	Staging  bool
}

// Manager serves ACME certificates for a fixed set of domains.
type Manager struct {
	manager *autocert.Manager
	domains []string
	logger  zerolog.Logger
}

// NewManager creates a certificate manager caching certificates in cfg.CacheDir.
func NewManager(cfg Config, logger zerolog.Logger) (*Manager, error) {
	if len(cfg.Domains) == 0 {
		return nil, fmt.Errorf("tls: at least one domain is required")
	}
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("tls: cache dir is required")
	}

	m := &Manager{
		domains: cfg.Domains,
		logger:  logger.With().Str("component", "acme").Logger(),
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	client := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &loggingRoundTripper{
			wrapped: &http.Transport{
				DialContext:           dialer.DialContext,
				ForceAttemptHTTP2:     true,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
			},
			logger: m.logger,
		},
	}

	m.manager = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(cfg.CacheDir),
		HostPolicy: m.hostPolicy,
		Email:      cfg.Email,
		Client: &acme.Client{
			DirectoryURL: directoryURL(cfg.Staging),
			HTTPClient:   client,
		},
	}

	m.logger.Info().
		Strs("domains", cfg.Domains).
		Bool("staging", cfg.Staging).
		Str("cache_dir", cfg.CacheDir).
		Msg("acme certificate manager configured")
	return m, nil
}

func directoryURL(staging bool) string {
	if staging {
		return letsEncryptStaging
	}
	return letsEncryptProduction
}

// hostPolicy allows configured domains, including "*.example.com" wildcards.
func (m *Manager) hostPolicy(_ context.Context, host string) error {
	for _, d := range m.domains {
		if d == host {
			return nil
		}
		if strings.HasPrefix(d, "*.") {
			suffix := d[1:]
			if len(host) > len(suffix) && strings.HasSuffix(host, suffix) {
				return nil
			}
		}
	}
	m.logger.Warn().Str("host", host).Strs("allowed", m.domains).Msg("host not in allowed domains")
	return fmt.Errorf("host %q not in allowed domains", host)
}

// TLSConfig returns a server TLS config that obtains certificates on demand.
func (m *Manager) TLSConfig() *cryptotls.Config {
	return m.manager.TLSConfig()
}

// HTTPHandler answers HTTP-01 challenges and passes other requests to fallback.
// A nil fallback redirects to HTTPS.
func (m *Manager) HTTPHandler(fallback http.Handler) http.Handler {
	return m.manager.HTTPHandler(fallback)
}
