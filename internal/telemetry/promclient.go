package telemetry

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/llm-d-incubation/gpu-split-optimizer/internal/logger"
	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
)

// PrometheusConfig locates the Prometheus server that scrapes the DCGM exporter.
type PrometheusConfig struct {
	BaseURL            string
	Timeout            time.Duration
	EnableTLS          bool
	InsecureSkipVerify bool
	CACertPath         string
	ClientCertPath     string
	ClientKeyPath      string
	ServerName         string
	BearerToken        string
	TokenPath          string // read when BearerToken is empty
}

// NewPrometheusAPI creates a query client for the config.
func NewPrometheusAPI(config *PrometheusConfig) (promv1.API, error) {
	clientConfig, err := newPrometheusClientConfig(config)
	if err != nil {
		return nil, err
	}
	client, err := api.NewClient(*clientConfig)
	if err != nil {
		return nil, err
	}
	return promv1.NewAPI(client), nil
}

func newPrometheusClientConfig(config *PrometheusConfig) (*api.Config, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("prometheus base URL is empty")
	}
	transport, err := newPrometheusTransport(config)
	if err != nil {
		return nil, err
	}

	token := config.BearerToken
	if token == "" && config.TokenPath != "" {
		raw, err := os.ReadFile(config.TokenPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read bearer token from %s: %w", config.TokenPath, err)
		}
		token = strings.TrimSpace(string(raw))
	}
	var rt http.RoundTripper = transport
	if token != "" {
		rt = &bearerTokenRoundTripper{base: transport, token: token}
	}
	return &api.Config{Address: config.BaseURL, RoundTripper: rt}, nil
}

func newPrometheusTransport(config *PrometheusConfig) (*http.Transport, error) {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	tlsConfig, err := newTLSConfig(config)
	if err != nil {
		return nil, err
	}
	transport.TLSClientConfig = tlsConfig
	return transport, nil
}

// newTLSConfig returns nil when TLS is off.
func newTLSConfig(config *PrometheusConfig) (*tls.Config, error) {
	if !config.EnableTLS && !strings.HasPrefix(config.BaseURL, "https://") {
		return nil, nil
	}
	tlsConfig := &tls.Config{
		InsecureSkipVerify: config.InsecureSkipVerify,
		ServerName:         config.ServerName,
		MinVersion:         tls.VersionTLS12,
	}
	if config.InsecureSkipVerify {
		logger.Log.Warn("TLS certificate verification of prometheus is disabled")
	}
	if config.CACertPath != "" {
		pem, err := os.ReadFile(config.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate from %s: %w", config.CACertPath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", config.CACertPath)
		}
		tlsConfig.RootCAs = pool
	}
	if config.ClientCertPath != "" && config.ClientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(config.ClientCertPath, config.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate %s: %w", config.ClientCertPath, err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

type bearerTokenRoundTripper struct {
	base  http.RoundTripper
	token string
}

func (b *bearerTokenRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+b.token)
	return b.base.RoundTrip(req)
}
