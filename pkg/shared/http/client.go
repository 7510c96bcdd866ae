// Package http builds *http.Client values from a ClientConfig, with
// preset configs for forge APIs, Slack notifications, and Prometheus
// endpoints, so timeouts and connection pooling stay consistent and
// explicit.
package http

import (
	"crypto/tls"
	"net/http"
	"time"
)

// ClientConfig tunes the transport and timeout of a client built by
// NewClient. Zero-value fields fall back to Go's http.Transport defaults.
type ClientConfig struct {
	Timeout                time.Duration
	MaxRetries             int
	DisableSSLVerification bool
	MaxIdleConns           int
	IdleConnTimeout        time.Duration
	TLSHandshakeTimeout    time.Duration
	ResponseHeaderTimeout  time.Duration
}

// DefaultClientConfig is suitable for general-purpose outbound calls.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:               30 * time.Second,
		MaxRetries:            3,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}
}

// NewClient builds an *http.Client from config.
func NewClient(config ClientConfig) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:          config.MaxIdleConns,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
	}
	if config.DisableSSLVerification {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{
		Timeout:   config.Timeout,
		Transport: transport,
	}
}

// NewClientWithTimeout builds a client with DefaultClientConfig but the
// given timeout, useful for call sites that only care about that one knob.
func NewClientWithTimeout(timeout time.Duration) *http.Client {
	config := DefaultClientConfig()
	config.Timeout = timeout
	return NewClient(config)
}

// NewDefaultClient builds a client from DefaultClientConfig.
func NewDefaultClient() *http.Client {
	return NewClient(DefaultClientConfig())
}

// SlackClientConfig is tuned for posting stuck-item alerts: short timeout,
// few retries, since a delayed alert is worse than a dropped one held up
// by request pileup.
func SlackClientConfig() ClientConfig {
	config := DefaultClientConfig()
	config.Timeout = 10 * time.Second
	config.MaxRetries = 2
	return config
}

// PrometheusClientConfig is tuned for scraping or pushing metrics: the
// response header timeout is half the overall timeout so a slow-to-start
// response fails fast enough to retry within the remaining budget.
func PrometheusClientConfig(timeout time.Duration) ClientConfig {
	config := DefaultClientConfig()
	config.Timeout = timeout
	config.ResponseHeaderTimeout = timeout / 2
	return config
}

// ForgeClientConfig is tuned for calling a VCS forge's REST API (GitHub,
// GitLab, Gitea, Launchpad): a longer response header timeout since forge
// APIs can be slow to compute merge-proposal state before responding.
func ForgeClientConfig(timeout time.Duration) ClientConfig {
	config := DefaultClientConfig()
	config.Timeout = timeout
	config.ResponseHeaderTimeout = timeout / 3
	return config
}
