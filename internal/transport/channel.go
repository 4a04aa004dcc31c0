package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/shafraz007/endpoint-agent/internal/logging"
	"github.com/shafraz007/endpoint-agent/internal/observability"
)

const maxResponseBytes = 8 << 20

// ErrEmptyResponse is returned when a 2xx response has no usable body.
var ErrEmptyResponse = errors.New("server returned an empty response")

// StatusError is a non-2xx response from the server.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("server responded with status %d: %s", e.StatusCode, e.Body)
}

// IsAuthRejected reports whether err is, or wraps, a 401 or 403 response.
func IsAuthRejected(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden
}

// Metadata is sent as request headers.
type Metadata struct {
	BearerToken  string
	AgentID      string
	AgentVersion string
	Tag          string
}

// Channel posts a JSON request and decodes the JSON response into
// response, which may be nil when the body is not needed.
type Channel interface {
	Post(ctx context.Context, url string, request, response any, md Metadata) error
}

type ChannelConfig struct {
	Timeout       time.Duration
	RatePerSecond int
	Burst         int
	TLS           *tls.Config
	UserAgent     string
	Logger        logging.Logger
}

// HTTPChannel is the Channel used against the real server.
type HTTPChannel struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	logger    logging.Logger
}

var _ Channel = (*HTTPChannel)(nil)

func NewHTTPChannel(cfg ChannelConfig) *HTTPChannel {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New("transport")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLS != nil {
		transport.TLSClientConfig = cfg.TLS
	}

	return &HTTPChannel{
		client:    &http.Client{Timeout: timeout, Transport: transport},
		limiter:   rate.NewLimiter(limit, burst),
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

func (c *HTTPChannel) Post(ctx context.Context, target string, request, response any, md Metadata) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if md.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+md.BearerToken)
	}
	if md.AgentID != "" {
		req.Header.Set("X-Agent-Id", md.AgentID)
	}
	if md.AgentVersion != "" {
		req.Header.Set("X-Agent-Version", md.AgentVersion)
	}
	if md.Tag != "" {
		req.Header.Set("X-Tag", md.Tag)
	}

	path := pathOf(target)
	start := time.Now()
	resp, err := c.client.Do(req)
	observability.ServerRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.ServerRequests.WithLabelValues(path, "error").Inc()
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	observability.ServerRequests.WithLabelValues(path, strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.WithField("path", path).WithField("status", resp.StatusCode).Debug("server rejected request")
		return &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(bytes.TrimSpace(data)), 512)}
	}

	if response == nil {
		return nil
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ErrEmptyResponse
	}
	if err := json.Unmarshal(trimmed, response); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// LoadTLSConfig builds a client TLS config. certFile and keyFile enable
// mutual TLS; caFile replaces the system roots.
func LoadTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" && caFile == "" {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func pathOf(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Path == "" {
		return target
	}
	return u.Path
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "...(truncated)"
}
