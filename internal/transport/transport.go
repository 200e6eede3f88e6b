// Package transport performs the HTTP POST of finished OTLP documents
// to the collector and classifies the outcome.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/courierlabs/otlp-courier/internal/compression"
	"github.com/courierlabs/otlp-courier/internal/otlp"
)

// maxBodyCapture bounds how much of an error response body is kept.
const maxBodyCapture = 512

// chunkedBodyThreshold is the request body size past which the POST
// uses chunked transfer encoding instead of a Content-Length header,
// so a very large document is streamed rather than announced up front.
const chunkedBodyThreshold = 256 * 1024

// successCodes are the status codes counted as delivered.
var successCodes = map[int]bool{
	http.StatusOK:        true,
	http.StatusCreated:   true,
	http.StatusAccepted:  true,
	http.StatusNoContent: true,
}

// HTTPClientConfig holds HTTP client connection pool settings.
type HTTPClientConfig struct {
	// MaxIdleConns controls the maximum number of idle (keep-alive)
	// connections across all hosts. Zero means no limit.
	MaxIdleConns int
	// MaxIdleConnsPerHost controls the maximum idle connections per
	// host. If zero, 100 is used.
	MaxIdleConnsPerHost int
	// MaxConnsPerHost limits the total connections per host. Zero
	// means no limit.
	MaxConnsPerHost int
	// IdleConnTimeout is how long an idle connection is kept open.
	IdleConnTimeout time.Duration
	// DisableKeepAlives forces one connection per request.
	DisableKeepAlives bool
	// ForceAttemptHTTP2 controls whether HTTP/2 is attempted.
	ForceAttemptHTTP2 bool
	// HTTP2ReadIdleTimeout triggers a ping health check when no frame
	// has been received for this long.
	HTTP2ReadIdleTimeout time.Duration
	// HTTP2PingTimeout closes the connection when a ping goes
	// unanswered for this long.
	HTTP2PingTimeout time.Duration
}

// Config holds transport configuration.
type Config struct {
	// BaseURL is the collector base URL; signal paths are appended
	// per document. May be empty or invalid at startup: Send reports
	// a config error per attempt and the item stays queued.
	BaseURL string
	// Timeout bounds each request (default 30s).
	Timeout time.Duration
	// Compression configures request body compression.
	Compression compression.Config
	// TLSClientConfig overrides the default TLS settings; nil keeps
	// system roots with TLS 1.2 minimum.
	TLSClientConfig *tls.Config
	// HTTPClient configures connection pooling.
	HTTPClient HTTPClientConfig
}

// Transport posts documents to the collector. Safe for concurrent use.
type Transport struct {
	client      *http.Client
	timeout     time.Duration
	compression compression.Config

	mu      sync.RWMutex
	baseURL string
}

// New creates a Transport.
func New(cfg Config) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TLSClientConfig == nil {
		cfg.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     cfg.HTTPClient.ForceAttemptHTTP2,
		MaxIdleConns:          cfg.HTTPClient.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.HTTPClient.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.HTTPClient.MaxConnsPerHost,
		IdleConnTimeout:       cfg.HTTPClient.IdleConnTimeout,
		DisableKeepAlives:     cfg.HTTPClient.DisableKeepAlives,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       cfg.TLSClientConfig,
	}
	if tr.MaxIdleConns == 0 {
		tr.MaxIdleConns = 100
	}
	if tr.MaxIdleConnsPerHost == 0 {
		tr.MaxIdleConnsPerHost = 100
	}
	if tr.IdleConnTimeout == 0 {
		tr.IdleConnTimeout = 90 * time.Second
	}

	if cfg.HTTPClient.ForceAttemptHTTP2 {
		if h2, err := http2.ConfigureTransports(tr); err == nil && h2 != nil {
			if cfg.HTTPClient.HTTP2ReadIdleTimeout > 0 {
				h2.ReadIdleTimeout = cfg.HTTPClient.HTTP2ReadIdleTimeout
			}
			if cfg.HTTPClient.HTTP2PingTimeout > 0 {
				h2.PingTimeout = cfg.HTTPClient.HTTP2PingTimeout
			}
		}
	}

	return &Transport{
		client: &http.Client{
			Transport: tr,
			Timeout:   cfg.Timeout,
		},
		timeout:     cfg.Timeout,
		compression: cfg.Compression,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// SetBaseURL swaps the collector URL; used by config hot reload.
func (t *Transport) SetBaseURL(base string) {
	t.mu.Lock()
	t.baseURL = strings.TrimRight(base, "/")
	t.mu.Unlock()
}

// endpoint validates and joins the base URL with the document path.
func (t *Transport) endpoint(path string) (string, error) {
	t.mu.RLock()
	base := t.baseURL
	t.mu.RUnlock()

	if base == "" {
		return "", &DeliveryError{
			Err:  fmt.Errorf("collector base URL is not configured"),
			Type: ErrorTypeConfig,
		}
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", &DeliveryError{
			Err:  fmt.Errorf("invalid collector base URL %q", base),
			Type: ErrorTypeConfig,
		}
	}
	return base + path, nil
}

// Send posts one document. The response body is drained and closed on
// every exit path so the connection can be reused. A non-success
// status returns a *DeliveryError carrying the code and a truncated
// response body.
func (t *Transport) Send(ctx context.Context, doc *otlp.Document) error {
	endpoint, err := t.endpoint(doc.Path)
	if err != nil {
		deliveryErrorsTotal.WithLabelValues(string(ErrorTypeConfig)).Inc()
		return err
	}

	body := doc.Body
	if t.compression.Type != compression.TypeNone && t.compression.Type != "" {
		body, err = compression.Compress(body, t.compression)
		if err != nil {
			return &DeliveryError{
				Err:  fmt.Errorf("failed to compress request: %w", err),
				Type: ErrorTypeUnknown,
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{
			Err:  fmt.Errorf("failed to create request: %w", err),
			Type: ErrorTypeConfig,
		}
	}
	if len(body) > chunkedBodyThreshold {
		// Unknown length forces chunked transfer encoding. GetBody
		// stays set, so redirects and HTTP/2 retries still work.
		req.ContentLength = -1
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding := t.compression.Type.ContentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	deliveryRequestsTotal.Inc()
	start := time.Now()

	resp, err := t.client.Do(req)
	if err != nil {
		errType := classifyError(err)
		deliveryErrorsTotal.WithLabelValues(string(errType)).Inc()
		return &DeliveryError{
			Err:  fmt.Errorf("failed to send request: %w", err),
			Type: errType,
		}
	}
	defer resp.Body.Close()

	// Capture a bounded prefix, then drain the rest to allow
	// connection reuse even on malformed responses.
	captured, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyCapture))
	_, _ = io.Copy(io.Discard, resp.Body)

	deliveryDurationSeconds.Observe(time.Since(start).Seconds())

	if !successCodes[resp.StatusCode] {
		errType := classifyStatusCode(resp.StatusCode)
		deliveryErrorsTotal.WithLabelValues(string(errType)).Inc()
		return &DeliveryError{
			Type:       errType,
			StatusCode: resp.StatusCode,
			Body:       string(captured),
		}
	}

	deliveryBytesTotal.WithLabelValues(string(compressionLabel(t.compression.Type))).Add(float64(len(body)))
	return nil
}

func compressionLabel(t compression.Type) compression.Type {
	if t == "" {
		return compression.TypeNone
	}
	return t
}

// Close releases idle connections.
func (t *Transport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
