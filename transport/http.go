package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPTransport posts each flushed buffer to a fixed endpoint URL. The
// response body is the next message to read.
type HTTPTransport struct {
	exchange
	url    string
	client *http.Client
	header http.Header
	logger *zap.Logger
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) { t.client = c }
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) HTTPOption {
	return func(t *HTTPTransport) { t.header.Add(key, value) }
}

func WithUserAgent(ua string) HTTPOption {
	return func(t *HTTPTransport) { t.header.Set("User-Agent", ua) }
}

func WithHTTPLogger(l *zap.Logger) HTTPOption {
	return func(t *HTTPTransport) { t.logger = l }
}

func NewHTTPTransport(url string, opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		header: make(http.Header),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// URL returns the endpoint this transport posts to.
func (t *HTTPTransport) URL() string { return t.url }

func (t *HTTPTransport) Flush(ctx context.Context) error {
	return t.flush(ctx, t.post)
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, &FailureError{Endpoint: t.url, Err: err}
	}
	for k, vs := range t.header {
		req.Header[k] = append([]string(nil), vs...)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("request failed", zap.String("url", t.url), zap.Error(err))
		return nil, &FailureError{Endpoint: t.url, Err: err}
	}
	defer CleanlyCloseBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.logger.Debug("unexpected status",
			zap.String("url", t.url),
			zap.Int("status", resp.StatusCode),
		)
		return nil, &FailureError{Endpoint: t.url, StatusCode: resp.StatusCode}
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FailureError{Endpoint: t.url, Err: err}
	}
	t.logger.Debug("exchange",
		zap.String("url", t.url),
		zap.Int("sent", len(body)),
		zap.Int("received", len(payload)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return payload, nil
}

// CleanlyCloseBody drains and closes an HTTP response body so the
// connection can be reused.
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}
