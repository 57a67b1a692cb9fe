package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/circuitbreaker"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/metrics"
)

// RefResolver turns a stored file reference into a URL the provider can fetch,
// e.g. a signed Cloud Storage URL.
type RefResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

const maxResponseBytes = 4 << 20

// HTTPClient posts {"file_url": ...} to <baseURL>/extract.
type HTTPClient struct {
	client   *http.Client
	endpoint string
	apiKey   string
	timeout  time.Duration

	breaker  *circuitbreaker.CircuitBreaker // optional, nil = disabled
	resolver RefResolver                    // optional, nil = refs are sent as-is
	metrics  metrics.Sink
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		client:   &http.Client{},
		endpoint: strings.TrimRight(baseURL, "/") + "/extract",
		apiKey:   apiKey,
		timeout:  timeout,
		metrics:  metrics.NewNoopSink(),
	}
}

func (c *HTTPClient) WithBreaker(cb *circuitbreaker.CircuitBreaker) *HTTPClient {
	c.breaker = cb
	return c
}

func (c *HTTPClient) WithResolver(r RefResolver) *HTTPClient {
	c.resolver = r
	return c
}

func (c *HTTPClient) WithMetrics(sink metrics.Sink) *HTTPClient {
	c.metrics = sink
	return c
}

type extractRequest struct {
	FileURL string `json:"file_url"`
}

func (c *HTTPClient) Extract(ctx context.Context, fileRef string) (Result, error) {
	key := circuitbreaker.Key(c.endpoint)
	if c.breaker != nil {
		if err := c.breaker.Allow(key); err != nil {
			return Result{}, &Error{Retryable: true, Err: err}
		}
	}

	fileURL := fileRef
	if c.resolver != nil {
		u, err := c.resolver.Resolve(ctx, fileRef)
		if err != nil {
			return Result{}, &Error{Retryable: true, Err: fmt.Errorf("resolve %q: %w", fileRef, err)}
		}
		fileURL = u
	}

	start := time.Now()
	res, status, err := c.post(ctx, fileURL)
	c.metrics.OCRRequestCompleted(metrics.ClassifyStatus(status, err), time.Since(start))

	if c.breaker != nil {
		// Only provider-side trouble counts against the breaker.
		if err != nil && IsRetryable(err) {
			c.breaker.RecordFailure(key)
		} else {
			c.breaker.RecordSuccess(key)
		}
	}
	return res, err
}

func (c *HTTPClient) post(ctx context.Context, fileURL string) (Result, int, error) {
	body, err := json.Marshal(extractRequest{FileURL: fileURL})
	if err != nil {
		return Result{}, 0, &Error{Err: fmt.Errorf("marshal: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, 0, &Error{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Network failures and timeouts are worth another attempt.
		return Result{}, 0, &Error{Retryable: true, Err: fmt.Errorf("send: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, resp.StatusCode, &Error{Retryable: true, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusUnsupportedMediaType:
		return Result{}, resp.StatusCode, &Error{StatusCode: resp.StatusCode, Err: ErrUnreadable}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return Result{}, resp.StatusCode, &Error{Retryable: true, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	default:
		return Result{}, resp.StatusCode, &Error{StatusCode: resp.StatusCode, Err: fmt.Errorf("rejected: %s", strings.TrimSpace(string(data)))}
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, resp.StatusCode, &Error{Retryable: true, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return res, resp.StatusCode, nil
}
