package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/convroute/convroute/pkg/metrics"
)

const defaultMaxAttempts = 3

var (
	// ErrNoWorkers is returned when the router has no workers registered.
	ErrNoWorkers = errors.New("client: no workers available")

	// ErrNoCapacity is returned when every worker is at its daily limit.
	ErrNoCapacity = errors.New("client: all workers at capacity")

	// ErrRateLimited is returned when the caller exhausted its own request
	// budget and retries did not outlast the window.
	ErrRateLimited = errors.New("client: rate limited")
)

// retryable holds the status codes worth another attempt. Everything else
// is terminal on the first response.
var retryable = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Client is the router SDK. Requests that fail with a connection error or
// a transient status are retried with exponential backoff before giving
// up.
type Client struct {
	endpoint    string
	http        *http.Client
	backoff     BackoffStrategy
	maxAttempts int
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its Timeout bounds
// each individual attempt.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithBackoff replaces the retry delay strategy.
func WithBackoff(b BackoffStrategy) Option {
	return func(c *Client) { c.backoff = b }
}

// WithMaxAttempts sets the total number of tries per request, first
// attempt included. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n >= 1 {
			c.maxAttempts = n
		}
	}
}

// NewClient creates a router client.
// endpoint defaults to "http://127.0.0.1:8090" if empty.
func NewClient(endpoint string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = "http://127.0.0.1:8090"
	}
	c := &Client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		backoff:     DefaultBackoff(),
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetWorker asks the router for a worker assignment. siteURL identifies
// the requesting site and may be empty.
func (c *Client) GetWorker(ctx context.Context, siteURL string) (WorkerAssignment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/get-worker", nil)
	if err != nil {
		return WorkerAssignment{}, err
	}
	if siteURL != "" {
		req.Header.Set("X-Site-URL", siteURL)
	}

	var env workerEnvelope
	if err := c.do(req, nil, &env); err != nil {
		return WorkerAssignment{}, err
	}
	return WorkerAssignment{
		WorkerID:        env.Worker.ID,
		WorkerURL:       env.Worker.URL,
		ConvertEndpoint: env.Worker.ConvertEndpoint,
		UsageToday:      env.Usage.WorkerToday,
		DailyLimit:      env.Usage.WorkerLimit,
	}, nil
}

// TrackUsage reports a completed conversion and returns the updated day
// counts.
func (c *Client) TrackUsage(ctx context.Context, report UsageReport) (UsageAck, error) {
	if report.WorkerID == "" || report.SiteURL == "" {
		return UsageAck{}, fmt.Errorf("client: worker id and site url are required")
	}

	body, err := json.Marshal(report)
	if err != nil {
		return UsageAck{}, fmt.Errorf("client: marshal report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/track-usage", nil)
	if err != nil {
		return UsageAck{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var ack UsageAck
	if err := c.do(req, body, &ack); err != nil {
		return UsageAck{}, err
	}
	return ack, nil
}

// TrackUsageAsync reports a conversion on a detached goroutine. Reporting
// is advisory: errors are discarded so the caller's path never blocks on
// accounting.
func (c *Client) TrackUsageAsync(report UsageReport) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _ = c.TrackUsage(ctx, report)
	}()
}

// Ping checks the health of the router.
func (c *Client) Ping(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return Status{}, err
	}

	var status Status
	if err := c.do(req, nil, &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// Convert is the full round trip: obtain an assignment, POST payload to
// the worker's convert endpoint, and report the outcome back to the
// router. The raw worker response body is returned on success.
func (c *Client) Convert(ctx context.Context, siteURL string, payload []byte) ([]byte, error) {
	assignment, err := c.GetWorker(ctx, siteURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, assignment.ConvertEndpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.send(req, payload, c.maxAttempts)
	report := UsageReport{
		WorkerID: assignment.WorkerID,
		SiteURL:  siteURL,
		BytesIn:  int64(len(payload)),
	}
	if err != nil {
		c.TrackUsageAsync(report)
		return nil, fmt.Errorf("client: convert: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		c.TrackUsageAsync(report)
		return nil, fmt.Errorf("client: read convert response: %w", err)
	}

	report.BytesOut = int64(len(out))
	report.Success = resp.StatusCode < 300
	report.CacheHit = resp.Header.Get("X-Cache") == "HIT"
	c.TrackUsageAsync(report)

	if !report.Success {
		return nil, fmt.Errorf("client: convert: worker returned status %d", resp.StatusCode)
	}
	return out, nil
}

// do runs the request with retries and decodes the JSON response into out.
func (c *Client) do(req *http.Request, body []byte, out any) error {
	resp, err := c.send(req, body, c.maxAttempts)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// send issues the request up to maxAttempts times. The request body is
// rebuilt per attempt from body so retries never reuse a consumed reader.
// The last response, or an error wrapping the last failure, is returned.
func (c *Client) send(req *http.Request, body []byte, maxAttempts int) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			metrics.ClientRetries.Inc()
			select {
			case <-time.After(c.backoff.Next(attempt - 1)):
			case <-req.Context().Done():
				return nil, req.Context().Err()
			}
		}

		r := req.Clone(req.Context())
		if body != nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
		}

		resp, err := c.http.Do(r)
		if err != nil {
			if ctxErr := req.Context().Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = err
			continue
		}
		if retryable[resp.StatusCode] && attempt < maxAttempts {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			// Drain so the connection can be reused for the retry.
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("client: %s %s failed after %d attempts: %w", req.Method, req.URL.Path, maxAttempts, lastErr)
}

// statusError maps a non-200 response to a typed error where a sentinel
// exists, falling back to a generic error carrying the router's message.
func (c *Client) statusError(resp *http.Response) error {
	var envelope apiError
	_ = json.NewDecoder(resp.Body).Decode(&envelope)

	switch envelope.Error.Code {
	case "NO_WORKERS":
		return ErrNoWorkers
	case "NO_CAPACITY":
		return ErrNoCapacity
	case "RATE_LIMITED":
		return ErrRateLimited
	}
	if envelope.Error.Message != "" {
		return fmt.Errorf("client: status %d: %s", resp.StatusCode, envelope.Error.Message)
	}
	return fmt.Errorf("client: unexpected status %d", resp.StatusCode)
}
