// Package httpadapter is the shared HTTP plumbing for provider adapters:
// request construction, auth headers, and normalization of transport and
// status failures into the pipeline outcome taxonomy.
package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
)

// Config configures one provider endpoint.
type Config struct {
	Endpoint      string
	Method        string
	APIKey        string
	APIKeyHeader  string
	APIKeyPrefix  string
	StaticHeaders map[string]string
	// Timeout caps a single exchange when the invocation ctx carries no
	// earlier deadline.
	Timeout time.Duration
	// HTTPClient overrides the default client; tests point it at a stub
	// server transport.
	HTTPClient *http.Client
}

// Client executes provider HTTP exchanges.
type Client struct {
	cfg  Config
	http *http.Client
}

// New validates endpoint configuration and builds a client.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

// DoJSON sends body as JSON and decodes a 2xx response into out. The second
// return is non-nil for infrastructure errors; provider failures come back as
// non-success outcomes.
func (c *Client) DoJSON(ctx context.Context, body any, out any) (contracts.Outcome, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return contracts.Outcome{}, err
	}
	resp, outcome, err := c.exchange(ctx, "application/json", bytes.NewReader(payload))
	if err != nil || outcome.Class != contracts.OutcomeSuccess {
		return outcome, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: false, Reason: "provider_malformed_response"}, nil
		}
	}
	return contracts.Outcome{Class: contracts.OutcomeSuccess}, nil
}

// DoBytes sends a raw payload (e.g. audio) and decodes a 2xx JSON response
// into out.
func (c *Client) DoBytes(ctx context.Context, contentType string, payload []byte, out any) (contracts.Outcome, error) {
	resp, outcome, err := c.exchange(ctx, contentType, bytes.NewReader(payload))
	if err != nil || outcome.Class != contracts.OutcomeSuccess {
		return outcome, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: false, Reason: "provider_malformed_response"}, nil
		}
	}
	return contracts.Outcome{Class: contracts.OutcomeSuccess}, nil
}

// DoStream sends body as JSON and hands the open response body to the
// caller, who owns closing it. Used for SSE and chunked streaming responses.
func (c *Client) DoStream(ctx context.Context, body any) (io.ReadCloser, contracts.Outcome, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, contracts.Outcome{}, err
	}
	resp, outcome, err := c.exchange(ctx, "application/json", bytes.NewReader(payload))
	if err != nil || outcome.Class != contracts.OutcomeSuccess {
		return nil, outcome, err
	}
	return resp.Body, outcome, nil
}

// cancelBody releases the request deadline when the response body closes.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (c *Client) exchange(ctx context.Context, contentType string, body io.Reader) (*http.Response, contracts.Outcome, error) {
	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
	}

	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, c.cfg.Endpoint, body)
	if err != nil {
		cancel()
		return nil, contracts.Outcome{}, err
	}
	req.Header.Set("Content-Type", contentType)
	if c.cfg.APIKeyHeader != "" && c.cfg.APIKey != "" {
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKeyPrefix+c.cfg.APIKey)
	}
	for key, value := range c.cfg.StaticHeaders {
		req.Header.Set(key, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, NormalizeNetworkError(err), nil
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, NormalizeStatus(resp.StatusCode), nil
	}
	return resp, contracts.Outcome{Class: contracts.OutcomeSuccess}, nil
}

// NormalizeNetworkError maps transport failures into the outcome taxonomy.
func NormalizeNetworkError(err error) contracts.Outcome {
	if errors.Is(err, context.Canceled) {
		return contracts.Outcome{Class: contracts.OutcomeCancelled, Retryable: false, Reason: "provider_cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return contracts.Outcome{Class: contracts.OutcomeTimeout, Retryable: true, Reason: "provider_timeout"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return contracts.Outcome{Class: contracts.OutcomeTimeout, Retryable: true, Reason: "provider_timeout"}
	}
	return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: true, Reason: "provider_transport_error"}
}

// NormalizeStatus maps a non-2xx response into the outcome taxonomy. 4xx is
// terminal for this provider; 5xx and 429 are retryable elsewhere.
func NormalizeStatus(status int) contracts.Outcome {
	switch {
	case status == http.StatusTooManyRequests:
		return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: true, Reason: "provider_overload"}
	case status >= 500:
		return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: true, Reason: fmt.Sprintf("provider_server_error_%d", status)}
	default:
		return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: false, Reason: fmt.Sprintf("provider_client_error_%d", status)}
	}
}
