package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"LabSync/internal/config"
	"LabSync/internal/domain"
	"LabSync/internal/ports"
)

// Client talks to the external OCR/vision inference service.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

var _ ports.VisionClient = (*Client)(nil)

// NewClient creates a reusable HTTP client from configuration.
func NewClient(cfg config.VisionConfig) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: 60 * time.Second},
	}
}

// Analyze submits document bytes for OCR and field extraction. The service
// answers with recognized text, labeled fields, and a confidence score.
func (c *Client) Analyze(ctx context.Context, body []byte, kind domain.ContentKind) (domain.VisionResult, error) {
	if c == nil || c.endpoint == "" {
		return domain.VisionResult{}, fmt.Errorf("vision client misconfigured")
	}

	payload := map[string]any{
		"document": base64.StdEncoding.EncodeToString(body),
		"kind":     string(kind),
	}

	var resp struct {
		Text       string            `json:"text"`
		Fields     map[string]string `json:"fields"`
		Confidence float64           `json:"confidence"`
	}

	if err := c.post(ctx, "/analyze", payload, &resp); err != nil {
		return domain.VisionResult{}, err
	}

	return domain.VisionResult{
		Text:       resp.Text,
		Fields:     resp.Fields,
		Confidence: resp.Confidence,
	}, nil
}

// retryBackoffBase is the first retry delay; tests shrink it.
var retryBackoffBase = time.Second

const maxAttempts = 3

func (c *Client) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := c.doWithRetry(ctx, path, body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			return fmt.Errorf("unexpected status %s, close body: %v", resp.Status, closeErr)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		_ = resp.Body.Close()
		return fmt.Errorf("decode response: %w", err)
	}

	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}

	return nil
}

// doWithRetry retries transport failures and 5xx answers with exponential
// backoff. An exhausted budget surfaces as a fatal unavailable error.
func (c *Client) doWithRetry(ctx context.Context, path string, body []byte) (*http.Response, error) {
	var lastErr error
	backoff := retryBackoffBase

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("status %s", resp.Status)
			_ = resp.Body.Close()
			continue
		}
		return resp, nil
	}

	return nil, fmt.Errorf("%w: vision service after %d attempts: %v", domain.ErrUnavailable, maxAttempts, lastErr)
}
