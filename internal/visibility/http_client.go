package visibility

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/obsportal/obsportal/internal/models"
	"github.com/obsportal/obsportal/internal/telstates"
)

type HTTPClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPClient talks to the visibility service. Transient failures are retried
// with a linear backoff; the caller's context bounds the whole exchange.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("visibility base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

type intervalsResponse struct {
	Intervals []telstates.Span `json:"intervals"`
}

func (c *HTTPClient) SiteIntervals(ctx context.Context, site string, start, end time.Time) ([]telstates.Span, error) {
	q := url.Values{}
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	target := fmt.Sprintf("%s/visibility/sites/%s?%s", c.baseURL, url.PathEscape(site), q.Encode())
	return c.fetch(ctx, http.MethodGet, target, nil)
}

func (c *HTTPClient) RequestIntervals(ctx context.Context, req models.Request) ([]telstates.Span, error) {
	payload := map[string]interface{}{
		"site":      req.Location.Site,
		"telescope": req.Location.Telescope,
		"target":    req.Target,
		"windows":   req.Windows,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("visibility marshal request: %w", err)
	}
	return c.fetch(ctx, http.MethodPost, c.baseURL+"/visibility/intervals", body)
}

func (c *HTTPClient) fetch(ctx context.Context, method, target string, body []byte) ([]telstates.Span, error) {
	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		} else {
			reader = bytes.NewReader(nil)
		}
		httpReq, err := http.NewRequestWithContext(reqCtx, method, target, reader)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("visibility build request: %w", err)
		}
		if body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.client.Do(httpReq)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			spans, parseErr := decodeIntervals(resp)
			resp.Body.Close()
			if parseErr == nil {
				return spans, nil
			}
			lastErr = parseErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return nil, fmt.Errorf("visibility fetch failed: %w", lastErr)
}

func decodeIntervals(resp *http.Response) ([]telstates.Span, error) {
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("visibility service unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("visibility request rejected: %s", resp.Status)
	}
	var out intervalsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("visibility decode response: %w", err)
	}
	return out.Intervals, nil
}
