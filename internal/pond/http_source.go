package pond

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/obsportal/obsportal/internal/models"
)

type HTTPSourceConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPSource polls the scheduler's block endpoint.
type HTTPSource struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPSource(cfg HTTPSourceConfig) (*HTTPSource, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("pond base url required")
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
	return &HTTPSource{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

type blocksResponse struct {
	Blocks []Block `json:"blocks"`
}

func (s *HTTPSource) FetchSince(ctx context.Context, since time.Time) ([]models.ExecutionRecord, error) {
	q := url.Values{}
	q.Set("modified_after", since.UTC().Format(time.RFC3339))
	target := s.baseURL + "/blocks/?" + q.Encode()

	attempts := s.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("pond build request: %w", err)
		}
		resp, err := s.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			blocks, parseErr := decodeBlocks(resp)
			resp.Body.Close()
			if parseErr == nil {
				return toRecords(blocks), nil
			}
			lastErr = parseErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return nil, fmt.Errorf("pond fetch failed: %w", lastErr)
}

func decodeBlocks(resp *http.Response) ([]Block, error) {
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("pond unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pond rejected request: %s", resp.Status)
	}
	var out blocksResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("pond decode response: %w", err)
	}
	return out.Blocks, nil
}
