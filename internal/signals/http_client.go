package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/veridata/govern/internal/models"
)

type HTTPClientConfig struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPClient fetches signal snapshots from an upstream signals service.
type HTTPClient struct {
	baseURL string
	path    string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("signals base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/signals/dataset"
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
		path:    path,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (c *HTTPClient) Fetch(ctx context.Context, route models.Route, dataset string) (Snapshot, error) {
	query := url.Values{}
	query.Set("dataset", dataset)
	query.Set("from", route.From)
	query.Set("to", route.To)
	target := c.baseURL + c.path + "?" + query.Encode()

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return Snapshot{}, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
		if err != nil {
			cancel()
			return Snapshot{}, fmt.Errorf("signals build request: %w", err)
		}
		resp, err := c.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			snap, parseErr := decodeSnapshot(resp)
			resp.Body.Close()
			if parseErr == nil {
				return snap, nil
			}
			lastErr = parseErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return Snapshot{}, fmt.Errorf("signals fetch failed: %w", lastErr)
}

func decodeSnapshot(resp *http.Response) (Snapshot, error) {
	if resp.StatusCode >= 500 {
		return Snapshot{}, fmt.Errorf("signals service unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("signals service rejected request: %s", resp.Status)
	}
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("signals decode response: %w", err)
	}
	return snap, nil
}
