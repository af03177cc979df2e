package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/echelon-core/echelon/internal/platform"
)

// GammaClient is the REST client for the Polymarket Gamma API, the
// read-only market-metadata service used for discovery and search.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a Gamma REST client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string) *GammaClient {
	return &GammaClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// SearchMarkets queries active markets matching query, bounded to limit.
func (g *GammaClient) SearchMarkets(ctx context.Context, query string, limit int) ([]platform.ExtMarket, error) {
	if limit <= 0 {
		limit = 50
	}
	params := url.Values{}
	params.Set("active", "true")
	params.Set("closed", "false")
	params.Set("limit", fmt.Sprintf("%d", limit))
	if query != "" {
		params.Set("slug", query)
	}

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: search markets: %w", err)
	}

	var apiMarkets []APIMarket
	if err := json.Unmarshal(body, &apiMarkets); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}

	markets := make([]platform.ExtMarket, 0, len(apiMarkets))
	for i := range apiMarkets {
		markets = append(markets, apiMarkets[i].ToExtMarket())
	}
	return markets, nil
}

// GetMarket fetches one market by its condition id.
func (g *GammaClient) GetMarket(ctx context.Context, conditionID string) (platform.ExtMarket, error) {
	body, err := g.doGet(ctx, "/markets?condition_ids="+url.QueryEscape(conditionID))
	if err != nil {
		return platform.ExtMarket{}, fmt.Errorf("polymarket/gamma: get market %s: %w", conditionID, err)
	}

	var apiMarkets []APIMarket
	if err := json.Unmarshal(body, &apiMarkets); err != nil {
		return platform.ExtMarket{}, fmt.Errorf("polymarket/gamma: decode market: %w", err)
	}
	if len(apiMarkets) == 0 {
		return platform.ExtMarket{}, fmt.Errorf("polymarket/gamma: market %s: not found", conditionID)
	}
	return apiMarkets[0].ToExtMarket(), nil
}

// doGet issues a GET against the Gamma API and returns the raw body.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &platform.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
