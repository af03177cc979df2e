package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/echelon-core/echelon/internal/domain"
	"github.com/echelon-core/echelon/internal/platform"
)

// RawFill is one on-chain order-filled event from the subgraph.
type RawFill struct {
	Timestamp         int64  `json:"timestamp,string"`
	Maker             string `json:"maker"`
	MakerAssetID      string `json:"makerAssetId"`
	MakerAmountFilled int64  `json:"makerAmountFilled,string"`
	Taker             string `json:"taker"`
	TakerAssetID      string `json:"takerAssetId"`
	TakerAmountFilled int64  `json:"takerAmountFilled,string"`
	TransactionHash   string `json:"transactionHash"`
}

// SubgraphClient queries a Goldsky-hosted subgraph over GraphQL for
// on-chain order fills.
type SubgraphClient struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewSubgraphClient creates a client for the given subgraph URL. apiKey may
// be empty for public subgraphs.
func NewSubgraphClient(url, apiKey string) *SubgraphClient {
	return &SubgraphClient{
		url:    url,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// FetchOrderFills queries order-filled events after `since`, bounded to
// `first` rows, oldest first.
func (c *SubgraphClient) FetchOrderFills(ctx context.Context, since time.Time, first int) ([]RawFill, error) {
	query := fmt.Sprintf(`{
		orderFilledEvents(
			where: {timestamp_gt: "%d"}
			orderBy: timestamp
			orderDirection: asc
			first: %d
		) {
			timestamp maker makerAssetId makerAmountFilled taker takerAssetId takerAmountFilled transactionHash
		}
	}`, since.Unix(), first)

	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, fmt.Errorf("subgraph: marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("subgraph: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subgraph: request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("subgraph: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &platform.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed struct {
		Data struct {
			OrderFilledEvents []RawFill `json:"orderFilledEvents"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("subgraph: decode response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return nil, fmt.Errorf("subgraph: query error: %s", parsed.Errors[0].Message)
	}
	return parsed.Data.OrderFilledEvents, nil
}

// ChainIngester polls the on-chain subgraph for order fills and converts
// each into an on-chain activity signal: topic = the filled asset id,
// confidence = the implied fill price. It is the critical on-chain feed.
type ChainIngester struct {
	fetcher interface {
		FetchOrderFills(ctx context.Context, since time.Time, first int) ([]RawFill, error)
	}
	fetchLimit int

	mu    sync.Mutex
	since time.Time
}

// NewChainIngester creates the on-chain ingester starting from `since`.
func NewChainIngester(fetcher *SubgraphClient, since time.Time) *ChainIngester {
	return &ChainIngester{fetcher: fetcher, fetchLimit: 1000, since: since}
}

func (c *ChainIngester) Name() string     { return "onchain:goldsky" }
func (c *ChainIngester) Category() string { return "onchain" }
func (c *ChainIngester) Critical() bool   { return true }

// Poll fetches fills since the previous poll's high-water mark.
func (c *ChainIngester) Poll(ctx context.Context) ([]domain.Signal, error) {
	c.mu.Lock()
	since := c.since
	c.mu.Unlock()

	fills, err := c.fetcher.FetchOrderFills(ctx, since, c.fetchLimit)
	if err != nil {
		return nil, fmt.Errorf("chain ingester: fetch fills: %w", err)
	}

	signals := make([]domain.Signal, 0, len(fills))
	latest := since
	for _, f := range fills {
		ts := time.Unix(f.Timestamp, 0).UTC()
		if ts.After(latest) {
			latest = ts
		}

		payload, err := json.Marshal(f)
		if err != nil {
			continue
		}
		signals = append(signals, domain.Signal{
			ID:         SignalID(c.Name(), payload),
			SourceTag:  c.Name(),
			Topic:      f.TakerAssetID,
			Confidence: fillConfidence(f),
			Tier:       domain.SignalTierHigh,
			Payload:    payload,
			Timestamp:  ts,
		})
	}

	c.mu.Lock()
	if latest.After(c.since) {
		c.since = latest
	}
	c.mu.Unlock()
	return signals, nil
}

// fillConfidence derives the implied probability from a fill's maker/taker
// amounts: collateral paid per outcome share received.
func fillConfidence(f RawFill) float64 {
	if f.TakerAmountFilled <= 0 {
		return 0.5
	}
	price := float64(f.MakerAmountFilled) / float64(f.TakerAmountFilled)
	if price > 1 {
		price = 1 / price
	}
	// Clamp away from hard 0/1: a single fill is evidence, not certainty.
	if price < 0.01 {
		price = 0.01
	}
	if price > 0.99 {
		price = 0.99
	}
	return price
}
