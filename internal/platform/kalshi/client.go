package kalshi

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/echelon-core/echelon/internal/platform"
)

// Client is the REST client for the Kalshi exchange API.
type Client struct {
	baseURL    string
	apiKeyID   string
	privateKey *rsa.PrivateKey
	httpClient *http.Client
}

// NewClient creates a new Kalshi REST client.
//
// baseURL is the API root, e.g. "https://api.elections.kalshi.com/trade-api/v2".
// apiKeyID is the Kalshi API key identifier.
func NewClient(baseURL, apiKeyID string) *Client {
	return &Client{
		baseURL:  baseURL,
		apiKeyID: apiKeyID,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// SetRSAPrivateKey loads an RSA private key from PEM-encoded bytes and
// configures the client for RSA-signed authentication.
func (c *Client) SetRSAPrivateKey(pemBytes []byte) error {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return fmt.Errorf("kalshi: no PEM block found in private key")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS1 as fallback.
		pkcs1Key, pkcs1Err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if pkcs1Err != nil {
			return fmt.Errorf("kalshi: parse private key: %w (pkcs1: %v)", err, pkcs1Err)
		}
		c.privateKey = pkcs1Key
		return nil
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("kalshi: expected RSA private key, got %T", key)
	}
	c.privateKey = rsaKey
	return nil
}

// SearchMarkets returns open markets whose title or ticker contains query
// (case-insensitive); an empty query matches every open market.
func (c *Client) SearchMarkets(ctx context.Context, query string, limit int) ([]platform.ExtMarket, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("status", "open")

	body, err := c.doSignedRequest(ctx, http.MethodGet, "/markets?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("kalshi: search markets: %w", err)
	}

	var resp struct {
		Markets []KalshiMarket `json:"markets"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kalshi: decode markets: %w", err)
	}

	markets := make([]platform.ExtMarket, 0, len(resp.Markets))
	for i := range resp.Markets {
		m := resp.Markets[i].ToExtMarket()
		if query != "" && !strings.Contains(strings.ToLower(m.Question), strings.ToLower(query)) &&
			!strings.Contains(strings.ToLower(m.Ticker), strings.ToLower(query)) {
			continue
		}
		markets = append(markets, m)
	}
	return markets, nil
}

// GetOrderBook fetches one market's book by ticker.
func (c *Client) GetOrderBook(ctx context.Context, ticker string) (platform.OrderBook, error) {
	path := fmt.Sprintf("/markets/%s/orderbook", url.PathEscape(ticker))

	body, err := c.doSignedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return platform.OrderBook{}, fmt.Errorf("kalshi: get orderbook %s: %w", ticker, err)
	}

	var resp struct {
		Orderbook KalshiOrderbook `json:"orderbook"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return platform.OrderBook{}, fmt.Errorf("kalshi: decode orderbook: %w", err)
	}
	return resp.Orderbook.ToOrderBook(ticker), nil
}

// CreateOrder places a limit order. The builder code travels as a
// client_order_id prefix since Kalshi has no native attribution field.
func (c *Client) CreateOrder(ctx context.Context, req platform.OrderRequest) (platform.OrderAck, error) {
	side := "yes"
	if strings.HasSuffix(req.OutcomeID, ":no") {
		side = "no"
	}
	priceCents := int(math.Round(req.LimitPrice * 100))
	kReq := KalshiOrderRequest{
		Ticker:      req.MarketID,
		Action:      string(req.Side),
		Side:        side,
		Count:       int(req.Size),
		Type:        "limit",
		ClientOrder: clientOrderID(req.BuilderCode),
	}
	if side == "yes" {
		kReq.YesPrice = priceCents
	} else {
		kReq.NoPrice = priceCents
	}

	body, err := c.doSignedRequest(ctx, http.MethodPost, "/portfolio/orders", kReq)
	if err != nil {
		return platform.OrderAck{}, fmt.Errorf("kalshi: create order: %w", err)
	}

	var resp KalshiOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return platform.OrderAck{}, fmt.Errorf("kalshi: decode order response: %w", err)
	}

	fill := float64(resp.Order.YesPrice) / 100
	if side == "no" {
		fill = float64(resp.Order.NoPrice) / 100
	}
	return platform.OrderAck{
		Venue:      platform.VenueKalshi,
		OrderID:    resp.Order.OrderID,
		MarketID:   resp.Order.Ticker,
		Side:       req.Side,
		Size:       float64(resp.Order.Count),
		FillPrice:  fill,
		Status:     resp.Order.Status,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// CancelOrder cancels a resting order by ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	path := fmt.Sprintf("/portfolio/orders/%s", url.PathEscape(orderID))
	if _, err := c.doSignedRequest(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("kalshi: cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetPositions lists the account's open positions.
func (c *Client) GetPositions(ctx context.Context) ([]platform.ExtPosition, error) {
	body, err := c.doSignedRequest(ctx, http.MethodGet, "/portfolio/positions", nil)
	if err != nil {
		return nil, fmt.Errorf("kalshi: get positions: %w", err)
	}

	var resp struct {
		MarketPositions []KalshiPosition `json:"market_positions"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kalshi: decode positions: %w", err)
	}

	positions := make([]platform.ExtPosition, 0, len(resp.MarketPositions))
	for _, p := range resp.MarketPositions {
		outcome := p.Ticker + ":yes"
		size := float64(p.Position)
		if p.Position < 0 {
			outcome = p.Ticker + ":no"
			size = -size
		}
		avg := 0.0
		if p.Position != 0 {
			avg = p.MarketExposure / math.Abs(float64(p.Position)) / 100
		}
		positions = append(positions, platform.ExtPosition{
			Venue:     platform.VenueKalshi,
			MarketID:  p.Ticker,
			OutcomeID: outcome,
			Size:      size,
			AvgPrice:  avg,
		})
	}
	return positions, nil
}

// clientOrderID prefixes a fresh UUID with the builder code so venue-side
// order listings remain attributable.
func clientOrderID(builderCode string) string {
	id := uuid.New().String()
	if builderCode == "" {
		return id
	}
	return builderCode + "-" + id
}

// doSignedRequest signs method+path with the configured RSA key (PSS,
// SHA-256, per Kalshi's API auth scheme) and issues the request.
func (c *Client) doSignedRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.privateKey != nil {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		// Sign over timestamp + method + path (without query string).
		signPath := path
		if i := strings.Index(signPath, "?"); i >= 0 {
			signPath = signPath[:i]
		}
		msg := timestamp + method + "/trade-api/v2" + signPath
		digest := sha256.Sum256([]byte(msg))
		sig, err := rsa.SignPSS(rand.Reader, c.privateKey, crypto.SHA256, digest[:], &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
		})
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set("KALSHI-ACCESS-KEY", c.apiKeyID)
		req.Header.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(sig))
		req.Header.Set("KALSHI-ACCESS-TIMESTAMP", timestamp)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &platform.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
