package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"math/rand"
	"net/http"
	"time"

	"github.com/echelon-core/echelon/internal/crypto"
	"github.com/echelon-core/echelon/internal/platform"
)

// ClobClient is the REST client for the Polymarket CLOB (Central Limit
// Order Book) API. It handles order placement, cancellation, book reads,
// and position queries.
type ClobClient struct {
	baseURL    string
	dataURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	hmacAuth   *crypto.HMACAuth
}

// NewClobClient creates a new CLOB REST client.
//
// baseURL is the CLOB API root, e.g. "https://clob.polymarket.com".
// dataURL is the data API root used for position queries.
// signer is the EIP-712 signer for order signatures and auth messages.
// hmac is the HMAC authenticator (obtained after DeriveAPIKey).
func NewClobClient(baseURL, dataURL string, signer *crypto.Signer, hmac *crypto.HMACAuth) *ClobClient {
	return &ClobClient{
		baseURL: baseURL,
		dataURL: dataURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		signer:   signer,
		hmacAuth: hmac,
	}
}

// GetBook fetches the book for one token id.
func (c *ClobClient) GetBook(ctx context.Context, tokenID string) (platform.OrderBook, error) {
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, "/book?token_id="+tokenID, nil)
	if err != nil {
		return platform.OrderBook{}, fmt.Errorf("polymarket/clob: get book %s: %w", tokenID, err)
	}

	var book APIBook
	if err := json.Unmarshal(respBody, &book); err != nil {
		return platform.OrderBook{}, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}
	return book.ToOrderBook(), nil
}

// PostOrder signs and submits an order, returning the venue ACK.
func (c *ClobClient) PostOrder(ctx context.Context, req platform.OrderRequest) (platform.OrderAck, error) {
	if c.signer == nil {
		return platform.OrderAck{}, fmt.Errorf("polymarket/clob: post order: no signer configured")
	}

	maker, taker := amounts(req)
	payload := crypto.OrderPayload{
		Salt:          fmt.Sprintf("%d", rand.Int63()),
		Maker:         c.signer.Address().Hex(),
		Signer:        c.signer.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       req.OutcomeID,
		MakerAmount:   maker.String(),
		TakerAmount:   taker.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          sideCode(req.Side),
		SignatureType: 0,
	}
	sig, err := c.signer.SignOrder(payload)
	if err != nil {
		return platform.OrderAck{}, fmt.Errorf("polymarket/clob: sign order: %w", err)
	}

	body := map[string]any{
		"order": map[string]any{
			"salt":          payload.Salt,
			"tokenID":       payload.TokenID,
			"makerAmount":   payload.MakerAmount,
			"takerAmount":   payload.TakerAmount,
			"side":          string(req.Side),
			"feeRateBps":    payload.FeeRateBps,
			"nonce":         payload.Nonce,
			"expiration":    payload.Expiration,
			"signatureType": payload.SignatureType,
			"signature":     sig,
			"maker":         payload.Maker,
			"signer":        payload.Signer,
			"taker":         payload.Taker,
		},
		"owner":     payload.Maker,
		"orderType": "FOK",
	}
	// The builder program credits outbound flow by this tag.
	if req.BuilderCode != "" {
		body["builder"] = req.BuilderCode
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return platform.OrderAck{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var result APIOrderResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return platform.OrderAck{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}
	if !result.Success {
		return platform.OrderAck{}, fmt.Errorf("polymarket/clob: order rejected: %s", result.ErrorMsg)
	}

	fillPrice := req.LimitPrice
	if result.AvgPrice != "" {
		if p, ok := new(big.Float).SetString(result.AvgPrice); ok {
			fillPrice, _ = p.Float64()
		}
	}
	return platform.OrderAck{
		Venue:      platform.VenuePolymarket,
		OrderID:    result.OrderID,
		MarketID:   req.MarketID,
		Side:       req.Side,
		Size:       req.Size,
		FillPrice:  fillPrice,
		Status:     result.Status,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// CancelOrder cancels a single order by its ID.
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	body := map[string]any{"orderID": orderID}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/order", body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}

	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("polymarket/clob: cancel failed: %s", result.ErrorMsg)
	}
	return nil
}

// GetPositions lists the authenticated wallet's live positions via the data
// API.
func (c *ClobClient) GetPositions(ctx context.Context) ([]platform.ExtPosition, error) {
	if c.signer == nil {
		return nil, nil
	}
	path := "/positions?user=" + c.signer.Address().Hex()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.dataURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: create positions request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: positions request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: read positions: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &platform.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var apiPositions []APIPosition
	if err := json.Unmarshal(respBody, &apiPositions); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode positions: %w", err)
	}
	positions := make([]platform.ExtPosition, 0, len(apiPositions))
	for _, p := range apiPositions {
		positions = append(positions, platform.ExtPosition{
			Venue:     platform.VenuePolymarket,
			MarketID:  p.ConditionID,
			OutcomeID: p.Asset,
			Size:      p.Size,
			AvgPrice:  p.AvgPrice,
		})
	}
	return positions, nil
}

// DeriveAPIKey performs the CLOB auth flow to obtain an HMAC API key. It
// signs a ClobAuth EIP-712 message and sends it with L1 headers to the
// derive-api-key endpoint. Per Polymarket docs, L1 requires POLY_ADDRESS,
// POLY_SIGNATURE, POLY_TIMESTAMP, POLY_NONCE. On success it populates the
// client's hmacAuth field.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) error {
	address := c.signer.Address().Hex()
	timestamp := time.Now().Unix()
	nonce := int64(0)

	sig, err := c.signer.SignAuthMessage(address, timestamp, nonce)
	if err != nil {
		return fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", fmt.Sprintf("%d", timestamp))
	req.Header.Set("POLY_NONCE", fmt.Sprintf("%d", nonce))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("polymarket/clob: auth request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("polymarket/clob: auth failed (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}

	c.hmacAuth = &crypto.HMACAuth{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// amounts converts a size/limit-price pair to the CLOB's integer maker and
// taker amounts (6-decimal USDC units).
func amounts(req platform.OrderRequest) (maker, taker *big.Int) {
	const scale = 1_000_000
	shares := big.NewInt(int64(req.Size * scale))
	notional := big.NewInt(int64(req.Size * req.LimitPrice * scale))
	if req.Side == platform.SideBuy {
		return notional, shares
	}
	return shares, notional
}

func sideCode(side platform.OrderSide) int {
	if side == platform.SideSell {
		return 1
	}
	return 0
}

// doAuthenticatedRequest builds, signs (HMAC), sends, and reads an HTTP
// request against the CLOB API. It returns the raw response body.
func (c *ClobClient) doAuthenticatedRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// Apply HMAC authentication headers.
	if c.hmacAuth != nil && c.signer != nil {
		address := c.signer.Address().Hex()
		headers := c.hmacAuth.L2Headers(address, method, path, bodyStr)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
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
