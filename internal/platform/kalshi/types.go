// Package kalshi implements the Kalshi exchange client used by the
// platform adapter: RSA-signed REST plus a reconnecting WebSocket stream.
package kalshi

import (
	"time"

	"github.com/echelon-core/echelon/internal/platform"
)

// KalshiMarket is one market row from the trade API.
type KalshiMarket struct {
	Ticker      string  `json:"ticker"`
	EventTicker string  `json:"event_ticker"`
	Title       string  `json:"title"`
	Status      string  `json:"status"`
	YesBid      int     `json:"yes_bid"` // cents
	YesAsk      int     `json:"yes_ask"`
	NoBid       int     `json:"no_bid"`
	NoAsk       int     `json:"no_ask"`
	Volume      float64 `json:"volume"`
	CloseTime   string  `json:"close_time"`
}

// ToExtMarket converts a Kalshi market to the adapter's normalized shape.
func (m *KalshiMarket) ToExtMarket() platform.ExtMarket {
	closeTime, _ := time.Parse(time.RFC3339, m.CloseTime)
	return platform.ExtMarket{
		Venue:      platform.VenueKalshi,
		ID:         m.Ticker,
		Ticker:     m.Ticker,
		Question:   m.Title,
		OutcomeIDs: []string{m.Ticker + ":yes", m.Ticker + ":no"},
		Outcomes:   []string{"Yes", "No"},
		Active:     m.Status == "active",
		Volume:     m.Volume,
		EndDate:    closeTime,
	}
}

// KalshiPriceLevel is a [price_cents, contracts] pair from the orderbook
// endpoint.
type KalshiPriceLevel [2]float64

// KalshiOrderbook is the /markets/{ticker}/orderbook response body.
type KalshiOrderbook struct {
	Yes []KalshiPriceLevel `json:"yes"`
	No  []KalshiPriceLevel `json:"no"`
}

// ToOrderBook maps the YES side onto bids and the NO side onto asks (a NO
// bid at price p is a YES ask at 1-p), converting cents to probabilities.
func (b *KalshiOrderbook) ToOrderBook(ticker string) platform.OrderBook {
	bids := make([]platform.BookLevel, 0, len(b.Yes))
	for _, l := range b.Yes {
		bids = append(bids, platform.BookLevel{Price: l[0] / 100, Size: l[1]})
	}
	asks := make([]platform.BookLevel, 0, len(b.No))
	for _, l := range b.No {
		asks = append(asks, platform.BookLevel{Price: 1 - l[0]/100, Size: l[1]})
	}
	return platform.OrderBook{
		Venue:     platform.VenueKalshi,
		MarketID:  ticker,
		Bids:      bids,
		Asks:      asks,
		FetchedAt: time.Now().UTC(),
	}
}

// KalshiOrderRequest is the /portfolio/orders request body.
type KalshiOrderRequest struct {
	Ticker      string `json:"ticker"`
	Action      string `json:"action"` // "buy" or "sell"
	Side        string `json:"side"`   // "yes" or "no"
	Count       int    `json:"count"`
	Type        string `json:"type"` // "limit"
	YesPrice    int    `json:"yes_price,omitempty"`
	NoPrice     int    `json:"no_price,omitempty"`
	ClientOrder string `json:"client_order_id"`
}

// KalshiOrderResponse is the /portfolio/orders response body.
type KalshiOrderResponse struct {
	Order struct {
		OrderID   string `json:"order_id"`
		Ticker    string `json:"ticker"`
		Status    string `json:"status"`
		YesPrice  int    `json:"yes_price"`
		NoPrice   int    `json:"no_price"`
		Count     int    `json:"count"`
		CreatedTS string `json:"created_time"`
	} `json:"order"`
}

// KalshiPosition is one row from /portfolio/positions.
type KalshiPosition struct {
	Ticker        string  `json:"ticker"`
	Position      int     `json:"position"` // signed contracts, positive = yes
	MarketExposure float64 `json:"market_exposure"`
}

// KalshiWSMessage is the envelope for WebSocket channel messages.
type KalshiWSMessage struct {
	Type string `json:"type"`
	Msg  struct {
		MarketTicker string `json:"market_ticker"`
	} `json:"msg"`
}

// KalshiWSSubscribeCmd is the subscribe frame.
type KalshiWSSubscribeCmd struct {
	ID     int                     `json:"id"`
	Cmd    string                  `json:"cmd"`
	Params KalshiWSSubscribeParams `json:"params"`
}

// KalshiWSSubscribeParams selects channels and tickers.
type KalshiWSSubscribeParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers"`
}
