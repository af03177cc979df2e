package polymarket

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/echelon-core/echelon/internal/platform"
)

// flexBool tolerates the Gamma API's habit of returning booleans as either
// JSON booleans or the strings "true"/"false".
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(s == "true" || s == "1")
	return nil
}

// APIMarket is one market row from the Gamma API.
type APIMarket struct {
	ID            string   `json:"id"`
	ConditionID   string   `json:"conditionId"`
	Question      string   `json:"question"`
	Slug          string   `json:"slug"`
	Active        flexBool `json:"active"`
	Closed        flexBool `json:"closed"`
	Volume        string   `json:"volume"`
	EndDateISO    string   `json:"endDateIso"`
	ClobTokenIDs  string   `json:"clobTokenIds"` // JSON-encoded array in a string
	OutcomesRaw   string   `json:"outcomes"`     // JSON-encoded array in a string
	OutcomePrices string   `json:"outcomePrices"`
}

// ToExtMarket converts a Gamma market to the adapter's normalized shape.
func (m *APIMarket) ToExtMarket() platform.ExtMarket {
	var tokenIDs, outcomes []string
	_ = json.Unmarshal([]byte(m.ClobTokenIDs), &tokenIDs)
	_ = json.Unmarshal([]byte(m.OutcomesRaw), &outcomes)
	volume, _ := strconv.ParseFloat(m.Volume, 64)
	endDate, _ := time.Parse(time.RFC3339, m.EndDateISO)

	return platform.ExtMarket{
		Venue:      platform.VenuePolymarket,
		ID:         m.ConditionID,
		Ticker:     m.Slug,
		Question:   m.Question,
		OutcomeIDs: tokenIDs,
		Outcomes:   outcomes,
		Active:     bool(m.Active) && !bool(m.Closed),
		Volume:     volume,
		EndDate:    endDate,
	}
}

// APIBookLevel is one CLOB book level (price and size as decimal strings).
type APIBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// APIBook is the CLOB /book response.
type APIBook struct {
	Market string         `json:"market"`
	Asks   []APIBookLevel `json:"asks"`
	Bids   []APIBookLevel `json:"bids"`
}

// ToOrderBook converts the CLOB book to the adapter's normalized shape.
func (b *APIBook) ToOrderBook() platform.OrderBook {
	conv := func(levels []APIBookLevel) []platform.BookLevel {
		out := make([]platform.BookLevel, 0, len(levels))
		for _, l := range levels {
			price, _ := strconv.ParseFloat(l.Price, 64)
			size, _ := strconv.ParseFloat(l.Size, 64)
			out = append(out, platform.BookLevel{Price: price, Size: size})
		}
		return out
	}
	return platform.OrderBook{
		Venue:     platform.VenuePolymarket,
		MarketID:  b.Market,
		Bids:      conv(b.Bids),
		Asks:      conv(b.Asks),
		FetchedAt: time.Now().UTC(),
	}
}

// APIOrderResult is the CLOB order-placement response.
type APIOrderResult struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
	AvgPrice string `json:"avgPrice"`
}

// APIPosition is one row from the data API's /positions endpoint.
type APIPosition struct {
	ConditionID string  `json:"conditionId"`
	Asset       string  `json:"asset"`
	Size        float64 `json:"size"`
	AvgPrice    float64 `json:"avgPrice"`
}

// WSMessage is the envelope for CLOB WebSocket market-channel messages.
type WSMessage struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
}

// WSCommand is a subscribe/unsubscribe frame sent on the market channel.
type WSCommand struct {
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids"`
}
