package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/echelon-core/echelon/internal/domain"
	"github.com/echelon-core/echelon/internal/platform"
)

// MarketSearcher is the slice of the platform adapter the venue ingester
// polls.
type MarketSearcher interface {
	SearchMarkets(ctx context.Context, venue platform.VenueName, query string, limit int) ([]platform.ExtMarket, error)
	GetOrderBook(ctx context.Context, venue platform.VenueName, marketID string) (platform.OrderBook, error)
}

// VenueIngester polls one external venue's market listings and converts the
// observed mid prices into market-data signals: topic = the venue market's
// ticker, confidence = the implied YES probability. It is the market-data
// feed category and critical to the Mode Supervisor.
type VenueIngester struct {
	venue    platform.VenueName
	adapter  MarketSearcher
	pageSize int
	// bookDepth bounds how many listings get a full book fetch per poll;
	// the rest use listing-level data only, keeping the poll inside the
	// venue's request budget.
	bookDepth int
}

// NewVenueIngester creates an ingester for one venue.
func NewVenueIngester(venue platform.VenueName, adapter MarketSearcher, pageSize, bookDepth int) *VenueIngester {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &VenueIngester{venue: venue, adapter: adapter, pageSize: pageSize, bookDepth: bookDepth}
}

func (v *VenueIngester) Name() string     { return "market_data:" + string(v.venue) }
func (v *VenueIngester) Category() string { return "market_data" }
func (v *VenueIngester) Critical() bool   { return true }

// venueObservation is the normalized signal payload.
type venueObservation struct {
	Venue    string  `json:"venue"`
	MarketID string  `json:"market_id"`
	Ticker   string  `json:"ticker"`
	Question string  `json:"question"`
	Mid      float64 `json:"mid"`
	Volume   float64 `json:"volume"`
	AsOf     string  `json:"as_of"`
}

// Poll lists active markets and emits one signal per market observed.
func (v *VenueIngester) Poll(ctx context.Context) ([]domain.Signal, error) {
	markets, err := v.adapter.SearchMarkets(ctx, v.venue, "", v.pageSize)
	if err != nil {
		return nil, fmt.Errorf("venue ingester %s: search: %w", v.venue, err)
	}

	now := time.Now().UTC()
	signals := make([]domain.Signal, 0, len(markets))
	booksFetched := 0
	for _, m := range markets {
		if !m.Active {
			continue
		}

		mid := 0.5
		if booksFetched < v.bookDepth && len(m.OutcomeIDs) > 0 {
			bookID := m.ID
			if v.venue == platform.VenuePolymarket {
				bookID = m.OutcomeIDs[0]
			}
			if book, err := v.adapter.GetOrderBook(ctx, v.venue, bookID); err == nil {
				mid = midOf(book)
				booksFetched++
			}
		}

		obs := venueObservation{
			Venue:    string(v.venue),
			MarketID: m.ID,
			Ticker:   m.Ticker,
			Question: m.Question,
			Mid:      mid,
			Volume:   m.Volume,
			AsOf:     now.Format(time.RFC3339),
		}
		payload, err := json.Marshal(obs)
		if err != nil {
			continue
		}

		topic := m.Ticker
		if topic == "" {
			topic = m.ID
		}
		signals = append(signals, domain.Signal{
			ID:         SignalID(v.Name(), payload),
			SourceTag:  v.Name(),
			Topic:      topic,
			Confidence: mid,
			Tier:       domain.SignalTierHigh,
			Payload:    payload,
			Timestamp:  now,
		})
	}
	return signals, nil
}

func midOf(book platform.OrderBook) float64 {
	var bid, ask float64
	if len(book.Bids) > 0 {
		bid = book.Bids[0].Price
	}
	if len(book.Asks) > 0 {
		ask = book.Asks[0].Price
	}
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2
	case bid > 0:
		return bid
	case ask > 0:
		return ask
	default:
		return 0.5
	}
}
