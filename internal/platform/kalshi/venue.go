package kalshi

import (
	"context"

	"github.com/echelon-core/echelon/internal/platform"
)

// Venue composes the REST and WebSocket clients into the adapter's
// platform.Venue surface.
type Venue struct {
	client *Client
	ws     *WSClient
}

// NewVenue wires the Kalshi clients together.
func NewVenue(client *Client, ws *WSClient) *Venue {
	return &Venue{client: client, ws: ws}
}

func (v *Venue) Name() platform.VenueName { return platform.VenueKalshi }

func (v *Venue) SearchMarkets(ctx context.Context, query string, limit int) ([]platform.ExtMarket, error) {
	return v.client.SearchMarkets(ctx, query, limit)
}

func (v *Venue) GetOrderBook(ctx context.Context, marketID string) (platform.OrderBook, error) {
	return v.client.GetOrderBook(ctx, marketID)
}

func (v *Venue) CreateOrder(ctx context.Context, req platform.OrderRequest) (platform.OrderAck, error) {
	return v.client.CreateOrder(ctx, req)
}

func (v *Venue) CancelOrder(ctx context.Context, orderID string) error {
	return v.client.CancelOrder(ctx, orderID)
}

func (v *Venue) GetPositions(ctx context.Context) ([]platform.ExtPosition, error) {
	return v.client.GetPositions(ctx)
}

func (v *Venue) Stream(ctx context.Context, handlers map[string]platform.StreamHandler) error {
	return v.ws.Run(ctx, handlers)
}

var _ platform.Venue = (*Venue)(nil)
