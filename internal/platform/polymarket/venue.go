package polymarket

import (
	"context"

	"github.com/echelon-core/echelon/internal/platform"
)

// Venue composes the Gamma, CLOB, and WebSocket clients into the adapter's
// platform.Venue surface.
type Venue struct {
	gamma *GammaClient
	clob  *ClobClient
	ws    *WSClient
}

// NewVenue wires the three Polymarket clients together.
func NewVenue(gamma *GammaClient, clob *ClobClient, ws *WSClient) *Venue {
	return &Venue{gamma: gamma, clob: clob, ws: ws}
}

func (v *Venue) Name() platform.VenueName { return platform.VenuePolymarket }

func (v *Venue) SearchMarkets(ctx context.Context, query string, limit int) ([]platform.ExtMarket, error) {
	return v.gamma.SearchMarkets(ctx, query, limit)
}

func (v *Venue) GetOrderBook(ctx context.Context, marketID string) (platform.OrderBook, error) {
	return v.clob.GetBook(ctx, marketID)
}

func (v *Venue) CreateOrder(ctx context.Context, req platform.OrderRequest) (platform.OrderAck, error) {
	return v.clob.PostOrder(ctx, req)
}

func (v *Venue) CancelOrder(ctx context.Context, orderID string) error {
	return v.clob.CancelOrder(ctx, orderID)
}

func (v *Venue) GetPositions(ctx context.Context) ([]platform.ExtPosition, error) {
	return v.clob.GetPositions(ctx)
}

func (v *Venue) Stream(ctx context.Context, handlers map[string]platform.StreamHandler) error {
	return v.ws.Run(ctx, handlers)
}

var _ platform.Venue = (*Venue)(nil)
