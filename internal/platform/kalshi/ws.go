package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/echelon-core/echelon/internal/platform"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 30 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// WSClient is the single multiplexed stream for Kalshi's WebSocket API.
// Handlers are registered per market ticker; the orderbook_delta and
// ticker channels are subscribed for all registered tickers and replayed
// on every reconnect.
type WSClient struct {
	wsURL string

	mu       sync.RWMutex
	handlers map[string]platform.StreamHandler
	cmdID    int
}

// NewWSClient creates a streaming client, e.g. for
// "wss://api.elections.kalshi.com/trade-api/ws/v2".
func NewWSClient(wsURL string) *WSClient {
	return &WSClient{
		wsURL:    wsURL,
		handlers: make(map[string]platform.StreamHandler),
	}
}

// Run connects and dispatches until ctx is cancelled, reconnecting with
// exponential backoff on failure.
func (w *WSClient) Run(ctx context.Context, handlers map[string]platform.StreamHandler) error {
	w.mu.Lock()
	for sym, h := range handlers {
		w.handlers[sym] = h
	}
	w.mu.Unlock()

	delay := reconnectDelay
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := w.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}
		delay = reconnectDelay
	}
}

func (w *WSClient) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("kalshi/ws: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := w.subscribe(conn); err != nil {
		return err
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("kalshi/ws: read: %w", err)
		}
		w.dispatch(raw)
	}
}

func (w *WSClient) subscribe(conn *websocket.Conn) error {
	w.mu.Lock()
	tickers := make([]string, 0, len(w.handlers))
	for sym := range w.handlers {
		tickers = append(tickers, sym)
	}
	w.cmdID++
	cmd := KalshiWSSubscribeCmd{
		ID:  w.cmdID,
		Cmd: "subscribe",
		Params: KalshiWSSubscribeParams{
			Channels:      []string{"orderbook_delta", "ticker"},
			MarketTickers: tickers,
		},
	}
	w.mu.Unlock()
	if len(tickers) == 0 {
		return nil
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("kalshi/ws: subscribe: %w", err)
	}
	return nil
}

func (w *WSClient) dispatch(raw []byte) {
	var envelope KalshiWSMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}
	w.mu.RLock()
	handler, ok := w.handlers[envelope.Msg.MarketTicker]
	w.mu.RUnlock()
	if !ok {
		return
	}
	handler(platform.StreamUpdate{
		Venue:      platform.VenueKalshi,
		Symbol:     envelope.Msg.MarketTicker,
		Kind:       envelope.Type,
		Payload:    append([]byte(nil), raw...),
		ReceivedAt: time.Now().UTC(),
	})
}
