package polymarket

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
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 30 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// WSClient is the single multiplexed stream for the Polymarket CLOB market
// channel. Handlers are registered per asset (token) id; reconnection is
// automatic with bounded backoff, and the subscription set is replayed on
// every reconnect.
type WSClient struct {
	wsURL string

	mu       sync.RWMutex
	handlers map[string]platform.StreamHandler
}

// NewWSClient creates a streaming client for the given WebSocket URL,
// e.g. "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewWSClient(wsURL string) *WSClient {
	return &WSClient{
		wsURL:    wsURL,
		handlers: make(map[string]platform.StreamHandler),
	}
}

// Run connects, subscribes to every handler's asset id, and dispatches
// messages until ctx is cancelled, reconnecting with exponential backoff on
// any read failure.
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

// runOnce is one connect/subscribe/read cycle.
func (w *WSClient) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
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

	// Ping loop for keep-alive; exits with the read loop.
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
			return fmt.Errorf("polymarket/ws: read: %w", err)
		}
		w.dispatch(raw)
	}
}

// subscribe sends the market-channel subscription for every registered
// asset id.
func (w *WSClient) subscribe(conn *websocket.Conn) error {
	w.mu.RLock()
	assets := make([]string, 0, len(w.handlers))
	for sym := range w.handlers {
		assets = append(assets, sym)
	}
	w.mu.RUnlock()
	if len(assets) == 0 {
		return nil
	}

	cmd := WSCommand{Type: "market", AssetsIDs: assets}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}
	return nil
}

// dispatch routes a raw frame to the handler registered for its asset id.
// Polymarket batches messages in JSON arrays; both shapes are accepted.
func (w *WSClient) dispatch(raw []byte) {
	var batch []json.RawMessage
	if err := json.Unmarshal(raw, &batch); err != nil {
		batch = []json.RawMessage{raw}
	}
	for _, item := range batch {
		var envelope WSMessage
		if err := json.Unmarshal(item, &envelope); err != nil {
			continue
		}
		w.mu.RLock()
		handler, ok := w.handlers[envelope.AssetID]
		w.mu.RUnlock()
		if !ok {
			continue
		}
		handler(platform.StreamUpdate{
			Venue:      platform.VenuePolymarket,
			Symbol:     envelope.AssetID,
			Kind:       envelope.EventType,
			Payload:    append([]byte(nil), item...),
			ReceivedAt: time.Now().UTC(),
		})
	}
}
