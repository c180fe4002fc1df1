package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/celoledger/internal/domain"
	"github.com/alanyoungcy/celoledger/internal/optimistic"
)

const (
	reconnectDelay    = time.Second
	maxReconnectDelay = 30 * time.Second
)

// Envelope is one frame pushed by the server.
type Envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// subscribeMsg mirrors the server's subscription request.
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// wsURL derives the websocket endpoint from the API base URL.
func (c *Client) wsURL() string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + "/ws"
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/ws"
	default:
		return c.baseURL + "/ws"
	}
}

// Watch subscribes to channels and calls fn for every frame until ctx is
// cancelled. Dropped connections are redialled with exponential backoff and
// the subscriptions restored. fn runs on the read goroutine.
func (c *Client) Watch(ctx context.Context, channels []string, fn func(Envelope)) error {
	delay := reconnectDelay
	for {
		start := time.Now()
		err := c.watchOnce(ctx, channels, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > maxReconnectDelay {
			delay = reconnectDelay
		}
		c.logger.Warn("ledger websocket disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (c *Client) watchOnce(ctx context.Context, channels []string, fn func(Envelope)) error {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	if len(channels) > 0 {
		if err := conn.WriteJSON(subscribeMsg{Action: "subscribe", Channels: channels}); err != nil {
			return fmt.Errorf("client: subscribe: %w", err)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("client: read: %w", err)
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug("ignoring undecodable frame", slog.String("error", err.Error()))
			continue
		}
		fn(env)
	}
}

// Follow confirms pending updates in store as the server pushes the store
// address's rows for the given markets. It blocks like Watch.
func (c *Client) Follow(ctx context.Context, store *optimistic.Store, marketIDs ...uint64) error {
	channels := make([]string, 0, len(marketIDs))
	for _, id := range marketIDs {
		channels = append(channels, domain.ParticipantsChannel(id))
	}
	return c.Watch(ctx, channels, func(env Envelope) {
		if !strings.HasPrefix(env.Channel, domain.ChannelParticipantsBase) {
			return
		}
		var upd domain.ParticipantUpdate
		if err := json.Unmarshal(env.Data, &upd); err != nil {
			return
		}
		if e, ok := store.Observe(upd); ok {
			c.logger.Info("optimistic update confirmed",
				slog.Uint64("market_id", upd.MarketID),
				slog.String("total_investment", e.Current.TotalInvestment.String()),
			)
		}
	})
}
