package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

// chanBus hands out one channel per subscribed pattern.
type chanBus struct {
	mu   sync.Mutex
	subs map[string]chan []byte
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 16)
	b.subs[channel] = ch
	return ch, nil
}

func (b *chanBus) deliver(channel string, payload any) {
	b.mu.Lock()
	ch := b.subs[channel]
	b.mu.Unlock()
	data, _ := json.Marshal(payload)
	ch <- data
}

func (b *chanBus) ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs) == len(busChannels)
}

func (h *Hub) subscribed(channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.isSubscribed(channel) {
			return true
		}
	}
	return false
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestRoute(t *testing.T) {
	env, ok := route(domain.ChannelMarkets, []byte(`{"type":"market"}`))
	require.True(t, ok)
	assert.Equal(t, domain.ChannelMarkets, env.Channel)

	env, ok = route("participants:*", []byte(`{"type":"participant","market_id":7}`))
	require.True(t, ok)
	assert.Equal(t, "participants:7", env.Channel)

	_, ok = route("participants:*", []byte(`{"type":"participant"}`))
	assert.False(t, ok)
	_, ok = route(domain.ChannelSync, []byte(`not json`))
	assert.False(t, ok)
}

func TestHub_RoutesByConcreteChannel(t *testing.T) {
	bus := &chanBus{subs: make(map[string]chan []byte)}
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "full"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()
	require.Eventually(t, bus.ready, 2*time.Second, 10*time.Millisecond)

	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readEnvelope(t, conn)
	assert.Equal(t, "hello", hello.Channel)

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "subscribe", Channels: []string{"participants:7"}}))
	require.Eventually(t, func() bool { return hub.subscribed("participants:7") }, 2*time.Second, 10*time.Millisecond)

	// Market 8 is not subscribed and must not arrive ahead of market 7.
	bus.deliver("participants:*", domain.ParticipantUpdate{Type: "participant", MarketID: 8})
	bus.deliver("participants:*", domain.ParticipantUpdate{Type: "participant", MarketID: 7, Block: 11})

	env := readEnvelope(t, conn)
	assert.Equal(t, "participants:7", env.Channel)
	var upd domain.ParticipantUpdate
	require.NoError(t, json.Unmarshal(env.Data, &upd))
	assert.Equal(t, uint64(11), upd.Block)

	bus.deliver(domain.ChannelSync, domain.SyncUpdate{Type: "sync", Cursor: 20, Head: 25})
	env = readEnvelope(t, conn)
	assert.Equal(t, domain.ChannelSync, env.Channel)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
}

func TestHub_NilBus(t *testing.T) {
	hub := NewHub(nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, hub.Run(ctx), context.Canceled)
}

func TestOriginAllowed(t *testing.T) {
	assert.True(t, originAllowed(nil, "https://a.example"))
	assert.True(t, originAllowed([]string{"https://a.example"}, "https://A.example"))
	assert.False(t, originAllowed([]string{"https://a.example"}, "https://b.example"))
	assert.True(t, originAllowed([]string{"*"}, "https://b.example"))
}
