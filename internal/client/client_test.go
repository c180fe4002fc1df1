package client_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/celoledger/internal/client"
	"github.com/alanyoungcy/celoledger/internal/domain"
	"github.com/alanyoungcy/celoledger/internal/optimistic"
	"github.com/alanyoungcy/celoledger/internal/server/ws"
)

const addr = "0xabc0000000000000000000000000000000000001"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func participant(yes, no int64) domain.Participant {
	return domain.Participant{
		MarketID:        7,
		Address:         addr,
		YesShares:       domain.AmountFromInt64(yes),
		NoShares:        domain.AmountFromInt64(no),
		TotalInvestment: domain.AmountFromInt64(yes + no),
	}
}

func apiServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/markets/{id}/participants/{address}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "7" || r.PathValue("address") != addr {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"participant not found"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(participant(100, 50))
	})
	mux.HandleFunc("POST /api/markets/{id}/participants/{address}/replay", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"participant": participant(1, 0), "applied": 1})
	})
	mux.HandleFunc("GET /api/markets/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestClient_Participant(t *testing.T) {
	c := client.New(apiServer(t).URL + "/")
	ctx := context.Background()

	p, err := c.Participant(ctx, domain.NewParticipantKey(7, addr))
	require.NoError(t, err)
	assert.Equal(t, "150", p.TotalInvestment.String())

	_, err = c.Participant(ctx, domain.NewParticipantKey(8, addr))
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "participant not found")

	_, err = c.Market(ctx, 7)
	assert.ErrorIs(t, err, domain.ErrTransientSource)
}

func TestClient_ReplaySendsAPIKey(t *testing.T) {
	ts := apiServer(t)
	key := domain.NewParticipantKey(7, addr)

	_, err := client.New(ts.URL).Replay(context.Background(), key)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	p, err := client.New(ts.URL, client.WithAPIKey("k")).Replay(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "1", p.YesShares.String())
}

func TestClient_StoreConfirmsThroughAuthority(t *testing.T) {
	c := client.New(apiServer(t).URL)
	store := optimistic.NewStore(addr, c)

	_, err := store.ApplyOptimistic(7, domain.AmountFromInt64(100), true)
	require.NoError(t, err)
	e, err := store.Confirm(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, optimistic.PhaseConfirmed, e.Phase)
	assert.Equal(t, "150", e.Current.TotalInvestment.String())
}

// busFake feeds one channel per subscribed pattern.
type busFake struct {
	mu   sync.Mutex
	subs map[string]chan []byte
}

func (b *busFake) Publish(context.Context, string, []byte) error { return nil }

func (b *busFake) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 64)
	b.subs[channel] = ch
	return ch, nil
}

func (b *busFake) deliver(channel string, v any) bool {
	b.mu.Lock()
	ch, ok := b.subs[channel]
	b.mu.Unlock()
	if !ok {
		return false
	}
	data, _ := json.Marshal(v)
	ch <- data
	return true
}

func TestClient_FollowConfirmsPushedRow(t *testing.T) {
	bus := &busFake{subs: make(map[string]chan []byte)}
	hub := ws.NewHub(bus, discardLogger(), ws.Config{Mode: "server"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", hub.HandleWS)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	store := optimistic.NewStore(addr, nil)
	_, err := store.ApplyOptimistic(7, domain.AmountFromInt64(100), true)
	require.NoError(t, err)

	c := client.New(ts.URL, client.WithLogger(discardLogger()))
	done := make(chan error, 1)
	go func() { done <- c.Follow(ctx, store, 7) }()

	upd := domain.ParticipantUpdate{Type: "participant", MarketID: 7, Participant: participant(100, 0), Block: 11}
	require.Eventually(t, func() bool {
		bus.deliver("participants:*", upd)
		e, _ := store.State(7)
		return e.Phase == optimistic.PhaseConfirmed
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not return")
	}
}
