// Package client talks to the ledger read API. It serves as the Authority of
// an optimistic.Store and streams committed updates over the websocket.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

// Client is the REST client for the ledger read API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey sends key as a bearer token on mutating requests.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithLogger sets the logger used by Watch.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the API rooted at baseURL, e.g.
// "https://ledger.example.com".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With(slog.String("component", "ledger_client"))
	return c
}

// Participant returns the committed position of key. It returns
// domain.ErrNotFound when the ledger has no row for the key.
func (c *Client) Participant(ctx context.Context, key domain.ParticipantKey) (domain.Participant, error) {
	path := fmt.Sprintf("/api/markets/%d/participants/%s", key.MarketID, url.PathEscape(key.Address))
	var p domain.Participant
	if err := c.do(ctx, http.MethodGet, path, &p); err != nil {
		return domain.Participant{}, fmt.Errorf("client: participant %s: %w", key, err)
	}
	return p, nil
}

// Market returns one market.
func (c *Client) Market(ctx context.Context, id uint64) (domain.Market, error) {
	var m domain.Market
	if err := c.do(ctx, http.MethodGet, "/api/markets/"+strconv.FormatUint(id, 10), &m); err != nil {
		return domain.Market{}, fmt.Errorf("client: market %d: %w", id, err)
	}
	return m, nil
}

// Replay asks the server to unfreeze key and re-apply its purchases.
func (c *Client) Replay(ctx context.Context, key domain.ParticipantKey) (domain.Participant, error) {
	path := fmt.Sprintf("/api/markets/%d/participants/%s/replay", key.MarketID, url.PathEscape(key.Address))
	var res struct {
		Participant domain.Participant `json:"participant"`
	}
	if err := c.do(ctx, http.MethodPost, path, &res); err != nil {
		return domain.Participant{}, fmt.Errorf("client: replay %s: %w", key, err)
	}
	return res.Participant, nil
}

// apiError is the error body written by the server.
type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" && method != http.MethodGet {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkStatus maps error responses onto domain sentinels where one exists.
func checkStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	msg := ae.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d: %s", domain.ErrTransientSource, status, msg)
	default:
		return fmt.Errorf("status %d: %s", status, msg)
	}
}
