// Package chain reads logs and block metadata from a CELO JSON-RPC endpoint.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

// Config holds connection parameters for the RPC client.
type Config struct {
	RPCURL            string
	RequestsPerSecond float64
	Burst             int
	// Timeout bounds each RPC call; zero disables the per-call deadline.
	Timeout time.Duration
}

// Client is a rate-limited log source. Errors are classified into the
// domain's transient, timeout and range-too-large sentinels.
type Client struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger
}

// Dial connects to the RPC endpoint.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	rc, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		rpc:     rc,
		eth:     ethclient.NewClient(rc),
		limiter: rate.NewLimiter(limit, burst),
		timeout: cfg.Timeout,
		logger:  logger.With(slog.String("component", "chain")),
	}, nil
}

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("chain: %s: rate limiter: %w", op, err)
	}
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := fn(callCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("chain: %s: %w", op, Classify(err))
	}
	return nil
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.call(ctx, "block number", func(ctx context.Context) error {
		var err error
		n, err = c.eth.BlockNumber(ctx)
		return err
	})
	return n, err
}

// BlockTimestamp returns the unix timestamp of block n. Only the timestamp is
// decoded, so chain-specific header layouts do not matter.
func (c *Client) BlockTimestamp(ctx context.Context, n uint64) (int64, error) {
	var head *struct {
		Timestamp hexutil.Uint64 `json:"timestamp"`
	}
	err := c.call(ctx, "block timestamp", func(ctx context.Context) error {
		return c.rpc.CallContext(ctx, &head, "eth_getBlockByNumber", hexutil.EncodeUint64(n), false)
	})
	if err != nil {
		return 0, err
	}
	if head == nil {
		return 0, fmt.Errorf("chain: block %d: %w", n, ethereum.NotFound)
	}
	return int64(head.Timestamp), nil
}

// GetLogs returns the logs of contract with the given topic0 in [from, to].
func (c *Client) GetLogs(ctx context.Context, contract common.Address, topic0 common.Hash, from, to uint64) ([]types.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{topic0}},
	}
	var logs []types.Log
	err := c.call(ctx, "get logs", func(ctx context.Context) error {
		var err error
		logs, err = c.eth.FilterLogs(ctx, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("logs fetched",
		slog.String("topic", topic0.Hex()),
		slog.Uint64("from", from),
		slog.Uint64("to", to),
		slog.Int("count", len(logs)),
	)
	return logs, nil
}
