package ledger_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/celoledger/internal/domain"
	"github.com/alanyoungcy/celoledger/internal/store/sqlite"
)

const addrA = "0xabc0000000000000000000000000000000000001"

func newLedger(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buy(marketID uint64, addr string, yes bool, amount int64, hash string, idx uint, ts int64) domain.SharesBought {
	return domain.SharesBought{
		EventMeta: domain.EventMeta{
			BlockNumber:    uint64(ts),
			BlockTimestamp: ts,
			TxHash:         hash,
			LogIndex:       idx,
		},
		MarketID: marketID,
		Buyer:    addr,
		Side:     yes,
		Amount:   domain.AmountFromInt64(amount),
	}
}

// insertRow writes a participant row directly, bypassing the aggregator, to
// model rows left behind by an older write path.
func insertRow(t *testing.T, l domain.Ledger, p domain.Participant) int64 {
	t.Helper()
	var id int64
	err := l.InTx(context.Background(), func(ctx context.Context, tx domain.LedgerTx) error {
		var err error
		id, err = tx.InsertParticipant(ctx, p)
		return err
	})
	require.NoError(t, err)
	return id
}

func insertRaw(t *testing.T, l domain.Ledger, ev domain.Event) {
	t.Helper()
	raw, ok := domain.ToRawEvent(ev)
	require.True(t, ok)
	err := l.InTx(context.Background(), func(ctx context.Context, tx domain.LedgerTx) error {
		_, err := tx.InsertRawEvent(ctx, raw)
		return err
	})
	require.NoError(t, err)
}

func amt(n int64) domain.Amount {
	return domain.AmountFromInt64(n)
}

func ref(hash string, idx uint) domain.TxRef {
	return domain.TxRef{Hash: hash, LogIndex: idx}
}

func requirePosition(t *testing.T, p domain.Participant, yes, no, total int64) {
	t.Helper()
	require.Equal(t, amt(yes).String(), p.YesShares.String(), "yes shares")
	require.Equal(t, amt(no).String(), p.NoShares.String(), "no shares")
	require.Equal(t, amt(total).String(), p.TotalInvestment.String(), "total investment")
}
