package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/celoledger/internal/domain"
	"github.com/alanyoungcy/celoledger/internal/store/sqlite"
)

func setCursor(t *testing.T, s *sqlite.Store, block uint64) {
	t.Helper()
	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx domain.LedgerTx) error {
		return tx.SetCursor(ctx, block)
	}))
}

func TestCursor_NeverMovesBackwards(t *testing.T) {
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	_, ok, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	setCursor(t, s, 6000)
	setCursor(t, s, 2000)

	got, ok, err := s.Cursor(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(6000), got)

	setCursor(t, s, 8000)
	got, _, err = s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(8000), got)
}
