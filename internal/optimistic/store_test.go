package optimistic_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/celoledger/internal/domain"
	"github.com/alanyoungcy/celoledger/internal/optimistic"
)

const addr = "0xabc0000000000000000000000000000000000001"

// fakeAuthority serves rows by key.
type fakeAuthority struct {
	rows  map[domain.ParticipantKey]domain.Participant
	err   error
	calls int
}

func (f *fakeAuthority) Participant(_ context.Context, key domain.ParticipantKey) (domain.Participant, error) {
	f.calls++
	if f.err != nil {
		return domain.Participant{}, f.err
	}
	p, ok := f.rows[key]
	if !ok {
		return domain.Participant{}, domain.ErrNotFound
	}
	return p, nil
}

func row(marketID uint64, yes, no int64) domain.Participant {
	return domain.Participant{
		MarketID:        marketID,
		Address:         addr,
		YesShares:       domain.AmountFromInt64(yes),
		NoShares:        domain.AmountFromInt64(no),
		TotalInvestment: domain.AmountFromInt64(yes + no),
		FirstPurchaseAt: 100,
		LastPurchaseAt:  200,
	}
}

func newAuthority(rows ...domain.Participant) *fakeAuthority {
	a := &fakeAuthority{rows: make(map[domain.ParticipantKey]domain.Participant)}
	for _, r := range rows {
		a.rows[r.Key()] = r
	}
	return a
}

func TestApplyThenRevertRestoresSnapshotExactly(t *testing.T) {
	auth := newAuthority(row(7, 100, 0))
	s := optimistic.NewStore("0xABC0000000000000000000000000000000000001", auth)
	ctx := context.Background()

	before, err := s.Load(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, optimistic.PhaseIdle, before.Phase)

	pending, err := s.ApplyOptimistic(7, domain.AmountFromInt64(50), false)
	require.NoError(t, err)
	assert.Equal(t, optimistic.PhaseOptimistic, pending.Phase)
	assert.True(t, pending.Current.IsOptimistic)
	assert.Equal(t, "50", pending.Current.NoShares.String())
	assert.Equal(t, "150", pending.Current.TotalInvestment.String())
	assert.Equal(t, int64(100), pending.Current.FirstPurchaseAt)
	require.NotNil(t, pending.Snapshot)

	after, err := s.Revert(7)
	require.NoError(t, err)
	assert.Equal(t, optimistic.PhaseReverted, after.Phase)
	assert.Equal(t, before.Current, after.Current)
	assert.Nil(t, after.Snapshot)

	_, err = s.Revert(7)
	assert.ErrorIs(t, err, optimistic.ErrNotPending)
}

func TestSecondApplyComposesAndKeepsFirstSnapshot(t *testing.T) {
	s := optimistic.NewStore(addr, nil)

	_, err := s.ApplyOptimistic(3, domain.AmountFromInt64(10), true)
	require.NoError(t, err)
	e, err := s.ApplyOptimistic(3, domain.AmountFromInt64(5), false)
	require.NoError(t, err)

	assert.Equal(t, "10", e.Current.YesShares.String())
	assert.Equal(t, "5", e.Current.NoShares.String())
	assert.Equal(t, "15", e.Current.TotalInvestment.String())
	assert.NotZero(t, e.Current.FirstPurchaseAt)

	reverted, err := s.Revert(3)
	require.NoError(t, err)
	assert.True(t, reverted.Current.TotalInvestment.IsZero())
	assert.Zero(t, reverted.Current.FirstPurchaseAt)
}

func TestConfirmAdoptsAuthoritativeRow(t *testing.T) {
	auth := newAuthority()
	s := optimistic.NewStore(addr, auth)
	ctx := context.Background()

	_, err := s.Confirm(ctx, 7)
	require.ErrorIs(t, err, optimistic.ErrNotPending)

	_, err = s.ApplyOptimistic(7, domain.AmountFromInt64(100), true)
	require.NoError(t, err)

	// Not indexed yet: the update stays pending.
	_, err = s.Confirm(ctx, 7)
	require.ErrorIs(t, err, domain.ErrNotFound)
	st, _ := s.State(7)
	assert.Equal(t, optimistic.PhaseOptimistic, st.Phase)

	// Another purchase landed first, so the ledger differs from the guess.
	auth.rows[domain.NewParticipantKey(7, addr)] = row(7, 100, 30)
	e, err := s.Confirm(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, optimistic.PhaseConfirmed, e.Phase)
	assert.False(t, e.Current.IsOptimistic)
	assert.Equal(t, "130", e.Current.TotalInvestment.String())
	assert.Nil(t, e.Snapshot)

	// Confirmed is a valid starting point for the next apply.
	e, err = s.ApplyOptimistic(7, domain.AmountFromInt64(1), true)
	require.NoError(t, err)
	assert.Equal(t, "130", e.Snapshot.TotalInvestment.String())
}

func TestObserveConfirmsOnlyOwnPendingUpdates(t *testing.T) {
	s := optimistic.NewStore(addr, nil)
	_, err := s.ApplyOptimistic(7, domain.AmountFromInt64(100), true)
	require.NoError(t, err)

	other := row(7, 1, 0)
	other.Address = "0xdef0000000000000000000000000000000000002"
	_, ok := s.Observe(domain.ParticipantUpdate{MarketID: 7, Participant: other})
	assert.False(t, ok)

	_, ok = s.Observe(domain.ParticipantUpdate{MarketID: 8, Participant: row(8, 1, 0)})
	assert.False(t, ok, "market 8 has nothing pending")

	e, ok := s.Observe(domain.ParticipantUpdate{MarketID: 7, Participant: row(7, 100, 0)})
	require.True(t, ok)
	assert.Equal(t, optimistic.PhaseConfirmed, e.Phase)
}

func TestApplyRejectsNonPositiveAmount(t *testing.T) {
	s := optimistic.NewStore(addr, nil)
	_, err := s.ApplyOptimistic(1, domain.Amount{}, true)
	assert.ErrorIs(t, err, optimistic.ErrInvalidAmount)
	_, ok := s.State(1)
	assert.False(t, ok)
}

func TestLoadKeepsPendingAndSurfacesErrors(t *testing.T) {
	auth := newAuthority(row(7, 5, 0))
	s := optimistic.NewStore(addr, auth)
	ctx := context.Background()

	e, err := s.Load(ctx, 9)
	require.NoError(t, err, "unknown key loads empty")
	assert.True(t, e.Current.TotalInvestment.IsZero())

	_, err = s.ApplyOptimistic(7, domain.AmountFromInt64(1), true)
	require.NoError(t, err)
	e, err = s.Load(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, optimistic.PhaseOptimistic, e.Phase)

	auth.err = errors.New("boom")
	_, err = s.Load(ctx, 7)
	require.Error(t, err)
}

func TestJSONRoundTripPreservesPendingState(t *testing.T) {
	auth := newAuthority(row(7, 100, 0))
	s := optimistic.NewStore(addr, auth)
	ctx := context.Background()
	_, err := s.Load(ctx, 7)
	require.NoError(t, err)
	_, err = s.ApplyOptimistic(7, domain.MustParseAmount("123456789012345678901234567890"), false)
	require.NoError(t, err)
	_, err = s.ApplyOptimistic(12, domain.AmountFromInt64(1), true)
	require.NoError(t, err)

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"123456789012345678901234567890"`)

	restored := optimistic.NewStore("", auth)
	require.NoError(t, json.Unmarshal(data, restored))
	assert.Equal(t, addr, restored.Address())
	assert.Equal(t, []uint64{7, 12}, restored.Markets())

	orig, _ := s.State(7)
	got, ok := restored.State(7)
	require.True(t, ok)
	assert.Equal(t, optimistic.PhaseOptimistic, got.Phase)
	assert.True(t, orig.Current.TotalInvestment.Equal(got.Current.TotalInvestment))

	reverted, err := restored.Revert(7)
	require.NoError(t, err)
	assert.Equal(t, "100", reverted.Current.TotalInvestment.String())
}

func TestUnmarshalRejectsBadInput(t *testing.T) {
	s := optimistic.NewStore(addr, nil)
	assert.Error(t, json.Unmarshal([]byte(`{"version":2,"entries":{}}`), s))
	assert.Error(t, json.Unmarshal([]byte(`{"version":1,"entries":{"x":{"phase":"idle"}}}`), s))
	assert.Error(t, json.Unmarshal([]byte(`{"version":1,"entries":{"1":{"phase":"optimistic"}}}`), s))
}
