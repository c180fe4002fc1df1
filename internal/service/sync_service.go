package service

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/celoledger/internal/domain"
	"github.com/alanyoungcy/celoledger/internal/pipeline"
)

// PollerState exposes the poller's health snapshot.
type PollerState interface {
	Status() pipeline.PollerStatus
}

// SyncStatus is the ingestion progress served by /api/sync and /api/health.
type SyncStatus struct {
	Cursor     uint64                 `json:"cursor"`
	HasCursor  bool                   `json:"has_cursor"`
	FrozenKeys int                    `json:"frozen_keys"`
	Poller     *pipeline.PollerStatus `json:"poller,omitempty"`
}

// Healthy is false only when a local poller reports itself unhealthy.
func (s SyncStatus) Healthy() bool {
	return s.Poller == nil || s.Poller.Healthy
}

// SyncService reports ingestion progress. In server-only deployments there is
// no local poller and only the stored cursor is reported.
type SyncService struct {
	ledger domain.LedgerReader
	poller PollerState
}

// NewSyncService creates a SyncService. poller may be nil.
func NewSyncService(ledger domain.LedgerReader, poller PollerState) *SyncService {
	return &SyncService{ledger: ledger, poller: poller}
}

// Status returns the cursor, the number of frozen keys and, when running
// in-process, the poller snapshot.
func (s *SyncService) Status(ctx context.Context) (SyncStatus, error) {
	cursor, ok, err := s.ledger.Cursor(ctx)
	if err != nil {
		return SyncStatus{}, fmt.Errorf("sync_service: cursor: %w", err)
	}
	frozen, err := s.ledger.ListFrozen(ctx)
	if err != nil {
		return SyncStatus{}, fmt.Errorf("sync_service: frozen keys: %w", err)
	}

	out := SyncStatus{Cursor: cursor, HasCursor: ok, FrozenKeys: len(frozen)}
	if s.poller != nil {
		st := s.poller.Status()
		out.Poller = &st
	}
	return out, nil
}
