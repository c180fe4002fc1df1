package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

// QuarantineRoot is the key prefix of every quarantined log.
const QuarantineRoot = "quarantine/"

// QuarantineRecord is the stored form of a malformed log. It holds enough of
// the raw log to decode it again once the cause is fixed.
type QuarantineRecord struct {
	Expected      domain.EventKind `json:"expected"`
	Reason        string           `json:"reason"`
	Contract      string           `json:"contract"`
	BlockNumber   uint64           `json:"block_number"`
	TxHash        string           `json:"tx_hash"`
	LogIndex      uint             `json:"log_index"`
	Topics        []string         `json:"topics"`
	Data          hexutil.Bytes    `json:"data"`
	QuarantinedAt time.Time        `json:"quarantined_at"`
}

// Quarantine implements domain.QuarantineSink on top of a blob writer and
// lists what it stored through a blob reader.
type Quarantine struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	now    func() time.Time
}

// NewQuarantine creates a Quarantine. reader may be nil when listing is not
// needed.
func NewQuarantine(writer domain.BlobWriter, reader domain.BlobReader) *Quarantine {
	return &Quarantine{writer: writer, reader: reader, now: time.Now}
}

// QuarantinePath returns quarantine/<contract>/<block>/<tx>-<logIndex>.json.
func QuarantinePath(m domain.Malformed) string {
	contract := strings.ToLower(m.Contract)
	if contract == "" {
		contract = "unknown"
	}
	return fmt.Sprintf("%s%s/%d/%s-%d.json", QuarantineRoot, contract, m.BlockNumber, strings.ToLower(m.TxHash), m.LogIndex)
}

// Quarantine stores m. Writing the same log twice overwrites the object, so
// a re-polled range does not duplicate records.
func (q *Quarantine) Quarantine(ctx context.Context, m domain.Malformed) error {
	rec := QuarantineRecord{
		Expected:      m.Expected,
		Reason:        m.Reason,
		Contract:      m.Contract,
		BlockNumber:   m.BlockNumber,
		TxHash:        m.TxHash,
		LogIndex:      m.LogIndex,
		Topics:        m.Log.Topics,
		Data:          m.Log.Data,
		QuarantinedAt: q.now().UTC(),
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("s3blob: marshal quarantine record: %w", err)
	}
	path := QuarantinePath(m)
	if err := q.writer.Put(ctx, path, bytes.NewReader(body), "application/json"); err != nil {
		return fmt.Errorf("s3blob: quarantine %s: %w", path, err)
	}
	return nil
}

// List returns quarantined objects under QuarantineRoot + prefix.
func (q *Quarantine) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	if q.reader == nil {
		return nil, fmt.Errorf("s3blob: quarantine listing not configured")
	}
	return q.reader.List(ctx, QuarantineRoot+strings.TrimPrefix(prefix, QuarantineRoot))
}

// Record loads one quarantined log.
func (q *Quarantine) Record(ctx context.Context, path string) (QuarantineRecord, error) {
	if q.reader == nil {
		return QuarantineRecord{}, fmt.Errorf("s3blob: quarantine listing not configured")
	}
	body, err := q.reader.Get(ctx, path)
	if err != nil {
		return QuarantineRecord{}, err
	}
	defer body.Close()

	var rec QuarantineRecord
	if err := json.NewDecoder(body).Decode(&rec); err != nil {
		return QuarantineRecord{}, fmt.Errorf("s3blob: decode %s: %w", path, err)
	}
	return rec, nil
}

// Compile-time interface check.
var _ domain.QuarantineSink = (*Quarantine)(nil)
