// Package pipeline contains the background data-retention jobs: archiving
// closed settlement records to cold storage and purging them from the
// primary store.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/velobridge/settle/internal/domain"
)

// Archiver drains terminal requests and consumed receipts older than the
// retention window into JSONL objects in cold storage, then purges them.
// Purging only happens after the upload succeeded; a failed upload leaves
// the primary store untouched.
type Archiver struct {
	retention time.Duration
	requests  domain.RequestStore
	receipts  domain.ReceiptStore
	writer    domain.BlobWriter
	audit     domain.AuditStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiver creates an Archiver with the given retention window.
func NewArchiver(
	retention time.Duration,
	requests domain.RequestStore,
	receipts domain.ReceiptStore,
	writer domain.BlobWriter,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Archiver{
		retention: retention,
		requests:  requests,
		receipts:  receipts,
		writer:    writer,
		audit:     audit,
		logger:    logger.With(slog.String("component", "archiver")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the archiver clock. Intended for tests.
func (a *Archiver) SetClock(now func() time.Time) { a.now = now }

// Run archives both record kinds once and returns the counts.
func (a *Archiver) Run(ctx context.Context) (requests, receipts int64, err error) {
	cutoff := a.now().Add(-a.retention)

	requests, err = a.ArchiveRequests(ctx, cutoff)
	if err != nil {
		return requests, 0, err
	}
	receipts, err = a.ArchiveReceipts(ctx, cutoff)
	return requests, receipts, err
}

// ArchiveRequests uploads all terminal requests older than the cutoff to
// archive/requests/YYYY-MM.jsonl and purges them. Returns the archived count.
func (a *Archiver) ArchiveRequests(ctx context.Context, cutoff time.Time) (int64, error) {
	batch, err := a.requests.ListTerminalBefore(ctx, cutoff, archiveBatch)
	if err != nil {
		return 0, fmt.Errorf("pipeline: list terminal requests: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	records := make([]archivedRequest, 0, len(batch))
	for _, req := range batch {
		records = append(records, newArchivedRequest(req))
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("pipeline: marshal requests: %w", err)
	}
	path := archivePath("requests", cutoff)
	if err := a.writer.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("pipeline: upload requests archive: %w", err)
	}

	// A full batch may leave older rows behind; purge only up to the last
	// archived timestamp so nothing is deleted before it was uploaded.
	purgeCutoff := cutoff
	if len(batch) == archiveBatch {
		if last := batch[len(batch)-1].FinalizedAt; last != nil {
			purgeCutoff = *last
		}
	}
	purged, err := a.requests.PurgeTerminalBefore(ctx, purgeCutoff)
	if err != nil {
		return int64(len(records)), fmt.Errorf("pipeline: purge terminal requests: %w", err)
	}

	a.logger.InfoContext(ctx, "requests archived",
		slog.String("path", path),
		slog.Int("count", len(records)),
		slog.Int64("purged", purged),
	)
	if err := a.audit.Log(ctx, "archive.requests", map[string]any{
		"path":   path,
		"count":  len(records),
		"before": cutoff.Format(time.RFC3339),
	}); err != nil {
		return int64(len(records)), fmt.Errorf("pipeline: audit log: %w", err)
	}
	return int64(len(records)), nil
}

// ArchiveReceipts uploads all consumed receipts redeemed before the cutoff to
// archive/receipts/YYYY-MM.jsonl and purges them. Returns the archived count.
func (a *Archiver) ArchiveReceipts(ctx context.Context, cutoff time.Time) (int64, error) {
	batch, err := a.receipts.ListRedeemedBefore(ctx, cutoff, archiveBatch)
	if err != nil {
		return 0, fmt.Errorf("pipeline: list redeemed receipts: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	records := make([]archivedReceipt, 0, len(batch))
	for _, rec := range batch {
		records = append(records, newArchivedReceipt(rec))
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("pipeline: marshal receipts: %w", err)
	}
	path := archivePath("receipts", cutoff)
	if err := a.writer.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("pipeline: upload receipts archive: %w", err)
	}

	purgeCutoff := cutoff
	if len(batch) == archiveBatch {
		if last := batch[len(batch)-1].RedeemedAt; last != nil {
			purgeCutoff = *last
		}
	}
	purged, err := a.receipts.PurgeRedeemedBefore(ctx, purgeCutoff)
	if err != nil {
		return int64(len(records)), fmt.Errorf("pipeline: purge redeemed receipts: %w", err)
	}

	a.logger.InfoContext(ctx, "receipts archived",
		slog.String("path", path),
		slog.Int("count", len(records)),
		slog.Int64("purged", purged),
	)
	if err := a.audit.Log(ctx, "archive.receipts", map[string]any{
		"path":   path,
		"count":  len(records),
		"before": cutoff.Format(time.RFC3339),
	}); err != nil {
		return int64(len(records)), fmt.Errorf("pipeline: audit log: %w", err)
	}
	return int64(len(records)), nil
}

const archiveBatch = 1000

// archivePath builds the storage key for an archive file, partitioned by the
// year-month of the cutoff.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

type archivedRequest struct {
	ID              uint64     `json:"id"`
	Kind            string     `json:"kind"`
	Requester       string     `json:"requester"`
	Asset           string     `json:"asset"`
	Amount          string     `json:"amount"`
	ExternalAddress string     `json:"external_address"`
	PriceSnapshot   int64      `json:"price_snapshot_ticks"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	FinalizedAt     *time.Time `json:"finalized_at,omitempty"`
}

func newArchivedRequest(req domain.Request) archivedRequest {
	return archivedRequest{
		ID:              req.ID,
		Kind:            string(req.Kind),
		Requester:       req.Requester.Hex(),
		Asset:           req.Asset,
		Amount:          req.Amount.String(),
		ExternalAddress: req.ExternalAddress,
		PriceSnapshot:   req.PriceSnapshot,
		Status:          string(req.Status),
		CreatedAt:       req.CreatedAt,
		FinalizedAt:     req.FinalizedAt,
	}
}

type archivedReceipt struct {
	ID               uint64     `json:"id"`
	RequestID        uint64     `json:"request_id"`
	Owner            string     `json:"owner"`
	Provider         string     `json:"provider"`
	Asset            string     `json:"asset"`
	Amount           string     `json:"amount"`
	Haircut          int64      `json:"haircut_ticks"`
	AttestationRound *uint64    `json:"attestation_round,omitempty"`
	RedeemedMode     string     `json:"redeemed_mode"`
	CreatedAt        time.Time  `json:"created_at"`
	RedeemedAt       *time.Time `json:"redeemed_at,omitempty"`
}

func newArchivedReceipt(rec domain.SettlementReceipt) archivedReceipt {
	return archivedReceipt{
		ID:               rec.ID,
		RequestID:        rec.RequestID,
		Owner:            rec.Owner.Hex(),
		Provider:         rec.Provider.Hex(),
		Asset:            rec.Asset,
		Amount:           rec.Amount.String(),
		Haircut:          rec.Haircut,
		AttestationRound: rec.AttestationRound,
		RedeemedMode:     string(rec.RedeemedMode),
		CreatedAt:        rec.CreatedAt,
		RedeemedAt:       rec.RedeemedAt,
	}
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
