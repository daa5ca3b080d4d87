package pipeline

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/velobridge/settle/internal/domain"
	"github.com/velobridge/settle/internal/store/memory"
)

type captureWriter struct {
	puts map[string][]byte
}

func (w *captureWriter) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if w.puts == nil {
		w.puts = make(map[string][]byte)
	}
	w.puts[key] = append([]byte(nil), data...)
	return nil
}

func seedTerminalRequest(t *testing.T, store *memory.Store, status domain.RequestStatus) domain.Request {
	t.Helper()
	ctx := context.Background()
	req, err := store.Requests().Create(ctx, domain.Request{
		Kind:            domain.RequestKindRedemption,
		Requester:       common.HexToAddress("0x01"),
		Asset:           "VBTC",
		Amount:          big.NewInt(500),
		ExternalAddress: "bc1qarchive",
		Status:          domain.RequestStatusQueuedStandard,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if err := store.Requests().UpdateStatus(ctx, req.ID, domain.RequestStatusQueuedStandard, status); err != nil {
		t.Fatalf("finalize request: %v", err)
	}
	return req
}

func TestArchiveRequests(t *testing.T) {
	store := memory.NewStore()
	writer := &captureWriter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	arch := NewArchiver(time.Hour, store.Requests(), store.Receipts(), writer, store.Audit(), logger)

	ctx := context.Background()
	seedTerminalRequest(t, store, domain.RequestStatusFinalized)
	seedTerminalRequest(t, store, domain.RequestStatusFailed)

	// An open request must never be archived.
	open, err := store.Requests().Create(ctx, domain.Request{
		Kind:            domain.RequestKindMinting,
		Requester:       common.HexToAddress("0x02"),
		Asset:           "VBTC",
		Amount:          big.NewInt(100),
		ExternalAddress: "bc1qopen",
		Status:          domain.RequestStatusPending,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create open request: %v", err)
	}

	cutoff := time.Now().UTC().Add(time.Hour)
	n, err := arch.ArchiveRequests(ctx, cutoff)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if n != 2 {
		t.Fatalf("archived = %d, want 2", n)
	}

	path := "archive/requests/" + cutoff.Format("2006-01") + ".jsonl"
	data, ok := writer.puts[path]
	if !ok {
		t.Fatalf("no upload at %s (got %v)", path, keys(writer.puts))
	}
	lines := bytes.Count(bytes.TrimRight(data, "\n"), []byte("\n")) + 1
	if lines != 2 {
		t.Fatalf("jsonl lines = %d, want 2", lines)
	}
	if !strings.Contains(string(data), `"status":"finalized"`) {
		t.Fatalf("archive missing finalized record: %s", data)
	}

	// Archived records are gone; the open request survives.
	if _, err := store.Requests().Get(ctx, open.ID); err != nil {
		t.Fatalf("open request purged: %v", err)
	}
	remaining, _ := store.Requests().ListTerminalBefore(ctx, cutoff, 10)
	if len(remaining) != 0 {
		t.Fatalf("terminal requests left after purge: %d", len(remaining))
	}
}

func TestArchiveReceipts(t *testing.T) {
	store := memory.NewStore()
	writer := &captureWriter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	arch := NewArchiver(time.Hour, store.Requests(), store.Receipts(), writer, store.Audit(), logger)

	ctx := context.Background()
	req := seedTerminalRequest(t, store, domain.RequestStatusFinalized)

	rec, err := store.Escrows().Create(ctx, domain.EscrowEntry{
		RequestID:    req.ID,
		Provider:     common.HexToAddress("0x03"),
		Asset:        "VBTC",
		LockedAmount: big.NewInt(500),
		Haircut:      10_000,
		MaxDelay:     time.Hour,
		CreatedAt:    time.Now().UTC(),
	}, domain.SettlementReceipt{
		Owner:     common.HexToAddress("0x01"),
		Provider:  common.HexToAddress("0x03"),
		Asset:     "VBTC",
		Amount:    big.NewInt(500),
		Haircut:   10_000,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("mint receipt: %v", err)
	}
	round := uint64(3)
	if err := store.Receipts().Redeem(ctx, rec.ID, domain.RedemptionModeFull, &round, time.Now().UTC()); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	cutoff := time.Now().UTC().Add(time.Hour)
	n, err := arch.ArchiveReceipts(ctx, cutoff)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if n != 1 {
		t.Fatalf("archived = %d, want 1", n)
	}

	path := "archive/receipts/" + cutoff.Format("2006-01") + ".jsonl"
	data, ok := writer.puts[path]
	if !ok {
		t.Fatalf("no upload at %s", path)
	}
	if !strings.Contains(string(data), `"redeemed_mode":"full"`) {
		t.Fatalf("archive missing redemption mode: %s", data)
	}
	if _, err := store.Receipts().Get(ctx, rec.ID); err == nil {
		t.Fatal("redeemed receipt survived purge")
	}
}

func TestArchiveNothingToDo(t *testing.T) {
	store := memory.NewStore()
	writer := &captureWriter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	arch := NewArchiver(time.Hour, store.Requests(), store.Receipts(), writer, store.Audit(), logger)

	reqN, recN, err := arch.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if reqN != 0 || recN != 0 {
		t.Fatalf("archived %d/%d, want 0/0", reqN, recN)
	}
	if len(writer.puts) != 0 {
		t.Fatalf("unexpected uploads: %v", keys(writer.puts))
	}
}

func keys(m map[string][]byte) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}
