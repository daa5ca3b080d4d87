package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/velobridge/settle/internal/crypto"
	"github.com/velobridge/settle/internal/domain"
	"github.com/velobridge/settle/internal/escrow"
	"github.com/velobridge/settle/internal/liquidity"
	"github.com/velobridge/settle/internal/receipt"
	"github.com/velobridge/settle/internal/reconcile"
	"github.com/velobridge/settle/internal/scoring"
	"github.com/velobridge/settle/internal/server/handler"
	"github.com/velobridge/settle/internal/store/memory"
)

const (
	testAsset  = "VBTC"
	testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

var (
	testRequester = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testProvider  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testBuyer     = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type apiFixture struct {
	store  *memory.Store
	signer *crypto.AttestationSigner
	srv    *httptest.Server
}

func newAPIFixture(t *testing.T, cfg Config) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	prices := memory.NewPriceCache()
	bus := memory.NewBus()
	locks := memory.NewLockManager()

	registry := liquidity.NewRegistry(store.Liquidity(), store.Audit(), logger)
	ledger := escrow.NewLedger(store.Escrows(), store.Receipts(), store.Liquidity(), store.Balances(), store.Audit(), logger)
	redeemer := receipt.NewRedeemer(store.Receipts(), store.Escrows(), store.Balances(), store.Attestations(), locks, store.Audit(), logger)

	controller := reconcile.NewController(
		reconcile.Config{Assets: []string{testAsset}, DelayBudget: 15 * time.Minute},
		store.Requests(),
		scoring.NewEngine(scoring.Defaults()),
		registry,
		ledger,
		store.Receipts(),
		store.Balances(),
		store.Attestations(),
		prices,
		bus,
		locks,
		reconcile.StaticAgentStats{
			SuccessRate: domain.TickScale,
			Stake:       new(big.Int).Mul(big.NewInt(50_000), big.NewInt(domain.TickScale)),
		},
		store.Audit(),
		logger,
	)

	if err := prices.SetPrice(context.Background(), testAsset, 43_000*domain.TickScale, 5_000, time.Now()); err != nil {
		t.Fatalf("seed price: %v", err)
	}

	signer, err := crypto.NewAttestationSigner(testKeyHex)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := crypto.NewAttestationVerifier(signer.Address())
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	handlers := Handlers{
		Health:       handler.NewHealthHandler(nil, logger),
		Requests:     handler.NewRequestHandler(controller, logger),
		Liquidity:    handler.NewLiquidityHandler(registry, logger),
		Receipts:     handler.NewReceiptHandler(redeemer, logger),
		Attestations: handler.NewAttestationHandler(verifier, controller, logger),
		Events:       handler.NewEventsHandler(bus, logger),
	}

	srv := httptest.NewServer(NewServer(cfg, handlers, logger).Handler())
	t.Cleanup(srv.Close)

	return &apiFixture{store: store, signer: signer, srv: srv}
}

func (f *apiFixture) doJSON(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &decoded)
	}
	return resp, decoded
}

func (f *apiFixture) deposit(t *testing.T) {
	t.Helper()
	resp, _ := f.doJSON(t, http.MethodPost, "/api/liquidity/deposits", map[string]any{
		"provider":          testProvider.Hex(),
		"asset":             testAsset,
		"amount":            "5000",
		"min_fee_ticks":     10_000,
		"max_delay_seconds": 1800,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("deposit status = %d", resp.StatusCode)
	}
}

func (f *apiFixture) submit(t *testing.T, amount string) map[string]any {
	t.Helper()
	resp, body := f.doJSON(t, http.MethodPost, "/api/requests", map[string]any{
		"kind":             "redemption",
		"requester":        testRequester.Hex(),
		"asset":            testAsset,
		"amount":           amount,
		"external_address": "bc1qexternal",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d body = %v", resp.StatusCode, body)
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t, Config{})

	resp, body := f.doJSON(t, http.MethodGet, "/api/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestSubmitAndGetRequest(t *testing.T) {
	f := newAPIFixture(t, Config{})
	f.deposit(t)

	body := f.submit(t, "1000")
	if body["status"] != "escrow_created" {
		t.Fatalf("status = %v, want escrow_created", body["status"])
	}
	id := body["id"].(float64)

	resp, got := f.doJSON(t, http.MethodGet, "/api/requests/1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if got["id"].(float64) != id || got["amount"] != "1000" {
		t.Fatalf("get body = %v", got)
	}

	resp, _ = f.doJSON(t, http.MethodGet, "/api/requests/999", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing request status = %d, want 404", resp.StatusCode)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newAPIFixture(t, Config{})

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"bad amount", map[string]any{
			"kind": "redemption", "requester": testRequester.Hex(),
			"asset": testAsset, "amount": "-5", "external_address": "x",
		}, http.StatusBadRequest},
		{"bad requester", map[string]any{
			"kind": "redemption", "requester": "not-an-address",
			"asset": testAsset, "amount": "10", "external_address": "x",
		}, http.StatusBadRequest},
		{"unknown asset", map[string]any{
			"kind": "redemption", "requester": testRequester.Hex(),
			"asset": "DOGE", "amount": "10", "external_address": "x",
		}, http.StatusBadRequest},
		{"bad kind", map[string]any{
			"kind": "teleport", "requester": testRequester.Hex(),
			"asset": testAsset, "amount": "10", "external_address": "x",
		}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := f.doJSON(t, http.MethodPost, "/api/requests", tc.body, nil)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestAttestationWebhook(t *testing.T) {
	f := newAPIFixture(t, Config{})
	f.deposit(t)
	f.submit(t, "1000")

	att := domain.Attestation{RequestID: 1, Round: 1, Success: true, ExternalTxRef: common.HexToHash("0xabc")}
	sig, err := f.signer.Sign(att)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	resp, body := f.doJSON(t, http.MethodPost, "/api/attestations", map[string]any{
		"request_id": 1, "round": 1, "success": true,
		"tx_ref": att.ExternalTxRef.Hex(), "signature": sig,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}

	_, got := f.doJSON(t, http.MethodGet, "/api/requests/1", nil, nil)
	if got["status"] != "finalized" {
		t.Fatalf("request status = %v, want finalized", got["status"])
	}

	// Redelivery of the same round is acknowledged, not an error.
	resp, _ = f.doJSON(t, http.MethodPost, "/api/attestations", map[string]any{
		"request_id": 1, "round": 1, "success": true,
		"tx_ref": att.ExternalTxRef.Hex(), "signature": sig,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("redelivery status = %d", resp.StatusCode)
	}
}

func TestAttestationWebhookRejectsForgery(t *testing.T) {
	f := newAPIFixture(t, Config{})
	f.deposit(t)
	f.submit(t, "1000")

	att := domain.Attestation{RequestID: 1, Round: 1, Success: true}
	sig, err := f.signer.Sign(att)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	// Signature covers success=true; flipping the verdict must fail closed.
	resp, _ := f.doJSON(t, http.MethodPost, "/api/attestations", map[string]any{
		"request_id": 1, "round": 1, "success": false, "signature": sig,
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	_, got := f.doJSON(t, http.MethodGet, "/api/requests/1", nil, nil)
	if got["status"] != "escrow_created" {
		t.Fatalf("request status = %v, want unchanged escrow_created", got["status"])
	}
}

func TestAttestationWebhookUnknownRequest(t *testing.T) {
	f := newAPIFixture(t, Config{})

	att := domain.Attestation{RequestID: 404, Round: 1, Success: true}
	sig, err := f.signer.Sign(att)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	resp, _ := f.doJSON(t, http.MethodPost, "/api/attestations", map[string]any{
		"request_id": 404, "round": 1, "success": true, "signature": sig,
	}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestReceiptTransferAndEarlyRedeem(t *testing.T) {
	f := newAPIFixture(t, Config{})
	f.deposit(t)
	f.submit(t, "1000")

	// The pool funds early payouts.
	if err := f.store.Balances().CreditPool(context.Background(), testAsset, big.NewInt(10_000)); err != nil {
		t.Fatalf("credit pool: %v", err)
	}

	resp, rec := f.doJSON(t, http.MethodGet, "/api/receipts/1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get receipt status = %d", resp.StatusCode)
	}
	if rec["owner"] != testRequester.Hex() {
		t.Fatalf("owner = %v", rec["owner"])
	}

	// A transfer by a non-owner is refused.
	resp, _ = f.doJSON(t, http.MethodPost, "/api/receipts/1/transfer", map[string]any{
		"from": testBuyer.Hex(), "to": testBuyer.Hex(),
	}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("bad transfer status = %d, want 403", resp.StatusCode)
	}

	resp, _ = f.doJSON(t, http.MethodPost, "/api/receipts/1/transfer", map[string]any{
		"from": testRequester.Hex(), "to": testBuyer.Hex(),
	}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("transfer status = %d", resp.StatusCode)
	}

	resp, body := f.doJSON(t, http.MethodPost, "/api/receipts/1/redeem", map[string]any{
		"caller": testBuyer.Hex(), "mode": "early",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("redeem status = %d body = %v", resp.StatusCode, body)
	}
	// 1000 at a 1% haircut.
	if body["payout"] != "990" {
		t.Fatalf("payout = %v, want 990", body["payout"])
	}

	// Second redemption conflicts.
	resp, _ = f.doJSON(t, http.MethodPost, "/api/receipts/1/redeem", map[string]any{
		"caller": testBuyer.Hex(), "mode": "early",
	}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double redeem status = %d, want 409", resp.StatusCode)
	}
}

func TestSettlementEventsStream(t *testing.T) {
	f := newAPIFixture(t, Config{})
	f.deposit(t)
	f.submit(t, "1000")

	resp, body := f.doJSON(t, http.MethodGet, "/api/settlements/events", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	events, ok := body["events"].([]any)
	if !ok || len(events) == 0 {
		t.Fatalf("events = %v, want at least the escrow-created fact", body["events"])
	}
}

func TestAuthRequiredWhenConfigured(t *testing.T) {
	f := newAPIFixture(t, Config{APIKey: "sekrit"})

	resp, _ := f.doJSON(t, http.MethodGet, "/api/health", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	resp, _ = f.doJSON(t, http.MethodGet, "/api/health", nil, map[string]string{"X-API-Key": "sekrit"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", resp.StatusCode)
	}

	resp, _ = f.doJSON(t, http.MethodGet, "/api/health", nil, map[string]string{"Authorization": "Bearer sekrit"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer status = %d, want 200", resp.StatusCode)
	}
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, nil
}

func TestRateLimitApplied(t *testing.T) {
	f := newAPIFixture(t, Config{RateLimiter: denyLimiter{}, RateLimit: 1, RateWindow: time.Second})

	resp, _ := f.doJSON(t, http.MethodGet, "/api/health", nil, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}
