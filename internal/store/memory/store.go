// Package memory implements the domain store, cache, and bus interfaces with
// in-process state. It backs the sim operating mode and the package tests;
// the semantics (conditional transitions, atomic balance checks) mirror the
// postgres implementation.
package memory

import (
	"math/big"
	"sync"

	"github.com/velobridge/settle/internal/domain"
)

// Store aggregates every in-memory store over one shared mutex, which makes
// each operation atomic with respect to all others.
type Store struct {
	mu sync.Mutex

	requests     map[uint64]*requestRow
	nextRequest  uint64
	positions    map[string]*positionRow
	escrows      map[uint64]*escrowRow
	receipts     map[uint64]*receiptRow
	nextReceipt  uint64
	attestations map[attKey]struct{}
	attRows      []domain.Attestation
	pools        map[string]*big.Int
	recoverable  map[string]*big.Int
	audit        []auditRow
}

type attKey struct {
	requestID uint64
	round     uint64
}

// NewStore creates an empty in-memory store set.
func NewStore() *Store {
	return &Store{
		requests:     make(map[uint64]*requestRow),
		nextRequest:  1,
		positions:    make(map[string]*positionRow),
		escrows:      make(map[uint64]*escrowRow),
		receipts:     make(map[uint64]*receiptRow),
		nextReceipt:  1,
		attestations: make(map[attKey]struct{}),
		pools:        make(map[string]*big.Int),
		recoverable:  make(map[string]*big.Int),
	}
}

// Requests returns the request store view.
func (s *Store) Requests() *RequestStore { return &RequestStore{s: s} }

// Liquidity returns the liquidity store view.
func (s *Store) Liquidity() *LiquidityStore { return &LiquidityStore{s: s} }

// Escrows returns the escrow store view.
func (s *Store) Escrows() *EscrowStore { return &EscrowStore{s: s} }

// Receipts returns the receipt store view.
func (s *Store) Receipts() *ReceiptStore { return &ReceiptStore{s: s} }

// Attestations returns the attestation store view.
func (s *Store) Attestations() *AttestationStore { return &AttestationStore{s: s} }

// Balances returns the balance store view.
func (s *Store) Balances() *BalanceStore { return &BalanceStore{s: s} }

// Audit returns the audit store view.
func (s *Store) Audit() *AuditStore { return &AuditStore{s: s} }

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
