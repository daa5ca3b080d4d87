package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Attestation is the oracle's authoritative verdict on whether the external
// ledger payment behind a request occurred as required. It is the only input
// that can settle or forfeit an escrow entry. Delivery is idempotent per
// (RequestID, Round).
type Attestation struct {
	RequestID     uint64
	Round         uint64
	ExternalTxRef common.Hash
	Success       bool
	ReceivedAt    time.Time
}

// Score is the fast-path confidence derived for one request at its own
// processing time. It is never cached across requests.
type Score struct {
	Value            int64 // fixed-point in [0,1], 1e6 ticks
	Volatility       int64 // fixed-point, 1e6 ticks
	EligibleFastPath bool
}
