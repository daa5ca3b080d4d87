package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RequestKind distinguishes redemptions (bridged asset out) from mintings
// (bridged asset in).
type RequestKind string

const (
	RequestKindRedemption RequestKind = "redemption"
	RequestKindMinting    RequestKind = "minting"
)

// RequestStatus tracks the settlement request lifecycle.
type RequestStatus string

const (
	RequestStatusPending        RequestStatus = "pending"
	RequestStatusQueuedStandard RequestStatus = "queued_standard"
	RequestStatusScoredFastPath RequestStatus = "scored_fast_path"
	RequestStatusEscrowCreated  RequestStatus = "escrow_created"
	RequestStatusFinalized      RequestStatus = "finalized"
	RequestStatusFailed         RequestStatus = "failed"
)

// Terminal reports whether the status is a terminal outcome.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusFinalized || s == RequestStatusFailed
}

// Request is a redemption or minting request. All fields except Status are
// immutable after intake. The requester's funds are locked under the request
// for its entire lifetime; they only move on a terminal transition.
type Request struct {
	ID              uint64
	Kind            RequestKind
	Requester       common.Address
	Asset           string
	Amount          *big.Int
	ExternalAddress string
	PriceSnapshot   int64 // fixed-point price, 1e6 ticks
	Status          RequestStatus
	CreatedAt       time.Time
	FinalizedAt     *time.Time
}
