package domain

import "time"

// Signal bus channels and streams.
const (
	ChannelEscrowCreated = "escrow:created"
	StreamSettlements    = "settlements"
)

// EscrowCreatedEvent is the fact emitted when an escrow entry is created.
// Execution agents consume it and attempt the external-ledger payment; they
// never call back into the core except through the attestation oracle.
type EscrowCreatedEvent struct {
	EventID         string    `json:"event_id"` // UUID, for consumer dedup
	RequestID       uint64    `json:"request_id"`
	Kind            string    `json:"kind"`
	Asset           string    `json:"asset"`
	Amount          string    `json:"amount"` // decimal string, u256
	ExternalAddress string    `json:"external_address"`
	Provider        string    `json:"provider"`
	Haircut         int64     `json:"haircut_ticks"`
	Deadline        time.Time `json:"deadline"`
	CreatedAt       time.Time `json:"created_at"`
}

// SettlementEvent is appended to the durable settlement stream on every
// terminal request transition.
type SettlementEvent struct {
	EventID   string    `json:"event_id"`
	RequestID uint64    `json:"request_id"`
	Outcome   string    `json:"outcome"` // finalized | failed | refunded
	Round     *uint64   `json:"round,omitempty"`
	At        time.Time `json:"at"`
}
