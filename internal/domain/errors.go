package domain

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrInvalidRequest        = errors.New("invalid request parameters")
	ErrUnknownAsset          = errors.New("unknown asset")
	ErrUnknownRequest        = errors.New("attestation references unknown request")
	ErrInsufficientAvailable = errors.New("insufficient available balance")
	ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrAlreadyRedeemed       = errors.New("receipt already redeemed")
	ErrNotYetFinalized       = errors.New("escrow not yet settled")
	ErrEscrowClosed          = errors.New("escrow no longer open")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrBadSignature          = errors.New("bad oracle signature")
	ErrLockHeld              = errors.New("lock already held")
	ErrWSDisconnect          = errors.New("websocket disconnected")
)
