package domain

import "errors"

var (
	ErrBoxNotFound           = errors.New("box not found or not active")
	ErrAccountNotFound       = errors.New("account not found")
	ErrInsufficientFunds     = errors.New("insufficient coins")
	ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")
	ErrMalformedRewardTable  = errors.New("malformed reward table")
	ErrTransactionConflict   = errors.New("transaction conflict, try again")
	ErrStorageUnavailable    = errors.New("database is unavailable")
	ErrInvalidPage           = errors.New("invalid pagination parameters")
)
