package sync

import "errors"

var (
	ErrInvalidConfig = errors.New("invalid_config")

	// ErrSyncInFlight means another cycle or a repair submission already
	// holds the account.
	ErrSyncInFlight = errors.New("sync_in_flight")

	ErrAccountNotFound = errors.New("account_not_found")
)
