package portal

import "errors"

var (
	// ErrInvalidCredentials means the portal rejected the login itself.
	// Retrying with the same password will not help.
	ErrInvalidCredentials = errors.New("invalid_credentials")

	// ErrPortalUnreachable covers network failures and server errors.
	ErrPortalUnreachable = errors.New("portal_unreachable")

	// ErrPortalChanged means a page we drive no longer has the shape we
	// expect. Code or profile changes are needed, not retries.
	ErrPortalChanged = errors.New("portal_changed")

	// ErrRangeTooLarge means the requested span exceeds the portal's
	// per-resolution window cap and must be split before fetching.
	ErrRangeTooLarge = errors.New("range_too_large")

	// ErrFetchTimeout means the call ran out of time budget.
	ErrFetchTimeout = errors.New("fetch_timeout")

	// ErrRateLimited means the outbound throttle refused the call.
	ErrRateLimited = errors.New("portal_rate_limited")
)
