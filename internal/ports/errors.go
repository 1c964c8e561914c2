package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidParam       = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrBanned               = errors.New("IP banned by the exchange")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInsufficientMargin   = errors.New("insufficient margin for operation")
	ErrReduceOnlyRejected   = errors.New("reduce-only order rejected")
	ErrMinNotional          = errors.New("order notional below the symbol minimum")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrPositionNotFound     = errors.New("position not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")
	ErrStreamDisconnected   = errors.New("exchange stream disconnected")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrStoreBusy      = errors.New("database is busy")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
	ErrDeleteFailed   = errors.New("database delete failed")

	// Engine Errors
	ErrTrancheUnprotected   = errors.New("tranche protection could not be established")
	ErrConsistencyViolation = errors.New("engine state disagrees with exchange state")
)

// IsRetryable reports whether an error is worth retrying locally with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrStoreBusy) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrExchangeUnavailable) ||
		errors.Is(err, ErrTimeout)
}
