package apperrors

import "errors"

// Standardized broker errors. Transport and adapter code maps venue
// responses onto these so callers can classify with errors.Is.
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrOrderIDMissing        = errors.New("order id missing in response")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrTokenExpired          = errors.New("access token expired")
	ErrBrokerFailure         = errors.New("broker failure")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrMarketClosed          = errors.New("market closed")
	ErrRiskLimitExceeded     = errors.New("risk limit exceeded")
	ErrEmergencyStop         = errors.New("emergency stop active")
	ErrDataCorrupted         = errors.New("market data corrupted")
	ErrStreamClosed          = errors.New("realtime stream closed")
)

// Transient reports whether err is worth retrying at the transport level.
// Venue rejections and auth failures are final; network and throttling
// errors are not.
func Transient(err error) bool {
	switch {
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrRateLimitExceeded),
		errors.Is(err, ErrBrokerFailure):
		return true
	default:
		return false
	}
}
