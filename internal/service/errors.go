package service

import "errors"

// Error taxonomy. Protocol and business-rule errors are terminal for the
// request; ErrGatewayUnreachable and ErrStoreUnavailable mean "try again
// later" and must never be reported as a decline or an empty queue.
var (
	// protocol
	ErrMalformedToken   = errors.New("malformed token")
	ErrBadSignature     = errors.New("bad token signature")
	ErrTokenExpired     = errors.New("token expired")
	ErrWrongKind        = errors.New("token kind does not match endpoint")
	ErrTokenAlreadyUsed = errors.New("token already redeemed")

	// business rules
	ErrUnknownProduct     = errors.New("unknown product")
	ErrInvalidPromo       = errors.New("invalid promo code")
	ErrPaymentNotCaptured = errors.New("payment not captured")
	ErrAmountTooLow       = errors.New("paid amount below expected price")
	ErrInvalidStatus      = errors.New("invalid status value")

	// upstream
	ErrGatewayUnreachable = errors.New("payment gateway unreachable")
	ErrStoreUnavailable   = errors.New("job store unavailable")

	ErrNotFound = errors.New("job not found")
)

// ErrorKind returns the machine-readable kind for a dispatcher error, for
// structured HTTP error bodies.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrMalformedToken):
		return "malformed_token"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrWrongKind):
		return "wrong_kind"
	case errors.Is(err, ErrTokenAlreadyUsed):
		return "token_already_used"
	case errors.Is(err, ErrUnknownProduct):
		return "unknown_product"
	case errors.Is(err, ErrInvalidPromo):
		return "invalid_promo"
	case errors.Is(err, ErrPaymentNotCaptured):
		return "payment_not_captured"
	case errors.Is(err, ErrAmountTooLow):
		return "amount_too_low"
	case errors.Is(err, ErrInvalidStatus):
		return "invalid_status"
	case errors.Is(err, ErrGatewayUnreachable):
		return "gateway_unreachable"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return "internal"
}
