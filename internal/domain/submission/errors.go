package submission

import "errors"

// Terminal pipeline failures. Reward issuance failure is not among them: it
// is reported through Outcome.RewardIssued.
var (
	ErrInvalidSubmission      = errors.New("invalid submission")
	ErrCaptchaFailed          = errors.New("captcha verification failed")
	ErrDuplicateReceipt       = errors.New("receipt already submitted")
	ErrIdempotencyUnavailable = errors.New("idempotency guard unavailable")
	ErrQuotaExceeded          = errors.New("submission quota exceeded")
	ErrValidationService      = errors.New("validation service error")
	ErrLedgerUnavailable      = errors.New("ledger unavailable")

	ErrMissingDependency = errors.New("missing pipeline dependency")
)
