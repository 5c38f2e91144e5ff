package api

import (
	"errors"
	"net/http"

	"github.com/okian/receiptreward/internal/domain/submission"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest      = errors.New("bad request")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrMethod          = errors.New("method not allowed")
)

// KindError tags an error with the operation that failed and a sentinel kind
// the HTTP layer maps to a status code.
type KindError struct {
	Op   string
	Kind error
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *KindError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// WrapKind wraps err with op and kind.
func WrapKind(op string, kind, err error) error {
	return &KindError{Op: op, Kind: kind, Err: err}
}

// NewKind returns an error of kind for op.
func NewKind(op string, kind error) error {
	return &KindError{Op: op, Kind: kind}
}

// failure is how an error is rendered to the client.
type failure struct {
	status  int
	code    string
	message string
	// expose tells whether err.Error() may be sent to the client.
	expose bool
}

var failures = []struct {
	kind error
	failure
}{
	{ErrPayloadTooLarge, failure{http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large", true}},
	{ErrMethod, failure{http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", false}},
	{ErrBadRequest, failure{http.StatusBadRequest, "bad_request", "bad request", true}},
	{submission.ErrInvalidSubmission, failure{http.StatusBadRequest, "invalid_submission", "invalid submission", true}},
	{submission.ErrCaptchaFailed, failure{http.StatusForbidden, "captcha_failed", "captcha verification failed", false}},
	{submission.ErrQuotaExceeded, failure{http.StatusConflict, "quota_exceeded", "submission quota exceeded for this cycle", false}},
	{submission.ErrDuplicateReceipt, failure{http.StatusConflict, "duplicate_receipt", "receipt already submitted", false}},
	{submission.ErrValidationService, failure{http.StatusInternalServerError, "validation_service_error", "receipt validation service failed", false}},
	{submission.ErrLedgerUnavailable, failure{http.StatusInternalServerError, "ledger_unavailable", "ledger unavailable", false}},
	{submission.ErrIdempotencyUnavailable, failure{http.StatusInternalServerError, "idempotency_unavailable", "idempotency guard unavailable", false}},
}

// classify maps err to its client-facing failure. Unknown errors are 500s
// whose details stay in the logs.
func classify(err error) failure {
	for _, f := range failures {
		if errors.Is(err, f.kind) {
			if f.expose {
				f.message = err.Error()
			}
			return f.failure
		}
	}
	return failure{http.StatusInternalServerError, "internal_error", "internal error", false}
}
