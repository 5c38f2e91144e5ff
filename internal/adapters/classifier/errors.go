package classifier

import "errors"

// Sentinel errors for classifier failures.
var (
	ErrUpstream       = errors.New("classifier upstream error")
	ErrMalformedReply = errors.New("classifier reply malformed")
)
