// Package captcha verifies client proof-of-humanity tokens against a
// reCAPTCHA v3 style siteverify endpoint.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/okian/receiptreward/pkg/logger"
	"github.com/okian/receiptreward/pkg/metrics"
)

const (
	defaultAction   = "submit_receipt"
	defaultMinScore = 0.7
	defaultTimeout  = 5 * time.Second
	maxReplyBytes   = 64 << 10
)

// Result labels for the captcha metric.
const (
	resultAccepted     = "accepted"
	resultEmptyToken   = "empty_token"
	resultUnsuccessful = "unsuccessful"
	resultWrongAction  = "wrong_action"
	resultLowScore     = "low_score"
	resultError        = "error"
)

// verifyReply is the subset of the siteverify reply we read.
type verifyReply struct {
	Success    bool     `json:"success"`
	Action     string   `json:"action"`
	Score      float64  `json:"score"`
	ErrorCodes []string `json:"error-codes"`
}

// Verifier checks captcha tokens. It fails closed: every transport, status or
// decode problem is a failed verification.
type Verifier struct {
	verifyURL  string
	secret     string
	action     string
	minScore   float64
	timeout    time.Duration
	httpClient *http.Client
	log        logger.Logger
}

// New creates a Verifier posting to verifyURL with the pre-shared secret.
func New(verifyURL, secret string, opts ...Option) *Verifier {
	v := &Verifier{
		verifyURL: verifyURL,
		secret:    secret,
		action:    defaultAction,
		minScore:  defaultMinScore,
		timeout:   defaultTimeout,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.httpClient == nil {
		v.httpClient = &http.Client{}
	}
	if v.log == nil {
		v.log = logger.Named("captcha")
	}
	return v
}

// Verify reports whether token passes: the service reports success, the
// action matches and the score is at least the threshold.
func (v *Verifier) Verify(ctx context.Context, token string) bool {
	if token == "" {
		metrics.RecordCaptchaResult(resultEmptyToken)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	reply, err := v.siteverify(ctx, token)
	latency := time.Since(start)
	metrics.RecordStageLatency("captcha", float64(latency.Microseconds())/1000)
	if err != nil {
		metrics.RecordCaptchaResult(resultError)
		metrics.RecordErrorByComponent("captcha", "verify")
		v.log.Warn(ctx, "captcha verification failed", logger.Duration("latency", latency), logger.Error(err))
		return false
	}

	result := v.judge(reply)
	metrics.RecordCaptchaResult(result)
	if result != resultAccepted {
		v.log.Info(ctx, "captcha rejected",
			logger.String("reason", result),
			logger.String("action", reply.Action),
			logger.Float64("score", reply.Score),
			logger.Any("error_codes", reply.ErrorCodes))
		return false
	}
	return true
}

func (v *Verifier) judge(r verifyReply) string {
	switch {
	case !r.Success:
		return resultUnsuccessful
	case r.Action != v.action:
		return resultWrongAction
	case r.Score < v.minScore:
		return resultLowScore
	default:
		return resultAccepted
	}
}

func (v *Verifier) siteverify(ctx context.Context, token string) (verifyReply, error) {
	u, err := url.Parse(v.verifyURL)
	if err != nil {
		return verifyReply{}, fmt.Errorf("parse verify url: %w", err)
	}
	q := u.Query()
	q.Set("secret", v.secret)
	q.Set("response", token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), http.NoBody)
	if err != nil {
		return verifyReply{}, err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		// url.Error embeds the full URL, including the secret.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return verifyReply{}, fmt.Errorf("captcha http error: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return verifyReply{}, fmt.Errorf("captcha status %d", resp.StatusCode)
	}

	var out verifyReply
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReplyBytes)).Decode(&out); err != nil {
		return verifyReply{}, fmt.Errorf("decode captcha reply: %w", err)
	}
	return out, nil
}
