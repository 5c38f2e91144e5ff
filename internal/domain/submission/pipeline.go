// Package submission implements the receipt submission pipeline: the fixed
// sequence of checks that decides whether a receipt earns an on-chain reward.
//
// Order per submission (short-circuiting on the first failure):
//
//	freeze -> idempotency guard -> quota -> classify -> approve? -> reward -> notify
//
// A reward is only ever requested after the quota check passed and the
// verdict approved the receipt. Reward failure is reported through
// Outcome.RewardIssued, never as an error.
package submission

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/okian/receiptreward/internal/domain/dedupe"
	"github.com/okian/receiptreward/internal/domain/model"
	"github.com/okian/receiptreward/pkg/logger"
	"github.com/okian/receiptreward/pkg/metrics"
)

const unrecordTimeout = 2 * time.Second

// Stage names used in logs and metrics.
const (
	StageGuard    = "guard"
	StageQuota    = "quota"
	StageClassify = "classify"
	StageReward   = "reward"
)

// Outcome labels for the submissions metric.
const (
	outcomeInvalid       = "invalid"
	outcomeDuplicate     = "duplicate"
	outcomeGuardError    = "guard_unavailable"
	outcomeQuotaExceeded = "quota_exceeded"
	outcomeLedgerError   = "ledger_unavailable"
	outcomeValidationErr = "validation_error"
	outcomeRejected      = "rejected"
	outcomeRewarded      = "rewarded"
	outcomeRewardFailed  = "reward_failed"
)

// ClaimValidator judges a receipt image.
type ClaimValidator interface {
	Validate(ctx context.Context, image []byte) (model.ValidationVerdict, error)
}

// LedgerGateway reads quota and issues rewards against the external ledger.
type LedgerGateway interface {
	// CheckQuota returns ErrQuotaExceeded when the account is at its limit for
	// the current cycle. It never mutates ledger state.
	CheckQuota(ctx context.Context, address string) error
	// IssueReward submits the reward transaction and waits for it to be mined.
	// It returns true only for a confirmed, non-reverted transaction.
	IssueReward(ctx context.Context, address string, amount *big.Int) bool
}

// RewardStatus tells apart the ways a reward attempt can end.
type RewardStatus int

const (
	// RewardNotSent means no transaction reached the ledger.
	RewardNotSent RewardStatus = iota
	// RewardConfirmed means the transaction was mined and did not revert.
	RewardConfirmed
	// RewardReverted means the transaction was mined and reverted.
	RewardReverted
	// RewardUnconfirmed means the transaction may have been broadcast but
	// was not seen mined before the deadline. It can still land.
	RewardUnconfirmed
)

func (s RewardStatus) String() string {
	switch s {
	case RewardConfirmed:
		return "confirmed"
	case RewardReverted:
		return "reverted"
	case RewardUnconfirmed:
		return "unconfirmed"
	default:
		return "not_sent"
	}
}

// RewardReporter is implemented by gateways that can report why a reward was
// not issued. Without it a false IssueReward is taken as RewardNotSent.
type RewardReporter interface {
	IssueRewardStatus(ctx context.Context, address string, amount *big.Int) RewardStatus
}

// Notifier receives outcome events. Notify must not block; it reports
// whether the event was accepted.
type Notifier interface {
	Notify(ctx context.Context, event model.OutcomeEvent) bool
}

// RawSubmission is the unvalidated input to Submit.
type RawSubmission struct {
	Image    []byte
	Address  string
	DeviceID string
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Submitted    int64 `json:"submitted"`
	Duplicates   int64 `json:"duplicates"`
	QuotaDenied  int64 `json:"quota_denied"`
	Failed       int64 `json:"failed"`
	Rejected     int64 `json:"rejected"`
	Approved     int64 `json:"approved"`
	Rewarded     int64 `json:"rewarded"`
	RewardFailed int64 `json:"reward_failed"`
}

// Pipeline orchestrates the submission stages. It holds no per-submission
// state; concurrent Submit calls are independent.
type Pipeline struct {
	validator ClaimValidator
	ledger    LedgerGateway
	reward    *big.Int

	deduper  dedupe.Deduper
	notifier Notifier
	now      func() time.Time
	newID    func() string
	log      logger.Logger

	quotaTimeout    time.Duration
	classifyTimeout time.Duration
	rewardTimeout   time.Duration

	submitted    atomic.Int64
	duplicates   atomic.Int64
	quotaDenied  atomic.Int64
	failed       atomic.Int64
	rejected     atomic.Int64
	approved     atomic.Int64
	rewarded     atomic.Int64
	rewardFailed atomic.Int64
}

// New creates a Pipeline. reward is the fixed amount granted per approved
// receipt and must be positive.
func New(validator ClaimValidator, ledger LedgerGateway, reward *big.Int, opts ...Option) (*Pipeline, error) {
	if validator == nil {
		return nil, fmt.Errorf("%w: claim validator", ErrMissingDependency)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger gateway", ErrMissingDependency)
	}
	if reward == nil || reward.Sign() <= 0 {
		return nil, fmt.Errorf("%w: positive reward amount", ErrMissingDependency)
	}

	p := &Pipeline{
		validator: validator,
		ledger:    ledger,
		reward:    new(big.Int).Set(reward),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Named("submission")
	}
	return p, nil
}

// RewardAmount returns a copy of the configured reward.
func (p *Pipeline) RewardAmount() *big.Int {
	return new(big.Int).Set(p.reward)
}

// Submit runs one receipt through the pipeline.
func (p *Pipeline) Submit(ctx context.Context, raw RawSubmission) (model.Outcome, error) {
	p.submitted.Add(1)

	sub, err := model.NewSubmission(p.newID(), raw.Image, raw.Address, raw.DeviceID, p.now())
	if err != nil {
		p.failed.Add(1)
		metrics.RecordSubmission(outcomeInvalid)
		return model.Outcome{}, fmt.Errorf("%w: %w", ErrInvalidSubmission, err)
	}
	ctx = logger.ContextWith(ctx, logger.String("submission_id", sub.ID()), logger.String("address", sub.Address()))

	fingerprint, err := p.guard(ctx, sub)
	if err != nil {
		return model.Outcome{}, err
	}

	// The fingerprint stays recorded once a reward may exist on chain.
	keep := false
	if fingerprint != "" {
		defer func() {
			if !keep {
				p.release(ctx, fingerprint)
			}
		}()
	}

	if err := p.checkQuota(ctx, sub); err != nil {
		return model.Outcome{}, err
	}

	verdict, err := p.classify(ctx, sub)
	if err != nil {
		return model.Outcome{}, err
	}

	out := model.Outcome{
		SubmissionID: sub.ID(),
		Timestamp:    sub.Timestamp(),
		Approved:     verdict.Approved(),
		Verdict:      verdict,
	}
	metrics.RecordVerdict(out.Approved)

	if out.Approved {
		p.approved.Add(1)
		status := p.issueReward(ctx, sub)
		out.RewardIssued = status == RewardConfirmed
		keep = status == RewardConfirmed || status == RewardUnconfirmed
	} else {
		p.rejected.Add(1)
		metrics.RecordSubmission(outcomeRejected)
		p.log.Info(ctx, "receipt rejected", logger.Float64("validity_factor", verdict.ValidityFactor))
	}

	p.notify(ctx, sub, out)
	return out, nil
}

// guard records the receipt fingerprint. It returns "" when no guard is set.
func (p *Pipeline) guard(ctx context.Context, sub *model.Submission) (string, error) {
	if p.deduper == nil {
		return "", nil
	}
	start := time.Now()
	fingerprint := dedupe.Fingerprint(sub.Image())
	seen, err := p.deduper.SeenAndRecord(ctx, fingerprint)
	metrics.RecordStageLatency(StageGuard, msSince(start))

	switch {
	case err != nil:
		p.failed.Add(1)
		metrics.RecordSubmission(outcomeGuardError)
		metrics.RecordErrorByComponent("dedupe", "unavailable")
		p.log.Error(ctx, "idempotency guard failed", logger.Error(err))
		return "", fmt.Errorf("%w: %w", ErrIdempotencyUnavailable, err)
	case seen:
		p.duplicates.Add(1)
		metrics.RecordSubmission(outcomeDuplicate)
		metrics.RecordDuplicateReceipt()
		p.log.Info(ctx, "duplicate receipt", logger.String("fingerprint", fingerprint))
		return "", ErrDuplicateReceipt
	}
	return fingerprint, nil
}

// release unrecords a fingerprint whose submission did not end in a reward.
func (p *Pipeline) release(ctx context.Context, fingerprint string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unrecordTimeout)
	defer cancel()
	if err := p.deduper.Unrecord(rctx, fingerprint); err != nil {
		p.log.Warn(ctx, "failed to release receipt fingerprint", logger.String("fingerprint", fingerprint), logger.Error(err))
	}
}

func (p *Pipeline) checkQuota(ctx context.Context, sub *model.Submission) error {
	qctx, cancel := withTimeout(ctx, p.quotaTimeout)
	defer cancel()

	start := time.Now()
	err := p.ledger.CheckQuota(qctx, sub.Address())
	latency := time.Since(start)
	metrics.RecordStageLatency(StageQuota, msSince(start))

	switch {
	case err == nil:
		metrics.RecordQuotaCheck("ok")
		p.log.Debug(ctx, "quota available", logger.Duration("latency", latency))
		return nil
	case errors.Is(err, ErrQuotaExceeded):
		p.quotaDenied.Add(1)
		metrics.RecordQuotaCheck("exceeded")
		metrics.RecordSubmission(outcomeQuotaExceeded)
		p.log.Info(ctx, "submission quota exceeded")
		return err
	default:
		p.failed.Add(1)
		metrics.RecordQuotaCheck("error")
		metrics.RecordSubmission(outcomeLedgerError)
		metrics.RecordErrorByComponent("ledger", "quota_read")
		p.log.Error(ctx, "quota check failed", logger.Duration("latency", latency), logger.Error(err))
		if errors.Is(err, ErrLedgerUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
}

func (p *Pipeline) classify(ctx context.Context, sub *model.Submission) (model.ValidationVerdict, error) {
	cctx, cancel := withTimeout(ctx, p.classifyTimeout)
	defer cancel()

	start := time.Now()
	verdict, err := p.validator.Validate(cctx, sub.Image())
	latency := time.Since(start)
	metrics.RecordStageLatency(StageClassify, msSince(start))

	if err != nil {
		p.failed.Add(1)
		metrics.RecordSubmission(outcomeValidationErr)
		metrics.RecordErrorByComponent("classifier", "validate")
		metrics.RecordErrorLatency("classifier", "validate", float64(latency.Milliseconds()))
		p.log.Error(ctx, "classification failed", logger.Duration("latency", latency), logger.Error(err))
		if errors.Is(err, ErrValidationService) {
			return model.ValidationVerdict{}, err
		}
		return model.ValidationVerdict{}, fmt.Errorf("%w: %w", ErrValidationService, err)
	}
	p.log.Info(ctx, "receipt classified",
		logger.Float64("validity_factor", verdict.ValidityFactor),
		logger.Duration("latency", latency))
	return verdict, nil
}

// issueReward requests the reward. Client cancellation does not abort a
// transaction that may already be in flight; only the reward timeout does.
func (p *Pipeline) issueReward(ctx context.Context, sub *model.Submission) RewardStatus {
	rctx, cancel := withTimeout(context.WithoutCancel(ctx), p.rewardTimeout)
	defer cancel()

	start := time.Now()
	status := p.sendReward(rctx, sub)
	latency := time.Since(start)
	metrics.RecordStageLatency(StageReward, msSince(start))

	if status == RewardConfirmed {
		p.rewarded.Add(1)
		metrics.RecordSubmission(outcomeRewarded)
		p.log.Info(ctx, "reward issued", logger.String("amount", p.reward.String()), logger.Duration("latency", latency))
		return status
	}
	p.rewardFailed.Add(1)
	metrics.RecordSubmission(outcomeRewardFailed)
	p.log.Warn(ctx, "receipt approved but reward not issued",
		logger.String("reward_status", status.String()),
		logger.Duration("latency", latency))
	return status
}

func (p *Pipeline) sendReward(ctx context.Context, sub *model.Submission) RewardStatus {
	if r, ok := p.ledger.(RewardReporter); ok {
		return r.IssueRewardStatus(ctx, sub.Address(), p.RewardAmount())
	}
	if p.ledger.IssueReward(ctx, sub.Address(), p.RewardAmount()) {
		return RewardConfirmed
	}
	return RewardNotSent
}

func (p *Pipeline) notify(ctx context.Context, sub *model.Submission, out model.Outcome) {
	if p.notifier == nil {
		return
	}
	if !p.notifier.Notify(ctx, model.NewOutcomeEvent(sub, out)) {
		p.log.Warn(ctx, "outcome event dropped")
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Submitted:    p.submitted.Load(),
		Duplicates:   p.duplicates.Load(),
		QuotaDenied:  p.quotaDenied.Load(),
		Failed:       p.failed.Load(),
		Rejected:     p.rejected.Load(),
		Approved:     p.approved.Load(),
		Rewarded:     p.rewarded.Load(),
		RewardFailed: p.rewardFailed.Load(),
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
