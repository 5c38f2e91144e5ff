package ledger

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/receiptreward/internal/domain/submission"
	"github.com/okian/receiptreward/pkg/logger"
	"github.com/okian/receiptreward/pkg/metrics"
)

// Reward is one reward recorded by the in-memory ledger.
type Reward struct {
	TxHash  string
	Address string
	Amount  *big.Int
	At      time.Time
}

// MemoryOption configures a Memory ledger.
type MemoryOption func(*Memory)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(l logger.Logger) MemoryOption {
	return func(m *Memory) {
		if l != nil {
			m.log = l
		}
	}
}

// Memory mimics the rewards contract in process: each address may be
// rewarded maxPerCycle times per cycle, and IssueReward enforces the same
// limit CheckQuota reports.
type Memory struct {
	mu          sync.Mutex
	maxPerCycle int
	cycle       time.Duration
	now         func() time.Time
	counts      map[string]cycleCount
	rewards     []Reward
	log         logger.Logger
}

type cycleCount struct {
	window int64
	n      int
}

// NewMemory creates an in-memory ledger.
func NewMemory(maxPerCycle int, cycle time.Duration, opts ...MemoryOption) *Memory {
	if cycle <= 0 {
		cycle = 7 * 24 * time.Hour
	}
	m := &Memory{
		maxPerCycle: maxPerCycle,
		cycle:       cycle,
		now:         time.Now,
		counts:      make(map[string]cycleCount),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.Named("ledger")
	}
	return m
}

// CheckQuota reports ErrQuotaExceeded once the address used up its cycle.
func (m *Memory) CheckQuota(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.countLocked(address) >= m.maxPerCycle {
		return submission.ErrQuotaExceeded
	}
	return nil
}

// IssueReward records a reward unless the quota is already used up, the
// same way the contract reverts.
func (m *Memory) IssueReward(ctx context.Context, address string, amount *big.Int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		metrics.RecordRewardTransaction(txFailed)
		return false
	}
	used := m.countLocked(address)
	if used >= m.maxPerCycle {
		metrics.RecordRewardTransaction(txReverted)
		m.log.Warn(ctx, "reward reverted: quota reached", logger.String("address", address))
		return false
	}

	now := m.now()
	m.counts[strings.ToLower(address)] = cycleCount{window: m.window(now), n: used + 1}
	r := Reward{
		TxHash:  "0x" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Address: address,
		Amount:  new(big.Int).Set(amount),
		At:      now,
	}
	m.rewards = append(m.rewards, r)

	metrics.RecordRewardTransaction(txConfirmed)
	m.log.Info(ctx, "reward recorded", logger.String("address", address), logger.String("tx_hash", r.TxHash))
	return true
}

// Rewards returns a copy of every recorded reward.
func (m *Memory) Rewards() []Reward {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Reward, len(m.rewards))
	copy(out, m.rewards)
	return out
}

// Count returns the rewards address received in the current cycle.
func (m *Memory) Count(address string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked(address)
}

func (m *Memory) countLocked(address string) int {
	c, ok := m.counts[strings.ToLower(address)]
	if !ok || c.window != m.window(m.now()) {
		return 0
	}
	return c.n
}

func (m *Memory) window(t time.Time) int64 {
	return t.UnixNano() / int64(m.cycle)
}
