package engine

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// agentLedger is the per-agent slice of the token budget.
type agentLedger struct {
	limit           int
	used            int
	reserved        int
	warnedThreshold bool
}

// reservation is a speculative hold against an agent's remaining limit,
// returned by TryReserve and settled by Commit or Release.
type reservation struct {
	agentID string
	amount  int
}

// waiter is a FIFO-queued reservation request blocked on momentary global
// exhaustion (spec §9 Open Question 3: FIFO on reservation).
type waiter struct {
	agentID string
	amount  int
	result  chan bool
}

// TokenBudgeter is the atomic accountant for model-token consumption,
// generalizing the teacher's mutex-guarded UsageStore/rateLimiter counters
// (pkg/proxy/usage.go, pkg/proxy/ratelimit.go) into the spec's
// Reserve -> Consume -> Release ledger with per-agent quotas.
//
// The limiter paces how quickly a single agent may issue successive model
// requests (distinct from the token quota itself), the same role
// golang.org/x/time/rate plays for goadesign-goa-ai's request throttling.
type TokenBudgeter struct {
	mu                 sync.Mutex
	totalBudget        int // 0 = unlimited
	used               int
	perAgent           map[string]*agentLedger
	warningThresholdPc int
	waiters            []*waiter
	limiters           map[string]*rate.Limiter
}

// NewTokenBudgeter constructs a budgeter with the given global budget (0 =
// unlimited) and warning threshold percentage (e.g. 80).
func NewTokenBudgeter(totalBudget, warningThresholdPc int) *TokenBudgeter {
	return &TokenBudgeter{
		totalBudget:        totalBudget,
		perAgent:           make(map[string]*agentLedger),
		warningThresholdPc: warningThresholdPc,
		limiters:           make(map[string]*rate.Limiter),
	}
}

// RegisterAgent allocates a per-agent quota. limit of 0 means "inherit the
// remaining global budget" (used for the root session's own agent id).
func (b *TokenBudgeter) RegisterAgent(agentID string, limit int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.perAgent[agentID] = &agentLedger{limit: limit}
	b.limiters[agentID] = rate.NewLimiter(rate.Limit(4), 4) // at most ~4 model calls/sec/agent
}

// Wait blocks until the per-agent call-rate limiter admits the next model
// request, or ctx is cancelled.
func (b *TokenBudgeter) Wait(ctx context.Context, agentID string) error {
	b.mu.Lock()
	lim := b.limiters[agentID]
	b.mu.Unlock()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// TryReserve atomically holds up to n tokens against agentID's remaining
// limit and the global budget. It returns a reservation on success. An
// agent with a per-agent limit is held at most what is left of that limit,
// and gets ErrBudgetExhausted at once when nothing is left. If the global
// budget is momentarily exhausted by other in-flight reservations, the
// caller queues FIFO until capacity frees or ctx is cancelled.
func (b *TokenBudgeter) TryReserve(ctx context.Context, agentID string, n int) (*reservation, error) {
	b.mu.Lock()
	if ledger, ok := b.perAgent[agentID]; ok && ledger.limit > 0 {
		remaining := ledger.limit - ledger.used - ledger.reserved
		if remaining <= 0 {
			b.mu.Unlock()
			return nil, ErrBudgetExhausted
		}
		if n > remaining {
			n = remaining
		}
	}
	if b.tryReserveLocked(agentID, n) {
		b.mu.Unlock()
		return &reservation{agentID: agentID, amount: n}, nil
	}
	w := &waiter{agentID: agentID, amount: n, result: make(chan bool, 1)}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	select {
	case ok := <-w.result:
		if !ok {
			return nil, ErrBudgetExhausted
		}
		return &reservation{agentID: agentID, amount: n}, nil
	case <-ctx.Done():
		b.mu.Lock()
		b.removeWaiterLocked(w)
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (b *TokenBudgeter) tryReserveLocked(agentID string, n int) bool {
	ledger, ok := b.perAgent[agentID]
	if !ok {
		ledger = &agentLedger{}
		b.perAgent[agentID] = ledger
	}
	if ledger.limit > 0 && ledger.used+ledger.reserved+n > ledger.limit {
		return false
	}
	if b.totalBudget > 0 {
		inFlight := 0
		for _, l := range b.perAgent {
			inFlight += l.reserved
		}
		if b.used+inFlight+n > b.totalBudget {
			return false
		}
	}
	ledger.reserved += n
	return true
}

func (b *TokenBudgeter) removeWaiterLocked(target *waiter) {
	for i, w := range b.waiters {
		if w == target {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
}

// Commit settles a reservation with the actual token count consumed
// (which may be less than reserved, e.g. the model used fewer tokens than
// the worst-case estimate). It returns a TokenBudgetWarningMsg once per
// threshold crossing for the agent, or nil if no new crossing occurred.
func (b *TokenBudgeter) Commit(r *reservation, actual int) *TokenBudgetWarningMsg {
	b.mu.Lock()
	defer b.mu.Unlock()

	ledger := b.perAgent[r.agentID]
	if ledger == nil {
		return nil
	}
	ledger.reserved -= r.amount
	if ledger.reserved < 0 {
		ledger.reserved = 0
	}
	ledger.used += actual
	b.used += actual

	b.wakeWaitersLocked()

	if ledger.limit <= 0 || b.warningThresholdPc <= 0 || ledger.warnedThreshold {
		return nil
	}
	pct := ledger.used * 100 / ledger.limit
	if pct >= b.warningThresholdPc {
		ledger.warnedThreshold = true
		return &TokenBudgetWarningMsg{AgentID: r.agentID, PercentUsed: pct, ThresholdPct: b.warningThresholdPc}
	}
	return nil
}

// Release returns an uncommitted reservation to the pool, e.g. when a
// stream fails before any tokens were actually billed.
func (b *TokenBudgeter) Release(r *reservation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ledger := b.perAgent[r.agentID]
	if ledger != nil {
		ledger.reserved -= r.amount
		if ledger.reserved < 0 {
			ledger.reserved = 0
		}
	}
	b.wakeWaitersLocked()
}

// wakeWaitersLocked re-evaluates the FIFO wait queue after capacity frees,
// admitting waiters in arrival order until one fails to fit.
func (b *TokenBudgeter) wakeWaitersLocked() {
	for len(b.waiters) > 0 {
		w := b.waiters[0]
		if !b.tryReserveLocked(w.agentID, w.amount) {
			return
		}
		b.waiters = b.waiters[1:]
		w.result <- true
	}
}

// Usage returns a point-in-time snapshot of the ledger.
func (b *TokenBudgeter) Usage() TokenUsageMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := -1
	if b.totalBudget > 0 {
		remaining = b.totalBudget - b.used
	}
	perAgent := make(map[string]int, len(b.perAgent))
	for id, ledger := range b.perAgent {
		perAgent[id] = ledger.used
	}
	return TokenUsageMsg{Used: b.used, Remaining: remaining, PerAgent: perAgent}
}
