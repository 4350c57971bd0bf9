package tenant

import (
	"context"
	"log/slog"
	"sync"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/logger"
)

// Ledger is the credit balance store. Debit is the single write path that
// must stay consistent under concurrent runs.
type Ledger interface {
	Balance(ctx context.Context, tenantUID int64) (float64, error)
	// Debit atomically subtracts amountUSD, clamped so the balance never
	// drops below floorUSD, and reports the balance before and after.
	Debit(ctx context.Context, tenantUID int64, amountUSD, floorUSD float64) (before, after float64, err error)
	// Credit atomically adds amountUSD and returns the new balance.
	Credit(ctx context.Context, tenantUID int64, amountUSD float64) (float64, error)
}

// LowCreditHook is invoked when a debit crosses the tenant's low-credit
// threshold. External billing hangs off this hook; a typical implementation
// triggers an automatic payment attempt.
type LowCreditHook func(ctx context.Context, t *Tenant, balanceUSD float64)

// Credits enforces the balance rules around the ledger: a depleted balance
// blocks new runs but never interrupts in-flight ones.
type Credits struct {
	ledger   Ledger
	floorUSD float64
	onLow    LowCreditHook
	logger   *slog.Logger
}

func NewCredits(ledger Ledger, floorUSD float64, onLow LowCreditHook) *Credits {
	return &Credits{
		ledger:   ledger,
		floorUSD: floorUSD,
		onLow:    onLow,
		logger:   logger.Get(),
	}
}

// Authorize gates a new run on the tenant having credit left.
func (c *Credits) Authorize(ctx context.Context, t *Tenant) error {
	balance, err := c.ledger.Balance(ctx, t.UID)
	if err != nil {
		return err
	}
	if balance <= 0 {
		return apierror.Newf(apierror.KindInsufficientCredits,
			"tenant %q has no credits remaining", t.Name)
	}
	return nil
}

// Charge debits the run's cost and fires the low-credit hook when the debit
// crosses the tenant's threshold. Charge never fails a completed run: ledger
// errors are logged, not returned to the caller's run path.
func (c *Credits) Charge(ctx context.Context, t *Tenant, amountUSD float64) {
	if amountUSD <= 0 {
		return
	}
	before, after, err := c.ledger.Debit(ctx, t.UID, amountUSD, c.floorUSD)
	if err != nil {
		c.logger.Error("credit debit failed",
			"tenant", t.Name, "amount_usd", amountUSD, "error", err)
		return
	}
	threshold := t.LowCreditThresholdUSD
	if c.onLow != nil && threshold > 0 && before > threshold && after <= threshold {
		c.onLow(ctx, t, after)
	}
}

// MemoryLedger keeps balances in process memory.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[int64]float64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[int64]float64)}
}

func (m *MemoryLedger) Balance(ctx context.Context, tenantUID int64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[tenantUID], nil
}

func (m *MemoryLedger) Debit(ctx context.Context, tenantUID int64, amountUSD, floorUSD float64) (float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := m.balances[tenantUID]
	after := before - amountUSD
	if after < floorUSD {
		after = floorUSD
	}
	m.balances[tenantUID] = after
	return before, after, nil
}

func (m *MemoryLedger) Credit(ctx context.Context, tenantUID int64, amountUSD float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[tenantUID] += amountUSD
	return m.balances[tenantUID], nil
}
