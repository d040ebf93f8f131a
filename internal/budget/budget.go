// Package budget enforces a user's rolling monthly token allowance.
package budget

import (
	"context"
	"log/slog"
	"time"

	"github.com/hollisb/conductor/internal/store"
)

// Resetter persists a budget reset. The store implements it.
type Resetter interface {
	ResetBudget(ctx context.Context, userID string, resetAt time.Time) error
}

// Gate checks and resets user token budgets. The clock is injected so
// period rollover is testable.
type Gate struct {
	store  Resetter
	now    func() time.Time
	logger *slog.Logger
}

// New creates a budget gate. A nil clock defaults to time.Now.
func New(st Resetter, now func() time.Time, logger *slog.Logger) *Gate {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: st, now: now, logger: logger.With("component", "budget")}
}

// Check reports whether the user may make a model call right now.
//
//   - A nil monthly budget means unlimited: always allowed.
//   - When the period has rolled over (now ≥ reset time), usage is reset
//     to zero and the reset time advances by exactly one period; the call
//     is allowed. The user value is updated in place to match.
//   - Otherwise the call is allowed iff usage is under the budget.
//
// The check itself is read-then-act: two concurrent messages from the
// same user can both pass just under the limit. Accrual afterwards is
// an atomic increment, so the counter never loses tokens — the drift is
// bounded by one call per concurrent conversation.
func (g *Gate) Check(ctx context.Context, u *store.User) (bool, error) {
	if u.TokenBudgetMonthly == nil {
		return true, nil
	}

	if !g.now().Before(u.BudgetResetAt) {
		newReset := u.BudgetResetAt.AddDate(0, 1, 0)
		if err := g.store.ResetBudget(ctx, u.ID, newReset); err != nil {
			return false, err
		}
		g.logger.Info("monthly budget reset",
			"user", u.ID,
			"used", u.TokensUsedThisMonth,
			"next_reset", newReset,
		)
		u.TokensUsedThisMonth = 0
		u.BudgetResetAt = newReset
		return true, nil
	}

	if u.TokensUsedThisMonth >= *u.TokenBudgetMonthly {
		g.logger.Warn("budget exhausted",
			"user", u.ID,
			"used", u.TokensUsedThisMonth,
			"budget", *u.TokenBudgetMonthly,
		)
		return false, nil
	}
	return true, nil
}
