// Package budget caps the remote OCR tokens spent per model and period,
// using the usage ledger as the source of truth.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/folio/pkg/models"
	"github.com/pario-ai/folio/pkg/tracker"
)

// ErrBudgetExceeded is returned when a policy's cap has been reached.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Enforcer checks ledger usage against budget policies.
type Enforcer struct {
	policies []models.BudgetPolicy
	tracker  tracker.Tracker
	now      func() time.Time
}

// New creates an Enforcer with the given policies and tracker.
func New(policies []models.BudgetPolicy, t tracker.Tracker) *Enforcer {
	return &Enforcer{policies: policies, tracker: t, now: time.Now}
}

// Check returns an error wrapping ErrBudgetExceeded if any policy that
// applies to model has been used up.
func (e *Enforcer) Check(ctx context.Context, model string) error {
	for _, p := range e.applicablePolicies(model) {
		used, err := e.used(ctx, p)
		if err != nil {
			return fmt.Errorf("budget check: %w", err)
		}
		if used >= p.MaxTokens {
			return fmt.Errorf("%w: %s %s cap of %d tokens reached", ErrBudgetExceeded, p.Period, policyScope(p), p.MaxTokens)
		}
	}
	return nil
}

// Status returns usage against every configured policy.
func (e *Enforcer) Status(ctx context.Context) ([]models.BudgetStatus, error) {
	statuses := make([]models.BudgetStatus, 0, len(e.policies))
	for _, p := range e.policies {
		used, err := e.used(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("budget status: %w", err)
		}
		statuses = append(statuses, models.BudgetStatus{
			Policy:    p,
			Used:      used,
			Remaining: max(p.MaxTokens-used, 0),
		})
	}
	return statuses, nil
}

func (e *Enforcer) used(ctx context.Context, p models.BudgetPolicy) (int64, error) {
	return e.tracker.TokensSince(ctx, p.Model, periodStart(e.now(), p.Period))
}

func (e *Enforcer) applicablePolicies(model string) []models.BudgetPolicy {
	var result []models.BudgetPolicy
	for _, p := range e.policies {
		if p.Model == "" || p.Model == model {
			result = append(result, p)
		}
	}
	return result
}

func policyScope(p models.BudgetPolicy) string {
	if p.Model == "" {
		return "all-model"
	}
	return p.Model
}

func periodStart(now time.Time, period models.BudgetPeriod) time.Time {
	now = now.UTC()
	switch period {
	case models.BudgetMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // daily
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}
