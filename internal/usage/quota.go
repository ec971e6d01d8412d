package usage

import (
	"context"
	"time"

	"github.com/seomcp/gateway/internal/auth"
)

// Unlimited marks a plan without a monthly budget. Decisions for such
// plans report -1 for used, limit, and remaining.
const Unlimited = -1

// Monthly tool-call budgets per plan. Unverified free tenants get a
// reduced ceiling until they verify.
var planLimits = map[auth.Plan]int{
	auth.PlanFree:       50,
	auth.PlanPro:        2000,
	auth.PlanAgency:     10000,
	auth.PlanEnterprise: Unlimited,
}

const unverifiedFreeLimit = 10

// LimitFor returns the effective monthly budget for a plan.
func LimitFor(plan auth.Plan, verified bool) int {
	limit, ok := planLimits[plan]
	if !ok {
		// Unknown plans get the most restrictive budget.
		return unverifiedFreeLimit
	}
	if plan == auth.PlanFree && !verified {
		return unverifiedFreeLimit
	}
	return limit
}

// MonthStart returns the first instant of now's calendar month in UTC.
func MonthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Decision is the result of one quota check. Used is the row count
// before the current attempt is logged.
type Decision struct {
	Allowed   bool
	Used      int
	Limit     int
	Remaining int
}

// Accountant answers whether a tenant may make one more tool call this
// month. The check counts usage rows; the caller's subsequent Append
// is the increment, so two concurrent checks at limit-1 can both pass.
// That small over-grant is accepted in exchange for a stateless check.
type Accountant struct {
	store *Store
	now   func() time.Time
}

// NewAccountant creates an accountant over the usage store.
func NewAccountant(store *Store) *Accountant {
	return &Accountant{
		store: store,
		now:   time.Now,
	}
}

// CheckAndCharge decides whether the identity may invoke one more tool
// this month. It does not write the usage row itself; the pipeline
// must append exactly one row per attempt, denials included.
func (a *Accountant) CheckAndCharge(ctx context.Context, identity *auth.Identity) (*Decision, error) {
	limit := LimitFor(identity.Plan, identity.Verified)
	if limit == Unlimited {
		return &Decision{
			Allowed:   true,
			Used:      Unlimited,
			Limit:     Unlimited,
			Remaining: Unlimited,
		}, nil
	}

	used, err := a.store.CountSince(ctx, identity.TenantID, MonthStart(a.now()))
	if err != nil {
		return nil, err
	}

	if used >= limit {
		return &Decision{
			Allowed:   false,
			Used:      used,
			Limit:     limit,
			Remaining: 0,
		}, nil
	}

	remaining := limit - used - 1
	if remaining < 0 {
		remaining = 0
	}
	return &Decision{
		Allowed:   true,
		Used:      used,
		Limit:     limit,
		Remaining: remaining,
	}, nil
}
