package core

import (
	"fmt"
	"sync"
	"time"
)

// Budget limits one execution subtree. A zero value disables that
// dimension.
type Budget struct {
	MaxTokens      int64
	MaxTime        time.Duration
	MaxSteps       int64
	MaxAPICalls    int64
	MaxCostDollars float64
}

// UsageSnapshot is a point-in-time copy of a ResourceUsage, embedded in
// BudgetExceededError and trace summaries.
type UsageSnapshot struct {
	Tokens        int64         `json:"tokens"`
	StepsExecuted int64         `json:"steps_executed"`
	APICalls      int64         `json:"api_calls"`
	CostDollars   float64       `json:"cost_dollars"`
	Elapsed       time.Duration `json:"elapsed"`
}

// ResourceUsage accumulates running totals against a Budget. Usages form
// a chain: a sub-budgeted step gets a fresh child usage whose increments
// also propagate to the parent, so exceeding either budget raises.
// The start timestamp comes from time.Now, whose monotonic reading makes
// elapsed time immune to wall-clock changes.
type ResourceUsage struct {
	mu            sync.Mutex
	tokens        int64
	stepsExecuted int64
	apiCalls      int64
	costDollars   float64
	startedAt     time.Time

	budget *Budget
	parent *ResourceUsage
}

// NewUsage returns a fresh usage counter constrained by budget (nil
// budget means unlimited). The elapsed clock starts now.
func NewUsage(budget *Budget) *ResourceUsage {
	return &ResourceUsage{budget: budget, startedAt: time.Now()}
}

// Child returns a fresh usage constrained by sub that still increments
// this usage. Used by the graph scheduler for step-level sub-budgets.
func (u *ResourceUsage) Child(sub *Budget) *ResourceUsage {
	return &ResourceUsage{budget: sub, parent: u, startedAt: time.Now()}
}

// AddTokens adds n tokens to this usage and every ancestor.
func (u *ResourceUsage) AddTokens(n int64) {
	for c := u; c != nil; c = c.parent {
		c.mu.Lock()
		c.tokens += n
		c.mu.Unlock()
	}
}

// AddSteps adds n executed steps to this usage and every ancestor.
func (u *ResourceUsage) AddSteps(n int64) {
	for c := u; c != nil; c = c.parent {
		c.mu.Lock()
		c.stepsExecuted += n
		c.mu.Unlock()
	}
}

// AddAPICalls adds n API calls to this usage and every ancestor.
func (u *ResourceUsage) AddAPICalls(n int64) {
	for c := u; c != nil; c = c.parent {
		c.mu.Lock()
		c.apiCalls += n
		c.mu.Unlock()
	}
}

// AddCost adds dollars to this usage and every ancestor.
func (u *ResourceUsage) AddCost(dollars float64) {
	for c := u; c != nil; c = c.parent {
		c.mu.Lock()
		c.costDollars += dollars
		c.mu.Unlock()
	}
}

// Snapshot returns a copy of the current totals.
func (u *ResourceUsage) Snapshot() UsageSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return UsageSnapshot{
		Tokens:        u.tokens,
		StepsExecuted: u.stepsExecuted,
		APICalls:      u.apiCalls,
		CostDollars:   u.costDollars,
		Elapsed:       time.Since(u.startedAt),
	}
}

// Check compares this usage (and every budgeted ancestor) to its budget
// and returns a *BudgetExceededError naming the first breached
// dimension.
func (u *ResourceUsage) Check() error {
	for c := u; c != nil; c = c.parent {
		if err := c.checkSelf(); err != nil {
			return err
		}
	}
	return nil
}

func (u *ResourceUsage) checkSelf() error {
	if u.budget == nil {
		return nil
	}
	snap := u.Snapshot()
	b := u.budget
	switch {
	case b.MaxSteps > 0 && snap.StepsExecuted >= b.MaxSteps:
		return u.exceeded("max_steps", snap)
	case b.MaxTokens > 0 && snap.Tokens >= b.MaxTokens:
		return u.exceeded("max_tokens", snap)
	case b.MaxAPICalls > 0 && snap.APICalls >= b.MaxAPICalls:
		return u.exceeded("max_api_calls", snap)
	case b.MaxCostDollars > 0 && snap.CostDollars >= b.MaxCostDollars:
		return u.exceeded("max_cost_dollars", snap)
	case b.MaxTime > 0 && snap.Elapsed >= b.MaxTime:
		return u.exceeded("max_time", snap)
	}
	return nil
}

func (u *ResourceUsage) exceeded(reason string, snap UsageSnapshot) error {
	return &BudgetExceededError{Reason: reason, Usage: snap, Budget: u.budget}
}

// String renders the limits that are actually set.
func (b *Budget) String() string {
	if b == nil {
		return "unlimited"
	}
	return fmt.Sprintf("tokens=%d time=%s steps=%d api_calls=%d cost=%.4f",
		b.MaxTokens, b.MaxTime, b.MaxSteps, b.MaxAPICalls, b.MaxCostDollars)
}
