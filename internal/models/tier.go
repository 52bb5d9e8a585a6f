package models

import (
	"fmt"
	"time"
)

// EscalationTier is one responder group in an escalation policy. Static
// per-deployment configuration, never mutated by the engine.
type EscalationTier struct {
	Tier           int           `json:"tier"`
	ResponseBudget time.Duration `json:"responseBudget"`
	RecipientRoles []string      `json:"recipientRoles"`
	Channels       []string      `json:"channels"`
}

// Policy is the ordered tier list for one alert category.
type Policy struct {
	Category string           `json:"category"`
	Tiers    []EscalationTier `json:"tiers"`
}

// MaxTier returns the highest tier number in the policy.
func (p *Policy) MaxTier() int {
	return len(p.Tiers)
}

// TierAt returns the configuration for tier n (1-based).
func (p *Policy) TierAt(n int) (EscalationTier, bool) {
	if n < 1 || n > len(p.Tiers) {
		return EscalationTier{}, false
	}
	return p.Tiers[n-1], true
}

// Validate checks that tiers are numbered 1..N in order with usable budgets,
// roles and channels.
func (p *Policy) Validate() error {
	if p.Category == "" {
		return fmt.Errorf("policy has empty category")
	}
	if len(p.Tiers) == 0 {
		return fmt.Errorf("policy %q has no tiers", p.Category)
	}
	for i, t := range p.Tiers {
		if t.Tier != i+1 {
			return fmt.Errorf("policy %q: tier %d out of order (expected %d)", p.Category, t.Tier, i+1)
		}
		if t.ResponseBudget <= 0 {
			return fmt.Errorf("policy %q tier %d: response budget must be positive", p.Category, t.Tier)
		}
		if len(t.RecipientRoles) == 0 {
			return fmt.Errorf("policy %q tier %d: no recipient roles", p.Category, t.Tier)
		}
		if len(t.Channels) == 0 {
			return fmt.Errorf("policy %q tier %d: no channels", p.Category, t.Tier)
		}
	}
	return nil
}
