// Package directory resolves a tier's recipient roles into concrete contact
// records. The Directory interface is the seam for a real organizational
// directory service; Static serves deployments where the roster is part of
// the escalation-policy file.
package directory

import (
	"context"
	"fmt"

	"github.com/statalert/escalation-engine/internal/models"
)

// Contact is one reachable recipient. Addresses maps channel kind (push,
// sms, voice, email, ...) to the address for that channel.
type Contact struct {
	Name      string            `json:"name"`
	Role      string            `json:"role"`
	Addresses map[string]string `json:"addresses,omitempty"`
}

type Directory interface {
	// ResolveRecipients returns the contacts for the given category and
	// tier, deduplicated.
	ResolveRecipients(ctx context.Context, category string, tier int) ([]Contact, error)
}

// Static resolves recipients from an in-memory role roster.
type Static struct {
	policies map[string]*models.Policy
	roster   map[string][]Contact
}

func NewStatic(policies map[string]*models.Policy, roster map[string][]Contact) *Static {
	return &Static{
		policies: policies,
		roster:   roster,
	}
}

func (s *Static) ResolveRecipients(ctx context.Context, category string, tier int) ([]Contact, error) {
	policy, ok := s.policies[category]
	if !ok {
		return nil, fmt.Errorf("no escalation policy for category %q", category)
	}
	t, ok := policy.TierAt(tier)
	if !ok {
		return nil, fmt.Errorf("category %q has no tier %d", category, tier)
	}

	seen := make(map[string]bool)
	var contacts []Contact
	for _, role := range t.RecipientRoles {
		for _, c := range s.roster[role] {
			if seen[c.Name] {
				continue
			}
			seen[c.Name] = true
			contacts = append(contacts, c)
		}
	}
	return contacts, nil
}
