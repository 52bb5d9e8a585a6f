package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/statalert/escalation-engine/internal/directory"
	"github.com/statalert/escalation-engine/internal/models"
)

// Duration parses YAML durations in time.ParseDuration form ("5m", "90s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// PolicyFile is the on-disk escalation configuration: the tier ladder per
// alert category plus the role roster the static directory resolves against.
type PolicyFile struct {
	Categories []CategoryPolicy               `yaml:"categories"`
	Roster     map[string][]directory.Contact `yaml:"roster"`
}

type CategoryPolicy struct {
	Category string       `yaml:"category"`
	Tiers    []TierConfig `yaml:"tiers"`
}

type TierConfig struct {
	Tier           int      `yaml:"tier"`
	ResponseBudget Duration `yaml:"response_budget"`
	RecipientRoles []string `yaml:"recipient_roles"`
	Channels       []string `yaml:"channels"`
}

// LoadPolicies reads and validates the escalation-policy file. Every role a
// tier references must appear in the roster.
func LoadPolicies(path string) (map[string]*models.Policy, map[string][]directory.Contact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading policy file: %w", err)
	}

	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("error parsing policy file: %w", err)
	}

	if len(file.Categories) == 0 {
		return nil, nil, fmt.Errorf("policy file %s defines no categories", path)
	}

	policies := make(map[string]*models.Policy, len(file.Categories))
	for _, cat := range file.Categories {
		if _, ok := policies[cat.Category]; ok {
			return nil, nil, fmt.Errorf("duplicate category %q", cat.Category)
		}
		policy := &models.Policy{Category: cat.Category}
		for _, t := range cat.Tiers {
			policy.Tiers = append(policy.Tiers, models.EscalationTier{
				Tier:           t.Tier,
				ResponseBudget: time.Duration(t.ResponseBudget),
				RecipientRoles: t.RecipientRoles,
				Channels:       t.Channels,
			})
		}
		if err := policy.Validate(); err != nil {
			return nil, nil, err
		}
		for _, t := range policy.Tiers {
			for _, role := range t.RecipientRoles {
				if len(file.Roster[role]) == 0 {
					return nil, nil, fmt.Errorf("policy %q tier %d references role %q with no roster entries", cat.Category, t.Tier, role)
				}
			}
		}
		policies[cat.Category] = policy
	}

	for role, contacts := range file.Roster {
		for _, c := range contacts {
			if c.Name == "" {
				return nil, nil, fmt.Errorf("roster role %q has a contact with no name", role)
			}
		}
	}

	return policies, file.Roster, nil
}
