package pipeline

import (
	"fmt"
	"sort"

	"github.com/epochmesh/backend/internal/config"
	"github.com/epochmesh/backend/internal/core"
)

// Model is one entry in a provider's catalog.
type Model struct {
	ID            string    `json:"id"`
	Tier          core.Tier `json:"tier"`
	CostPer1K     float64   `json:"cost_per_1k"`
	MaxTokens     int       `json:"max_tokens"`
	IsTierDefault bool      `json:"is_tier_default"`
}

// Provider is one registered LLM provider.
type Provider struct {
	ProviderID string  `json:"provider_id"`
	Priority   int     `json:"priority"`
	Enabled    bool    `json:"enabled"`
	Models     []Model `json:"models"`
}

// Candidate pairs a provider with the model the router picked for a tier.
type Candidate struct {
	Provider string
	Model    Model
}

// Catalog is the validated provider registry. Immutable after construction.
type Catalog struct {
	providers []Provider // sorted by ascending priority
}

// NewCatalog validates and indexes the configured providers. Each (provider,
// tier) that is served must have exactly one default model.
func NewCatalog(cfgs []config.ProviderConfig) (*Catalog, error) {
	providers := make([]Provider, 0, len(cfgs))

	for _, pc := range cfgs {
		p := Provider{
			ProviderID: pc.ProviderID,
			Priority:   pc.Priority,
			Enabled:    pc.Enabled,
		}

		defaults := make(map[core.Tier]int)
		for _, mc := range pc.Models {
			tier := core.Tier(mc.Tier)
			switch tier {
			case core.TierRoutine, core.TierOperational, core.TierStrategic:
			default:
				return nil, fmt.Errorf("provider %s model %s: unknown tier %q", pc.ProviderID, mc.ID, mc.Tier)
			}
			if mc.IsTierDefault {
				defaults[tier]++
			}
			p.Models = append(p.Models, Model{
				ID:            mc.ID,
				Tier:          tier,
				CostPer1K:     mc.CostPer1K,
				MaxTokens:     mc.MaxTokens,
				IsTierDefault: mc.IsTierDefault,
			})
		}

		served := make(map[core.Tier]bool)
		for _, m := range p.Models {
			served[m.Tier] = true
		}
		for tier := range served {
			if defaults[tier] != 1 {
				return nil, fmt.Errorf("provider %s tier %s: want exactly one default model, have %d",
					pc.ProviderID, tier, defaults[tier])
			}
		}

		providers = append(providers, p)
	}

	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].Priority < providers[j].Priority
	})
	return &Catalog{providers: providers}, nil
}

// Providers returns the registry in priority order.
func (c *Catalog) Providers() []Provider { return c.providers }

// ModelFor returns the model a provider serves a tier with: the tier default
// if present, otherwise any model covering the tier.
func (p Provider) ModelFor(tier core.Tier) (Model, bool) {
	var fallback Model
	found := false
	for _, m := range p.Models {
		if m.Tier != tier {
			continue
		}
		if m.IsTierDefault {
			return m, true
		}
		if !found {
			fallback = m
			found = true
		}
	}
	return fallback, found
}

// Candidates lists every enabled provider covering the tier, in ascending
// priority, each paired with its chosen model.
func (c *Catalog) Candidates(tier core.Tier) []Candidate {
	var out []Candidate
	for _, p := range c.providers {
		if !p.Enabled {
			continue
		}
		if m, ok := p.ModelFor(tier); ok {
			out = append(out, Candidate{Provider: p.ProviderID, Model: m})
		}
	}
	return out
}
