package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epochmesh/backend/internal/config"
	"github.com/epochmesh/backend/internal/core"
)

func TestNewCatalog_DefaultConfigValid(t *testing.T) {
	cat, err := NewCatalog(config.Default().Pipeline.Providers)
	require.NoError(t, err)

	cands := cat.Candidates(core.TierRoutine)
	require.Len(t, cands, 2)
	assert.Equal(t, "aurora", cands[0].Provider)
	assert.Equal(t, "aurora-swift", cands[0].Model.ID)
	assert.Equal(t, "meridian", cands[1].Provider)
}

func TestNewCatalog_RejectsDuplicateTierDefault(t *testing.T) {
	_, err := NewCatalog([]config.ProviderConfig{{
		ProviderID: "p",
		Enabled:    true,
		Models: []config.ModelConfig{
			{ID: "a", Tier: "routine", IsTierDefault: true},
			{ID: "b", Tier: "routine", IsTierDefault: true},
		},
	}})
	assert.Error(t, err)
}

func TestNewCatalog_RejectsServedTierWithoutDefault(t *testing.T) {
	_, err := NewCatalog([]config.ProviderConfig{{
		ProviderID: "p",
		Enabled:    true,
		Models:     []config.ModelConfig{{ID: "a", Tier: "routine"}},
	}})
	assert.Error(t, err)
}

func TestNewCatalog_RejectsUnknownTier(t *testing.T) {
	_, err := NewCatalog([]config.ProviderConfig{{
		ProviderID: "p",
		Models:     []config.ModelConfig{{ID: "a", Tier: "cosmic", IsTierDefault: true}},
	}})
	assert.Error(t, err)
}

func TestCatalog_DisabledProviderExcluded(t *testing.T) {
	cat, err := NewCatalog([]config.ProviderConfig{
		{
			ProviderID: "dark",
			Priority:   1,
			Enabled:    false,
			Models:     []config.ModelConfig{{ID: "d", Tier: "routine", IsTierDefault: true}},
		},
		{
			ProviderID: "lit",
			Priority:   2,
			Enabled:    true,
			Models:     []config.ModelConfig{{ID: "l", Tier: "routine", IsTierDefault: true}},
		},
	})
	require.NoError(t, err)

	cands := cat.Candidates(core.TierRoutine)
	require.Len(t, cands, 1)
	assert.Equal(t, "lit", cands[0].Provider)
}

func TestCatalog_TierNotServed(t *testing.T) {
	cat, err := NewCatalog([]config.ProviderConfig{{
		ProviderID: "p",
		Enabled:    true,
		Models:     []config.ModelConfig{{ID: "a", Tier: "routine", IsTierDefault: true}},
	}})
	require.NoError(t, err)
	assert.Empty(t, cat.Candidates(core.TierStrategic))
}
