package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchExactBeatsWildcard(t *testing.T) {
	defs := map[string][]Def{
		"test": {
			{Key: "api_key", HasValue: false, Unit: "second", RateLimit: 10, HasLimit: true},
			{Key: "api_key", Value: "premium", HasValue: true, Unit: "second", RateLimit: 100, HasLimit: true},
		},
	}
	store, err := NewStore(defs)
	require.NoError(t, err)

	ruleID, limit, ok := store.Match("test", Vector{{Key: "api_key", Value: "premium"}})
	require.True(t, ok)
	assert.Equal(t, uint32(100), limit.RequestsPerUnit)

	ruleID2, limit2, ok := store.Match("test", Vector{{Key: "api_key", Value: "free"}})
	require.True(t, ok)
	assert.Equal(t, uint32(10), limit2.RequestsPerUnit)
	assert.NotEqual(t, ruleID, ruleID2)
}

func TestMatchDeepestRuleWithLimit(t *testing.T) {
	defs := map[string][]Def{
		"test": {
			{
				Key: "service", Value: "checkout", HasValue: true,
				// interior node: no limit of its own
				Children: []Def{
					{Key: "path", Value: "pay", HasValue: true, Unit: "minute", RateLimit: 5, HasLimit: true},
				},
			},
		},
	}
	store, err := NewStore(defs)
	require.NoError(t, err)

	_, limit, ok := store.Match("test", Vector{{Key: "service", Value: "checkout"}, {Key: "path", Value: "pay"}})
	require.True(t, ok)
	assert.Equal(t, uint32(5), limit.RequestsPerUnit)

	// Matching only the interior (no-limit) node yields no rule.
	_, _, ok = store.Match("test", Vector{{Key: "service", Value: "checkout"}})
	assert.False(t, ok)
}

func TestMatchUnknownDomainOrDescriptor(t *testing.T) {
	defs := map[string][]Def{
		"test": {{Key: "api_key", HasValue: false, Unit: "second", RateLimit: 10, HasLimit: true}},
	}
	store, err := NewStore(defs)
	require.NoError(t, err)

	_, _, ok := store.Match("unknown-domain", Vector{{Key: "api_key", Value: "x"}})
	assert.False(t, ok)

	_, _, ok = store.Match("test", Vector{{Key: "unknown_key", Value: "x"}})
	assert.False(t, ok)
}

func TestDuplicateSiblingFailsAtLoad(t *testing.T) {
	defs := map[string][]Def{
		"test": {
			{Key: "api_key", Value: "premium", HasValue: true, Unit: "second", RateLimit: 10, HasLimit: true},
			{Key: "api_key", Value: "premium", HasValue: true, Unit: "second", RateLimit: 20, HasLimit: true},
		},
	}
	_, err := NewStore(defs)
	assert.Error(t, err)
}

func TestInvalidUnitFailsAtLoad(t *testing.T) {
	defs := map[string][]Def{
		"test": {{Key: "api_key", HasValue: false, Unit: "fortnight", RateLimit: 10, HasLimit: true}},
	}
	_, err := NewStore(defs)
	assert.Error(t, err)
}

func TestRuleIDStableAcrossBuilds(t *testing.T) {
	defs := map[string][]Def{
		"test": {{Key: "api_key", Value: "premium", HasValue: true, Unit: "second", RateLimit: 10, HasLimit: true}},
	}
	s1, err := NewStore(defs)
	require.NoError(t, err)
	s2, err := NewStore(defs)
	require.NoError(t, err)

	id1, _, _ := s1.Match("test", Vector{{Key: "api_key", Value: "premium"}})
	id2, _, _ := s2.Match("test", Vector{{Key: "api_key", Value: "premium"}})
	assert.Equal(t, id1, id2)
}
