package admission

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivemind/internal/clock"
	"hivemind/internal/counter"
	"hivemind/internal/rules"
)

func newEngine(t *testing.T, now time.Time) (*Engine, func(time.Duration)) {
	t.Helper()
	defs := map[string][]rules.Def{
		"test": {{Key: "test_key", Value: "limited", HasValue: true, Unit: "second", RateLimit: 5, HasLimit: true}},
	}
	rs, err := rules.NewStore(defs)
	require.NoError(t, err)

	cur := now
	clk := clock.NewWithNow(func() time.Time { return cur })
	cs := counter.NewStore("node1")
	e := New(rs, clk, cs, zerolog.Nop())
	e.now = func() time.Time { return cur }

	advance := func(d time.Duration) { cur = cur.Add(d) }
	return e, advance
}

func TestScenarioSingleNodeLimitFive(t *testing.T) {
	e, _ := newEngine(t, time.Unix(1000, 0))
	vec := []rules.Vector{{{Key: "test_key", Value: "limited"}}}

	var lastRemaining []uint32
	for i := 0; i < 7; i++ {
		res := e.ShouldRateLimit("test", vec, 1)
		require.Len(t, res.Statuses, 1)
		lastRemaining = append(lastRemaining, res.Statuses[0].Remaining)
		if i < 5 {
			assert.Equal(t, OK, res.Statuses[0].Code, "request %d", i)
		} else {
			assert.Equal(t, OverLimit, res.Statuses[0].Code, "request %d", i)
			assert.Equal(t, uint32(0), res.Statuses[0].Remaining)
		}
	}
	assert.Equal(t, []uint32{4, 3, 2, 1, 0, 0, 0}, lastRemaining)
}

func TestWindowResetsOnBoundary(t *testing.T) {
	e, advance := newEngine(t, time.Unix(1000, 0))
	vec := []rules.Vector{{{Key: "test_key", Value: "limited"}}}

	for i := 0; i < 5; i++ {
		res := e.ShouldRateLimit("test", vec, 1)
		require.Equal(t, OK, res.Statuses[0].Code)
	}
	res := e.ShouldRateLimit("test", vec, 1)
	assert.Equal(t, OverLimit, res.Statuses[0].Code)

	advance(1100 * time.Millisecond)
	res = e.ShouldRateLimit("test", vec, 1)
	assert.Equal(t, OK, res.Statuses[0].Code)
	assert.Equal(t, uint32(4), res.Statuses[0].Remaining)
}

func TestMissingDescriptorRuleYieldsOK(t *testing.T) {
	e, _ := newEngine(t, time.Unix(1000, 0))
	vec := []rules.Vector{{{Key: "unknown_key", Value: "x"}}}

	res := e.ShouldRateLimit("test", vec, 1)
	assert.Equal(t, OK, res.Overall)
	require.Len(t, res.Statuses, 1)
	assert.False(t, res.Statuses[0].HasLimit)
}

func TestNoDescriptorsYieldsUnknown(t *testing.T) {
	e, _ := newEngine(t, time.Unix(1000, 0))
	res := e.ShouldRateLimit("test", nil, 1)
	assert.Equal(t, Unknown, res.Overall)
	assert.Empty(t, res.Statuses)
}

func TestHitsZeroIsNoOp(t *testing.T) {
	e, _ := newEngine(t, time.Unix(1000, 0))
	vec := []rules.Vector{{{Key: "test_key", Value: "limited"}}}

	res := e.ShouldRateLimit("test", vec, 0)
	assert.Equal(t, uint32(5), res.Statuses[0].Remaining)

	res = e.ShouldRateLimit("test", vec, 1)
	assert.Equal(t, uint32(4), res.Statuses[0].Remaining)
}
