package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleitzeit/gleitzeit/resilience"
)

func bareInstance(id string) *Instance {
	return &Instance{
		ProviderID: id,
		Priority:   1.0,
		metrics:    &Metrics{},
		breaker:    resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig(id)),
	}
}

func TestBalancerSingleEligible(t *testing.T) {
	b := NewBalancer()
	only := bareInstance("only")
	assert.Same(t, only, b.Select([]*Instance{only}, StrategyRoundRobin, "k"))
	assert.Nil(t, b.Select(nil, StrategyRoundRobin, "k"))
}

func TestBalancerRoundRobinCycles(t *testing.T) {
	b := NewBalancer()
	pool := []*Instance{bareInstance("a"), bareInstance("b"), bareInstance("c")}

	var picks []string
	for i := 0; i < 6; i++ {
		picks = append(picks, b.Select(pool, StrategyRoundRobin, "llm/v1/llm/chat").ProviderID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picks)
}

func TestBalancerRoundRobinCounterPerKey(t *testing.T) {
	b := NewBalancer()
	pool := []*Instance{bareInstance("a"), bareInstance("b")}

	assert.Equal(t, "a", b.Select(pool, StrategyRoundRobin, "k1").ProviderID)
	assert.Equal(t, "a", b.Select(pool, StrategyRoundRobin, "k2").ProviderID)
	assert.Equal(t, "b", b.Select(pool, StrategyRoundRobin, "k1").ProviderID)
}

func TestBalancerLeastLoaded(t *testing.T) {
	b := NewBalancer()
	busy := bareInstance("busy")
	idle := bareInstance("idle")

	busy.metrics.Begin()
	busy.metrics.Begin()
	idle.metrics.Begin()

	picked := b.Select([]*Instance{busy, idle}, StrategyLeastLoaded, "k")
	assert.Equal(t, "idle", picked.ProviderID)
}

func TestBalancerLeastLoadedTieBreaksOnResponseTime(t *testing.T) {
	b := NewBalancer()
	slow := bareInstance("slow")
	fast := bareInstance("fast")

	slow.metrics.Begin()
	slow.metrics.End(500*time.Millisecond, false)
	fast.metrics.Begin()
	fast.metrics.End(10*time.Millisecond, false)

	picked := b.Select([]*Instance{slow, fast}, StrategyLeastLoaded, "k")
	assert.Equal(t, "fast", picked.ProviderID)
}

func TestBalancerLeastLoadedRotatesEqualInstances(t *testing.T) {
	b := NewBalancer()
	pool := []*Instance{bareInstance("a"), bareInstance("b")}

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		seen[b.Select(pool, StrategyLeastLoaded, "k").ProviderID]++
	}
	assert.Equal(t, 2, seen["a"])
	assert.Equal(t, 2, seen["b"])
}

func TestBalancerLeastResponseTime(t *testing.T) {
	b := NewBalancer()
	slow := bareInstance("slow")
	fast := bareInstance("fast")

	slow.metrics.Begin()
	slow.metrics.End(800*time.Millisecond, false)
	fast.metrics.Begin()
	fast.metrics.End(20*time.Millisecond, false)

	// Load does not matter under least_response_time unless latencies tie.
	fast.metrics.Begin()

	picked := b.Select([]*Instance{slow, fast}, StrategyLeastResponseTime, "k")
	assert.Equal(t, "fast", picked.ProviderID)
}

func TestBalancerWeightedRandomReturnsMember(t *testing.T) {
	b := NewBalancer()
	pool := []*Instance{bareInstance("a"), bareInstance("b"), bareInstance("c")}
	pool[1].Priority = 5.0

	for i := 0; i < 20; i++ {
		picked := b.Select(pool, StrategyWeightedRandom, "k")
		require.NotNil(t, picked)
		assert.Contains(t, []string{"a", "b", "c"}, picked.ProviderID)
	}
}

func TestBalancerRandomReturnsMember(t *testing.T) {
	b := NewBalancer()
	pool := []*Instance{bareInstance("a"), bareInstance("b")}
	for i := 0; i < 10; i++ {
		picked := b.Select(pool, StrategyRandom, "k")
		assert.Contains(t, []string{"a", "b"}, picked.ProviderID)
	}
}
