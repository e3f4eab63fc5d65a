package provider

import (
	"math/rand"
	"sort"
	"sync"
)

// Strategy selects among eligible instances.
type Strategy string

const (
	// StrategyRoundRobin cycles a per-(protocol, method) counter
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyLeastLoaded picks the minimum active requests, breaking
	// ties by lowest average response time, then round-robin
	StrategyLeastLoaded Strategy = "least_loaded"

	// StrategyLeastResponseTime picks the lowest average response time,
	// breaking ties by least loaded
	StrategyLeastResponseTime Strategy = "least_response_time"

	// StrategyRandom picks uniformly
	StrategyRandom Strategy = "random"

	// StrategyWeightedRandom weights by 1/(1+error_rate) x priority
	StrategyWeightedRandom Strategy = "weighted_random"

	// StrategyCapabilityAffinity filters on required capabilities (done
	// by the registry) then applies least_loaded
	StrategyCapabilityAffinity Strategy = "capability_affinity"
)

// Balancer picks one instance out of an eligible set. It holds no pool
// state of its own; the instance set flows in through the argument. The
// only internal state is the round-robin counter per selection key.
type Balancer struct {
	mu       sync.Mutex
	counters map[string]uint64
}

// NewBalancer creates a load balancer.
func NewBalancer() *Balancer {
	return &Balancer{counters: make(map[string]uint64)}
}

// Select returns one instance from the non-empty eligible set using the
// given strategy. key scopes the round-robin counter, conventionally
// "{protocol}/{method}".
func (b *Balancer) Select(eligible []*Instance, strategy Strategy, key string) *Instance {
	if len(eligible) == 0 {
		return nil
	}
	if len(eligible) == 1 {
		return eligible[0]
	}

	switch strategy {
	case StrategyRoundRobin:
		return eligible[b.next(key)%uint64(len(eligible))]

	case StrategyRandom:
		return eligible[rand.Intn(len(eligible))] //nolint:gosec

	case StrategyWeightedRandom:
		return b.weightedRandom(eligible)

	case StrategyLeastResponseTime:
		sorted := b.sorted(eligible, func(a, c MetricsSnapshot) bool {
			if a.AvgResponseMs != c.AvgResponseMs {
				return a.AvgResponseMs < c.AvgResponseMs
			}
			return a.ActiveRequests < c.ActiveRequests
		})
		return sorted[0]

	case StrategyLeastLoaded, StrategyCapabilityAffinity, "":
		fallthrough
	default:
		sorted := b.sorted(eligible, func(a, c MetricsSnapshot) bool {
			if a.ActiveRequests != c.ActiveRequests {
				return a.ActiveRequests < c.ActiveRequests
			}
			return a.AvgResponseMs < c.AvgResponseMs
		})
		// Equivalent front-runners rotate round-robin.
		first := sorted[0].Metrics()
		ties := 1
		for ties < len(sorted) {
			m := sorted[ties].Metrics()
			if m.ActiveRequests != first.ActiveRequests || m.AvgResponseMs != first.AvgResponseMs {
				break
			}
			ties++
		}
		if ties > 1 {
			return sorted[b.next(key)%uint64(ties)]
		}
		return sorted[0]
	}
}

func (b *Balancer) next(key string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.counters[key]
	b.counters[key] = n + 1
	return n
}

func (b *Balancer) sorted(eligible []*Instance, less func(a, c MetricsSnapshot) bool) []*Instance {
	sorted := make([]*Instance, len(eligible))
	copy(sorted, eligible)
	sort.SliceStable(sorted, func(i, j int) bool {
		return less(sorted[i].Metrics(), sorted[j].Metrics())
	})
	return sorted
}

func (b *Balancer) weightedRandom(eligible []*Instance) *Instance {
	weights := make([]float64, len(eligible))
	total := 0.0
	for i, inst := range eligible {
		m := inst.Metrics()
		w := inst.Priority / (1 + m.ErrorRate)
		if w <= 0 {
			w = 0.001
		}
		weights[i] = w
		total += w
	}
	pick := rand.Float64() * total //nolint:gosec
	for i, w := range weights {
		pick -= w
		if pick <= 0 {
			return eligible[i]
		}
	}
	return eligible[len(eligible)-1]
}
