// Package selector implements the stateless selection policy over the
// Upstream Registry's available set: round-robin with a monotonic
// cursor, and uniform random.
package selector

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/EvgeniiDev/proxy-load-balancer/config"
	"github.com/EvgeniiDev/proxy-load-balancer/registry"
)

// Algorithm names one of the two supported selection policies.
type Algorithm int

const (
	// Random chooses uniformly among the candidates.
	Random Algorithm = iota
	// RoundRobin advances a process-wide atomic cursor through the pool.
	RoundRobin
)

// ParseAlgorithm maps a config.Config's load_balancing_algorithm string to
// an Algorithm.
func ParseAlgorithm(name string) Algorithm {
	if name == config.AlgorithmRoundRobin {
		return RoundRobin
	}
	return Random
}

// Selector is stateless over the Registry aside from two atomics: the
// round-robin cursor, a single process-wide counter shared across every
// request and retry loop, and the active algorithm itself, which a
// config reload may swap without disturbing in-flight selections.
type Selector struct {
	algorithm atomic.Int32
	cursor    atomic.Uint64
}

// New builds a Selector for the given algorithm.
func New(algorithm Algorithm) *Selector {
	s := &Selector{}
	s.algorithm.Store(int32(algorithm))
	return s
}

// SetAlgorithm swaps the active selection policy, safe for concurrent
// use with Select.
func (s *Selector) SetAlgorithm(algorithm Algorithm) {
	s.algorithm.Store(int32(algorithm))
}

// Select returns one candidate from pool, excluding any whose Key() is in
// tried. tried may be nil for a first selection. If no untried candidate
// remains, ok is false — the caller (Forwarder) translates that to a 503
// on the first attempt or to a loop-exhausted response inside the
// overload retry loop.
//
// Round-robin draws monotonically advancing cursor values across calls;
// within one call it walks at most len(pool) slots so a fully-tried pool
// terminates instead of spinning. Skipped-over records are not revisited
// within this call but remain eligible on the next one.
func (s *Selector) Select(pool []*registry.Upstream, tried map[string]struct{}) (*registry.Upstream, bool) {
	switch Algorithm(s.algorithm.Load()) {
	case RoundRobin:
		return s.selectRoundRobin(pool, tried)
	default:
		return s.selectRandom(pool, tried)
	}
}

func (s *Selector) selectRoundRobin(pool []*registry.Upstream, tried map[string]struct{}) (*registry.Upstream, bool) {
	n := len(pool)
	if n == 0 {
		return nil, false
	}
	for i := 0; i < n; i++ {
		idx := int(s.cursor.Add(1)-1) % n
		c := pool[idx]
		if _, skip := tried[c.Key()]; !skip {
			return c, true
		}
	}
	return nil, false
}

func (s *Selector) selectRandom(pool []*registry.Upstream, tried map[string]struct{}) (*registry.Upstream, bool) {
	if len(tried) == 0 {
		if len(pool) == 0 {
			return nil, false
		}
		return pool[rand.IntN(len(pool))], true
	}
	candidates := make([]*registry.Upstream, 0, len(pool))
	for _, c := range pool {
		if _, skip := tried[c.Key()]; !skip {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[rand.IntN(len(candidates))], true
}
