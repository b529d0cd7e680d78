// Package registry implements the upstream pool manager: a
// concurrency-safe collection of Upstream records partitioned, by a
// state field rather than physically separate containers, into
// Available, Unavailable, and Resting sets, with the atomic transition
// operations the Health Prober and Forwarder drive.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/EvgeniiDev/proxy-load-balancer/config"
)

// Registry holds every known Upstream keyed by "host:port" and serves
// consistent snapshots to the Selector without holding its lock across
// I/O. mu guards only set membership (inserts/removals on reconcile);
// each Upstream's own mutex guards its state and counters, so a Forwarder
// or Prober transitioning one record never takes the registry-wide lock
// and never blocks a transition on a different record; a concurrent
// snapshot waits only on that one record's mutex.
type Registry struct {
	mu        sync.RWMutex
	upstreams map[string]*Upstream

	overloadBackoffBase time.Duration
	overloadRestCap     time.Duration
	maxRetries          int
}

// New builds a Registry from a Config's upstream list; every record
// starts Available.
func New(cfg *config.Config) *Registry {
	r := &Registry{
		upstreams:           make(map[string]*Upstream, len(cfg.Proxies)),
		overloadBackoffBase: cfg.OverloadBackoffBase(),
		overloadRestCap:     cfg.ProxyRestCap(),
		maxRetries:          cfg.MaxRetries,
	}
	for _, p := range cfg.Proxies {
		u := newUpstream(p)
		r.upstreams[u.Key()] = u
	}
	return r
}

// All returns every known record regardless of state, ordered by Key(),
// for the Prober's full sweep.
func (r *Registry) All() []*Upstream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Upstream, 0, len(r.upstreams))
	for _, u := range r.upstreams {
		out = append(out, u)
	}
	sortUpstreams(out)
	return out
}

// SnapshotAvailable returns an ordered, immutable-for-the-caller list of
// Available records, safe to iterate without holding the registry lock.
// The order is deterministic (by Key()) from one call to the next, so a
// round-robin cursor that advances across calls walks the same sequence
// of slots every time instead of a fresh random map-iteration permutation
// per request. As a side effect it opportunistically promotes any Resting
// record whose rest_until has already elapsed, so a burst of selection
// pressure can revive a record without waiting for the Prober's own
// rest-check tick.
func (r *Registry) SnapshotAvailable() []*Upstream {
	r.mu.RLock()
	all := make([]*Upstream, 0, len(r.upstreams))
	for _, u := range r.upstreams {
		all = append(all, u)
	}
	r.mu.RUnlock()
	sortUpstreams(all)

	now := time.Now()
	out := make([]*Upstream, 0, len(all))
	for _, u := range all {
		if r.maybePromoteExpiredResting(u, now) {
			out = append(out, u)
			continue
		}
		if u.State() == Available {
			out = append(out, u)
		}
	}
	return out
}

func (r *Registry) maybePromoteExpiredResting(u *Upstream, now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == Resting && !u.restUntil.After(now) {
		u.state = Available
		u.consecutiveFailures = 0
		return true
	}
	return false
}

// MarkSuccess records a non-429 response or a clean CONNECT teardown. Any
// non-429 success clears consecutive_failures and overload_count and
// promotes a Resting or Unavailable record back to Available.
func (r *Registry) MarkSuccess(u *Upstream) {
	u.successCount.Add(1)
	u.mu.Lock()
	u.consecutiveFailures = 0
	u.overloadCount = 0
	u.state = Available
	u.restUntil = time.Time{}
	u.mu.Unlock()
}

// MarkFailure records a transport-class error (dial failure, timeout, or
// a mid-response read/write error). consecutive_failures increments; an
// Available record whose consecutive_failures reaches max_retries moves
// to Unavailable.
func (r *Registry) MarkFailure(u *Upstream) {
	u.failureCount.Add(1)
	u.mu.Lock()
	u.consecutiveFailures++
	if u.state == Available && u.consecutiveFailures >= r.maxRetries {
		u.state = Unavailable
	}
	u.mu.Unlock()
}

// MarkOverloaded records a 429 response. overload_count increments and
// rest_until is recomputed from the record's own post-increment
// overload_count, so two concurrent callers produce two increments and a
// single coherent rest_until — the last writer's, computed from its own
// count.
func (r *Registry) MarkOverloaded(u *Upstream) {
	u.mu.Lock()
	u.overloadCount++
	rest := r.overloadBackoffBase * time.Duration(1<<uint(u.overloadCount-1))
	if r.overloadRestCap > 0 && rest > r.overloadRestCap {
		rest = r.overloadRestCap
	}
	u.restUntil = time.Now().Add(rest)
	u.state = Resting
	u.mu.Unlock()
}

// ApplyProbeResult is driven by the Health Prober once per full sweep.
// Available records that fail move to Unavailable; Unavailable records
// that pass move to Available with consecutive_failures reset to zero.
// Resting records are left untouched — their overload semantics are
// independent of liveness probing.
func (r *Registry) ApplyProbeResult(u *Upstream, ok bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch u.state {
	case Available:
		if !ok {
			u.state = Unavailable
		}
	case Unavailable:
		if ok {
			u.state = Available
			u.consecutiveFailures = 0
		}
	case Resting:
		// not demoted or promoted by liveness probing
	}
}

// PromoteExpiredResting is driven by the Health Prober's rest-check
// cadence: every Resting record whose rest_until has elapsed is promoted
// to Available without re-probing, and consecutive_failures resets.
// overload_count is deliberately left alone — only an observed non-429
// success clears it.
func (r *Registry) PromoteExpiredResting() {
	now := time.Now()
	for _, u := range r.All() {
		r.maybePromoteExpiredResting(u, now)
	}
}

// Reconcile adds records for newly present (host, port) keys (state
// Available), drops records for removed keys, and leaves retained
// records — and their counters — untouched. In-flight requests holding a
// pointer to a dropped record simply finish or fail; no new selection can
// return it once it is out of the map.
func (r *Registry) Reconcile(cfg *config.Config) {
	wanted := make(map[string]config.Upstream, len(cfg.Proxies))
	for _, p := range cfg.Proxies {
		wanted[p.Addr()] = p
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.overloadBackoffBase = cfg.OverloadBackoffBase()
	r.overloadRestCap = cfg.ProxyRestCap()
	r.maxRetries = cfg.MaxRetries

	for key := range r.upstreams {
		if _, ok := wanted[key]; !ok {
			r.upstreams[key].closeTransport()
			delete(r.upstreams, key)
		}
	}
	for key, p := range wanted {
		if _, ok := r.upstreams[key]; !ok {
			r.upstreams[key] = newUpstream(p)
		}
	}
}

// sortUpstreams orders a slice by Key() in place, giving every snapshot a
// deterministic, map-iteration-independent order.
func sortUpstreams(u []*Upstream) {
	sort.Slice(u, func(i, j int) bool { return u[i].Key() < u[j].Key() })
}

// Len returns the number of known records, regardless of state.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.upstreams)
}
