package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EvgeniiDev/proxy-load-balancer/config"
)

// State is one of the three disjoint lifecycle states an Upstream can be
// in.
type State int

const (
	// Available upstreams are eligible for selection.
	Available State = iota
	// Unavailable upstreams failed a liveness check, or reached
	// max_retries consecutive transport failures, and are excluded from
	// selection until a probe or a request succeeds.
	Unavailable
	// Resting upstreams are in overload backoff and are excluded from
	// selection until rest_until elapses.
	Resting
)

func (s State) String() string {
	switch s {
	case Available:
		return "available"
	case Unavailable:
		return "unavailable"
	case Resting:
		return "resting"
	default:
		return "unknown"
	}
}

// Transport is the reusable outbound session pool an Upstream dials
// through: a SOCKS5-dialing HTTP transport. It is an interface so
// registry tests need not build a real one; socksdial.PooledTransport is
// the production implementation.
type Transport interface {
	Sessions() int64
	Close()
}

// Upstream is one SOCKS5 peer record. The (Host, Port) pair is its
// identity key. All counters are safe for concurrent use; state,
// consecutiveFailures, overloadCount and restUntil are guarded together
// by mu so that transitions stay linearizable per record.
type Upstream struct {
	Host string
	Port int

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	overloadCount       int
	restUntil           time.Time

	requestCount atomic.Uint64
	successCount atomic.Uint64
	failureCount atomic.Uint64

	transport Transport
}

func newUpstream(u config.Upstream) *Upstream {
	return &Upstream{Host: u.Host, Port: u.Port, state: Available}
}

// Key returns the "host:port" identity of this record.
func (u *Upstream) Key() string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

// State returns the current lifecycle state.
func (u *Upstream) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// RestUntil returns the instant a Resting record becomes eligible for
// promotion. The zero Time is returned outside the Resting state.
func (u *Upstream) RestUntil() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != Resting {
		return time.Time{}
	}
	return u.restUntil
}

// CountRequest increments the request counter; called once per attempt
// (including attempts inside the overload retry loop), independent of the
// attempt's outcome.
func (u *Upstream) CountRequest() {
	u.requestCount.Add(1)
}

// Counters returns the three monotonic lifetime counters: total attempts,
// successes, and failures.
func (u *Upstream) Counters() (requests, successes, failures uint64) {
	return u.requestCount.Load(), u.successCount.Load(), u.failureCount.Load()
}

// ConsecutiveFailuresAndOverloadCount returns the two backoff-relevant
// counters guarded by mu, for stats reporting.
func (u *Upstream) ConsecutiveFailuresAndOverloadCount() (consecutiveFailures, overloadCount int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.consecutiveFailures, u.overloadCount
}

// Transport returns the session pool bound to this record, constructing
// it via build on first use if necessary. build must be idempotent with
// respect to concurrent callers (the production dialer coalesces
// concurrent first use with singleflight), so no additional locking is
// required here beyond a plain assignment race, which build's own
// coalescing already resolves.
func (u *Upstream) Transport(build func() (Transport, error)) (Transport, error) {
	u.mu.Lock()
	existing := u.transport
	u.mu.Unlock()
	if existing != nil {
		return existing, nil
	}
	t, err := build()
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	if u.transport == nil {
		u.transport = t
	} else {
		t.Close()
	}
	result := u.transport
	u.mu.Unlock()
	return result, nil
}

// SessionsPooled reports the pooled-session count for stats output, or 0
// if no transport has been built yet.
func (u *Upstream) SessionsPooled() int64 {
	u.mu.Lock()
	t := u.transport
	u.mu.Unlock()
	if t == nil {
		return 0
	}
	return t.Sessions()
}

func (u *Upstream) closeTransport() {
	u.mu.Lock()
	t := u.transport
	u.transport = nil
	u.mu.Unlock()
	if t != nil {
		t.Close()
	}
}
