// Package ratelimit holds per-principal admission state for the bridge: a
// token bucket and a concurrency cap for API requests, and a cap on
// concurrent calls per telephony credential.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentRequests int
	MaxConcurrentCalls    int

	// Bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*principalState
}

type principalState struct {
	mu sync.Mutex

	bucket tokenBucket

	requests chan struct{}
	calls    chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	tokens float64
	last   time.Time
	primed bool
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*principalState),
	}
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// AcquireRequest admits one API request for principal.
func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	ps := l.state(principal, now)

	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		if ok, retryAfter := ps.take(now, l.cfg.RPS, l.cfg.Burst); !ok {
			return Decision{Allowed: false, RetryAfter: retryAfter}
		}
	}
	return acquireSlot(ps.requests, l.cfg.MaxConcurrentRequests)
}

// AcquireCall admits one media stream for principal. The permit must be held
// for the lifetime of the call.
func (l *Limiter) AcquireCall(principal string, now time.Time) Decision {
	ps := l.state(principal, now)
	return acquireSlot(ps.calls, l.cfg.MaxConcurrentCalls)
}

func acquireSlot(sem chan struct{}, limit int) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
	}
	select {
	case sem <- struct{}{}:
		return Decision{Allowed: true, Permit: &Permit{release: func() { <-sem }}}
	default:
		return Decision{Allowed: false, RetryAfter: 1}
	}
}

func (l *Limiter) state(principal string, now time.Time) *principalState {
	if principal == "" {
		principal = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.m) >= l.cfg.MaxEntries {
		l.evictLocked(now)
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}

	ps, ok := l.m[principal]
	if !ok {
		ps = &principalState{
			requests: make(chan struct{}, max(1, l.cfg.MaxConcurrentRequests)),
			calls:    make(chan struct{}, max(1, l.cfg.MaxConcurrentCalls)),
		}
		l.m[principal] = ps
	}
	ps.lastSeen = now
	return ps
}

// evictLocked drops idle principals. Entries with held permits are kept.
func (l *Limiter) evictLocked(now time.Time) {
	for k, ps := range l.m {
		if now.Sub(ps.lastSeen) <= l.cfg.EntryTTL {
			continue
		}
		if len(ps.requests) > 0 || len(ps.calls) > 0 {
			continue
		}
		delete(l.m, k)
	}
}

func (ps *principalState) take(now time.Time, rps float64, burst int) (bool, int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	capacity := float64(burst)
	if !ps.bucket.primed {
		ps.bucket = tokenBucket{tokens: capacity, last: now, primed: true}
	}

	if elapsed := now.Sub(ps.bucket.last).Seconds(); elapsed > 0 {
		ps.bucket.tokens = math.Min(capacity, ps.bucket.tokens+elapsed*rps)
		ps.bucket.last = now
	}

	if ps.bucket.tokens >= 1.0 {
		ps.bucket.tokens -= 1.0
		return true, 0
	}

	retryAfter := int(math.Ceil((1.0 - ps.bucket.tokens) / rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
