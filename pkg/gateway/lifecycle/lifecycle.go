// Package lifecycle tracks process state shared between the readiness probe
// and graceful shutdown.
package lifecycle

import (
	"sync/atomic"
	"time"
)

type Lifecycle struct {
	started  time.Time
	draining atomic.Bool
	// drainedAt holds unix nanos of the first SetDraining(true), or 0.
	drainedAt atomic.Int64
}

func New(now time.Time) *Lifecycle {
	return &Lifecycle{started: now}
}

// SetDraining flips readiness. Once draining, new calls are refused while
// established calls run to completion or the grace period.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if draining {
		l.drainedAt.CompareAndSwap(0, time.Now().UnixNano())
	} else {
		l.drainedAt.Store(0)
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

func (l *Lifecycle) Uptime(now time.Time) time.Duration {
	if l == nil || l.started.IsZero() {
		return 0
	}
	return now.Sub(l.started)
}

// DrainingFor reports how long the process has been draining.
func (l *Lifecycle) DrainingFor(now time.Time) time.Duration {
	if l == nil {
		return 0
	}
	at := l.drainedAt.Load()
	if at == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, at))
}
