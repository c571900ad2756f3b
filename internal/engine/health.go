package engine

import (
	"context"
	"errors"
	"time"
)

// Health classification is derived from the lifecycle state and a rolling
// window of recent error outcomes. Only errors enter the window; it ages out
// over time and recovery clears it, so a quiet engine drifts back to healthy
// without any explicit reset.

const (
	healthWindowSize = 5
	healthWindowAge  = time.Minute
)

type outcome struct {
	at        time.Time
	transient bool
	exhausted bool
}

func (e *Engine) recordOutcome(err error) {
	if err == nil {
		return
	}
	// Cancellations are caller decisions, not engine failures.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastErr = err.Error()
	e.pushOutcomeLocked(outcome{at: nowUTC(), transient: IsTransient(err)})
}

// markRetriesExhausted records that a full retry sequence failed without a
// single success. These weigh heaviest in the health classification.
func (e *Engine) markRetriesExhausted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pushOutcomeLocked(outcome{at: nowUTC(), exhausted: true})
}

func (e *Engine) pushOutcomeLocked(o outcome) {
	e.window = append(e.window, o)
	if len(e.window) > healthWindowSize {
		e.window = e.window[len(e.window)-healthWindowSize:]
	}
}

func (e *Engine) clearWindow() {
	e.mu.Lock()
	e.window = e.window[:0]
	e.lastErr = ""
	e.mu.Unlock()
}

// Health classifies the engine right now.
func (e *Engine) Health() Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateUnloaded {
		return HealthUnhealthy
	}

	cutoff := nowUTC().Add(-healthWindowAge)
	kept := e.window[:0]
	for _, o := range e.window {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	e.window = kept

	var exhausted, transient int
	for _, o := range e.window {
		if o.exhausted {
			exhausted++
		}
		if o.transient {
			transient++
		}
	}
	switch {
	case exhausted >= 2:
		return HealthUnhealthy
	case exhausted == 1:
		return HealthDegraded
	case transient >= 3:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}
