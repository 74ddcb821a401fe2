// Package resilience guards upstream dialing.
//
// When the realtime endpoint starts refusing connections, every incoming
// call would otherwise pay a full dial timeout before being rejected. A
// [DialGuard] suspends dialing after a run of consecutive failures so that
// lease attempts fail immediately, then admits a single probe dial once the
// cooldown elapses.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrDialSuspended is returned by [DialGuard.Allow] while dialing is
// suspended and the cooldown has not yet elapsed.
var ErrDialSuspended = errors.New("resilience: upstream dialing suspended")

// Config holds tuning knobs for a [DialGuard].
type Config struct {
	// TripAfter is the run of consecutive dial failures that suspends
	// dialing. Default: 5.
	TripAfter int

	// Cooldown is how long dialing stays suspended before a probe dial is
	// admitted. Default: 30s.
	Cooldown time.Duration
}

// DialGuard tracks consecutive dial failures and suspends dialing once a
// threshold is crossed. After the cooldown, one probe dial at a time is
// admitted; a successful probe lifts the suspension, a failed one re-arms
// the cooldown.
type DialGuard struct {
	trip     int
	cooldown time.Duration

	mu       sync.Mutex
	failures int
	lastFail time.Time
	probing  bool
}

// NewDialGuard creates a [DialGuard]. Zero-value config fields are replaced
// with defaults.
func NewDialGuard(cfg Config) *DialGuard {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &DialGuard{trip: cfg.TripAfter, cooldown: cfg.Cooldown}
}

// Allow reports whether a dial may proceed, returning [ErrDialSuspended]
// while dialing is suspended. A nil return obligates the caller to report
// the dial outcome with [DialGuard.Success] or [DialGuard.Failure].
func (g *DialGuard) Allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failures < g.trip {
		return nil
	}
	if time.Since(g.lastFail) < g.cooldown {
		return ErrDialSuspended
	}
	// Cooldown elapsed: admit one probe at a time.
	if g.probing {
		return ErrDialSuspended
	}
	g.probing = true
	slog.Info("probing suspended upstream endpoint")
	return nil
}

// Success records a completed dial and lifts any suspension.
func (g *DialGuard) Success() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failures >= g.trip {
		slog.Info("upstream dialing resumed")
	}
	g.failures = 0
	g.probing = false
}

// Failure records a failed dial. Crossing the trip threshold, or failing a
// probe, suspends dialing for the cooldown.
func (g *DialGuard) Failure() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures++
	g.lastFail = time.Now()
	g.probing = false
	if g.failures == g.trip {
		slog.Warn("upstream dialing suspended",
			"consecutive_failures", g.failures,
			"cooldown", g.cooldown)
	}
}

// Suspended reports whether dialing is currently suspended. It returns
// false once the cooldown has elapsed, even though the suspension is only
// lifted for good by a successful probe.
func (g *DialGuard) Suspended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures >= g.trip && time.Since(g.lastFail) < g.cooldown
}
