package bridge

import (
	"fmt"
	"log/slog"
	"sync"
)

// pendingID marks a response slot reserved locally before the server has
// assigned a real response id.
const pendingID = "pending"

// ResponseTracker enforces the one-reply-at-a-time invariant for a single
// call: at most one response-create request is ever in flight upstream.
//
// The slot is reserved the moment a create is sent, not when the server
// acknowledges it — between send and response.created the server is already
// generating, and a second create in that window produces the "conversation
// already has an active response" failure. Input that becomes ready while the
// slot is taken sets an idempotent pending marker instead; the deferred
// create is issued from OnResponseCompleted, after a final re-check of the
// slot in case a new response started in the meantime.
type ResponseTracker struct {
	// create sends one response-create request upstream.
	create func() error

	// onConflict is invoked whenever input ready collides with an active
	// response. Optional, used for metrics.
	onConflict func()

	mu       sync.Mutex
	activeID string
	pending  bool
}

// NewResponseTracker wires a tracker to the given create function.
func NewResponseTracker(create func() error, onConflict func()) *ResponseTracker {
	return &ResponseTracker{create: create, onConflict: onConflict}
}

// OnLocalInputReady is called when a caller turn has been committed upstream
// and a reply should be generated. If a response is active the request is
// deferred via the pending marker; calling it again while already pending is
// a no-op.
func (t *ResponseTracker) OnLocalInputReady() error {
	t.mu.Lock()
	if t.activeID != "" {
		if !t.pending {
			t.pending = true
			slog.Debug("response already active, deferring create", "active_id", t.activeID)
		}
		t.mu.Unlock()
		if t.onConflict != nil {
			t.onConflict()
		}
		return nil
	}
	// Reserve the slot before sending so a concurrent caller sees it taken.
	t.activeID = pendingID
	t.mu.Unlock()

	if err := t.create(); err != nil {
		t.mu.Lock()
		if t.activeID == pendingID {
			t.activeID = ""
		}
		t.mu.Unlock()
		return fmt.Errorf("bridge: response create: %w", err)
	}
	return nil
}

// OnResponseStarted records the server-assigned id for the in-flight
// response. Also covers responses the server starts on its own initiative.
func (t *ResponseTracker) OnResponseStarted(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == "" {
		id = pendingID
	}
	t.activeID = id
}

// OnResponseCompleted releases the slot and, if input became ready during the
// response, issues the deferred create. The slot is re-checked after clearing
// so a response.created that raced in between keeps the invariant.
func (t *ResponseTracker) OnResponseCompleted(id string) error {
	t.mu.Lock()
	if id != "" && t.activeID != pendingID && t.activeID != id {
		// Completion of a response we no longer track (e.g. a cancelled one
		// finishing late). Nothing to release.
		t.mu.Unlock()
		return nil
	}
	t.activeID = ""
	if !t.pending {
		t.mu.Unlock()
		return nil
	}
	t.pending = false

	// Deferred create. Double-check: the slot must still be free.
	if t.activeID != "" {
		t.mu.Unlock()
		return nil
	}
	t.activeID = pendingID
	t.mu.Unlock()

	if err := t.create(); err != nil {
		t.mu.Lock()
		if t.activeID == pendingID {
			t.activeID = ""
		}
		t.mu.Unlock()
		return fmt.Errorf("bridge: deferred response create: %w", err)
	}
	return nil
}

// Active reports whether a response is currently in flight.
func (t *ResponseTracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeID != ""
}

// ActiveID returns the id of the in-flight response, or "" when idle. Returns
// the internal placeholder while a create is sent but not yet acknowledged.
func (t *ResponseTracker) ActiveID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeID
}

// Reset clears all tracker state. Used when the upstream connection is
// replaced mid-call; any in-flight response died with the old connection.
func (t *ResponseTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activeID = ""
	t.pending = false
}
