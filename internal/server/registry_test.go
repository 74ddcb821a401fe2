package server

import (
	"context"
	"testing"
	"time"

	"github.com/voxduct/voxduct/internal/bridge"
	"github.com/voxduct/voxduct/pkg/protocol"
)

// idleAdapter is a dialect that never produces or accepts wire messages. Good
// enough for bridges that only need to exist and tear down.
type idleAdapter struct{}

func (idleAdapter) Vendor() string                          { return "test" }
func (idleAdapter) Decode([]byte) ([]protocol.Event, error) { return nil, nil }
func (idleAdapter) Encode(protocol.Event) ([][]byte, error) { return nil, nil }

// runIdleBridge starts a bridge whose call ends when cancel is called.
func runIdleBridge(t *testing.T) (*bridge.Bridge, context.CancelFunc) {
	t.Helper()
	b := bridge.New(idleAdapter{}, nil, nil, nil, nil, nil, bridge.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = b.Run(ctx) }()
	t.Cleanup(cancel)
	return b, cancel
}

func TestRegistry_AddRemoveCount(t *testing.T) {
	r := NewRegistry()
	if r.Count() != 0 {
		t.Fatalf("count = %d, want 0", r.Count())
	}

	b1, _ := runIdleBridge(t)
	b2, _ := runIdleBridge(t)

	r.Add(b1)
	r.Add(b2)
	if r.Count() != 2 {
		t.Errorf("count = %d, want 2", r.Count())
	}

	r.Remove(b1)
	if r.Count() != 1 {
		t.Errorf("count = %d after remove, want 1", r.Count())
	}

	// Removing an unregistered bridge is a no-op.
	r.Remove(b1)
	if r.Count() != 1 {
		t.Errorf("count = %d after double remove, want 1", r.Count())
	}
}

func TestRegistry_DrainWaitsForBridges(t *testing.T) {
	r := NewRegistry()
	b, cancel := runIdleBridge(t)
	r.Add(b)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	ctx, cancelDrain := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelDrain()
	if remaining := r.Drain(ctx); remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
}

func TestRegistry_DrainGivesUpOnDeadline(t *testing.T) {
	r := NewRegistry()
	b, _ := runIdleBridge(t)
	r.Add(b)

	ctx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancelDrain()
	if remaining := r.Drain(ctx); remaining != 1 {
		t.Errorf("remaining = %d, want 1", remaining)
	}
}
