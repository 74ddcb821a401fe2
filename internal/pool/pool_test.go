package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxduct/voxduct/pkg/upstream"
)

// fakeSession is a no-op upstream.Session for pool tests.
type fakeSession struct {
	mu     sync.Mutex
	closed bool
	err    error
	events chan upstream.Event
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan upstream.Event)}
}

func (s *fakeSession) AppendAudio([]byte) error       { return nil }
func (s *fakeSession) CommitInput() error             { return nil }
func (s *fakeSession) ClearInput() error              { return nil }
func (s *fakeSession) CreateResponse() error          { return nil }
func (s *fakeSession) CancelResponse() error          { return nil }
func (s *fakeSession) Events() <-chan upstream.Event  { return s.events }
func (s *fakeSession) Ping(ctx context.Context) error { return nil }

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// countingDialer tracks sessions handed out.
type countingDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
}

func (d *countingDialer) dial(context.Context) (upstream.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	s := newFakeSession()
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *countingDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func TestPool_LeaseDialsAndReuses(t *testing.T) {
	d := &countingDialer{}
	p := New(d.dial, Config{MaxSize: 2})
	defer p.Close()

	c1, err := p.Lease(context.Background())
	if err != nil {
		t.Fatalf("first lease: %v", err)
	}
	if d.count() != 1 {
		t.Fatalf("dials = %d, want 1", d.count())
	}

	p.Release(c1)

	c2, err := p.Lease(context.Background())
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if c2 != c1 {
		t.Error("released connection was not reused")
	}
	if d.count() != 1 {
		t.Errorf("dials = %d after reuse, want 1", d.count())
	}
}

func TestPool_ExhaustionFailsAfterWait(t *testing.T) {
	d := &countingDialer{}
	p := New(d.dial, Config{MaxSize: 1, LeaseWait: 50 * time.Millisecond})
	defer p.Close()

	if _, err := p.Lease(context.Background()); err != nil {
		t.Fatalf("first lease: %v", err)
	}

	start := time.Now()
	_, err := p.Lease(context.Background())
	if !errors.Is(err, ErrNoHealthyConnection) {
		t.Fatalf("err = %v, want ErrNoHealthyConnection", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("lease failed after %v, should have waited ~50ms", elapsed)
	}
}

func TestPool_ReleaseWakesWaiter(t *testing.T) {
	d := &countingDialer{}
	p := New(d.dial, Config{MaxSize: 1, LeaseWait: 2 * time.Second})
	defer p.Close()

	c1, err := p.Lease(context.Background())
	if err != nil {
		t.Fatalf("first lease: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		p.Release(c1)
	}()

	start := time.Now()
	c2, err := p.Lease(context.Background())
	if err != nil {
		t.Fatalf("waiting lease: %v", err)
	}
	if c2 != c1 {
		t.Error("waiter did not get the released connection")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("waiter unblocked after %v, expected ~30ms", elapsed)
	}
}

func TestPool_SessionCapRetiresConnection(t *testing.T) {
	d := &countingDialer{}
	p := New(d.dial, Config{MaxSize: 2, SessionCap: 2})
	defer p.Close()

	// Two leases exhaust the cap; the release after the second retires it.
	for i := 0; i < 2; i++ {
		c, err := p.Lease(context.Background())
		if err != nil {
			t.Fatalf("lease %d: %v", i, err)
		}
		p.Release(c)
	}
	if d.count() != 1 {
		t.Fatalf("dials = %d, want 1", d.count())
	}
	if !d.sessions[0].isClosed() {
		t.Error("capped connection was not closed on release")
	}

	// The next lease needs a fresh connection.
	if _, err := p.Lease(context.Background()); err != nil {
		t.Fatalf("lease after retire: %v", err)
	}
	if d.count() != 2 {
		t.Errorf("dials = %d, want 2", d.count())
	}
}

func TestPool_UnhealthyRetiredOnRelease(t *testing.T) {
	d := &countingDialer{}
	p := New(d.dial, Config{MaxSize: 2})
	defer p.Close()

	c, err := p.Lease(context.Background())
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	c.MarkUnhealthy()
	p.Release(c)

	if !d.sessions[0].isClosed() {
		t.Error("unhealthy connection was not closed on release")
	}
	if s := p.Stats(); s.Total != 0 {
		t.Errorf("total = %d after retire, want 0", s.Total)
	}
}

func TestPool_DialFailure(t *testing.T) {
	d := &countingDialer{err: errors.New("connection refused")}
	p := New(d.dial, Config{MaxSize: 2})
	defer p.Close()

	_, err := p.Lease(context.Background())
	if !errors.Is(err, ErrNoHealthyConnection) {
		t.Fatalf("err = %v, want ErrNoHealthyConnection", err)
	}
}

func TestPool_LeaseContextCancelled(t *testing.T) {
	d := &countingDialer{}
	p := New(d.dial, Config{MaxSize: 1, LeaseWait: 10 * time.Second})
	defer p.Close()

	if _, err := p.Lease(context.Background()); err != nil {
		t.Fatalf("first lease: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Lease(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context deadline", err)
	}
}

func TestPool_Stats(t *testing.T) {
	d := &countingDialer{}
	p := New(d.dial, Config{MaxSize: 3})
	defer p.Close()

	c1, err := p.Lease(context.Background())
	if err != nil {
		t.Fatalf("lease 1: %v", err)
	}
	c2, err := p.Lease(context.Background())
	if err != nil {
		t.Fatalf("lease 2: %v", err)
	}
	p.Release(c2)

	s := p.Stats()
	if s.Total != 2 || s.Healthy != 2 || s.Leased != 1 {
		t.Errorf("stats = %+v, want total 2, healthy 2, leased 1", s)
	}
	if s.SessionsServed != 2 {
		t.Errorf("sessions served = %d, want 2", s.SessionsServed)
	}
	_ = c1
}

func TestPool_Close(t *testing.T) {
	d := &countingDialer{}
	p := New(d.dial, Config{MaxSize: 2})

	c, err := p.Lease(context.Background())
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	p.Release(c)

	if err := p.Healthy(); err != nil {
		t.Errorf("Healthy before close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !d.sessions[0].isClosed() {
		t.Error("pooled session not closed on pool close")
	}

	if _, err := p.Lease(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("lease after close = %v, want ErrClosed", err)
	}
	if err := p.Healthy(); !errors.Is(err, ErrClosed) {
		t.Errorf("Healthy after close = %v, want ErrClosed", err)
	}

	// Double close is a no-op.
	if err := p.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestSweep_SkipsLeasedConnection(t *testing.T) {
	d := &countingDialer{}
	p := New(d.dial, Config{MaxSize: 1, MaxAge: time.Millisecond, SweepInterval: time.Hour})
	defer p.Close()

	c, err := p.Lease(context.Background())
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// The connection is past MaxAge but mid-call; the sweep must leave it
	// alone rather than close the session under the lease.
	p.sweep(context.Background())
	if d.sessions[0].isClosed() {
		t.Fatal("sweep closed a leased connection")
	}
	if s := p.Stats(); s.Total != 1 {
		t.Fatalf("total = %d after sweep, want 1", s.Total)
	}

	// Once released it is fair game.
	p.Release(c)
	p.sweep(context.Background())
	if !d.sessions[0].isClosed() {
		t.Error("sweep did not retire an aged-out idle connection")
	}
	if s := p.Stats(); s.Total != 0 {
		t.Errorf("total = %d after sweep, want 0", s.Total)
	}
}

func TestLease_SkipsRetiringConnection(t *testing.T) {
	d := &countingDialer{}
	p := New(d.dial, Config{MaxSize: 2})
	defer p.Close()

	c1, err := p.Lease(context.Background())
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	p.Release(c1)

	// The sweep claims a connection for removal by setting retiring under its
	// lock; from that point Lease must not hand it out again.
	c1.mu.Lock()
	c1.retiring = true
	c1.mu.Unlock()

	c2, err := p.Lease(context.Background())
	if err != nil {
		t.Fatalf("lease after retire claim: %v", err)
	}
	if c2 == c1 {
		t.Fatal("leased a connection already claimed for removal")
	}
	if d.count() != 2 {
		t.Errorf("dials = %d, want 2 (fresh connection for the second lease)", d.count())
	}
}
