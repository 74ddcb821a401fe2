// Package pool manages the set of upstream realtime connections shared by
// all calls.
//
// Bridges lease a connection for the duration of one call and release it
// afterwards; the pool reuses released connections until they age out, idle
// out, accumulate their session cap, or fail. A background sweep retires
// connections that can no longer serve calls — only ever connections with no
// active lease. Dialing is guarded by a resilience.DialGuard so a refusing
// endpoint rejects calls quickly instead of stacking dial timeouts.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxduct/voxduct/internal/resilience"
	"github.com/voxduct/voxduct/pkg/upstream"
)

// ErrNoHealthyConnection is returned by Lease when no connection can serve
// the call: the pool is at capacity with every connection leased, or dialing
// a fresh one failed.
var ErrNoHealthyConnection = errors.New("pool: no healthy upstream connection available")

// ErrClosed is returned by Lease after Close.
var ErrClosed = errors.New("pool: closed")

// Dialer opens one new upstream session.
type Dialer func(ctx context.Context) (upstream.Session, error)

// Config holds the pool's tuning knobs. Zero fields are replaced with the
// defaults documented on each field.
type Config struct {
	// MaxSize caps the number of simultaneously open connections.
	// Default: 10.
	MaxSize int

	// SessionCap is how many calls one connection may serve before it is
	// retired. Bounds per-connection state accumulation on the remote side.
	// Default: 20.
	SessionCap int

	// MaxAge retires a connection this long after it was dialed. Default: 30m.
	MaxAge time.Duration

	// MaxIdle retires a connection unleased for this long. Default: 5m.
	MaxIdle time.Duration

	// SweepInterval is the health sweep period. Default: 30s.
	SweepInterval time.Duration

	// LeaseWait bounds how long Lease blocks for a connection to free up
	// when the pool is at capacity. Default: 2s.
	LeaseWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 10
	}
	if c.SessionCap <= 0 {
		c.SessionCap = 20
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 30 * time.Minute
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.LeaseWait <= 0 {
		c.LeaseWait = 2 * time.Second
	}
	return c
}

// Stats is a snapshot of pool state for monitoring.
type Stats struct {
	// Total is the number of open connections, leased or not.
	Total int

	// Healthy is how many of those are marked healthy.
	Healthy int

	// Leased is how many are currently assigned to a call.
	Leased int

	// SessionsServed is the lifetime count of leases handed out.
	SessionsServed int64
}

// Conn wraps one pooled upstream session. At most one call holds a Conn at a
// time; the pool retains ownership for reuse decisions.
type Conn struct {
	// ID identifies the connection in logs and metrics.
	ID string

	sess      upstream.Session
	createdAt time.Time

	mu             sync.Mutex
	lastUsed       time.Time
	healthy        bool
	leased         bool
	retiring       bool
	sessionsServed int
}

// Session returns the underlying upstream session.
func (c *Conn) Session() upstream.Session { return c.sess }

// MarkUnhealthy flags the connection so the pool retires it once the current
// lease ends. Called by a bridge after a failed I/O operation.
func (c *Conn) MarkUnhealthy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = false
}

// retired reports whether the connection may take another lease. Caller must
// hold c.mu.
func (c *Conn) retiredLocked(cap int) bool {
	return c.retiring || !c.healthy || c.sessionsServed >= cap || c.sess.Err() != nil
}

// Pool owns all upstream connections. Safe for concurrent use.
type Pool struct {
	cfg   Config
	dial  Dialer
	guard *resilience.DialGuard

	mu     sync.Mutex
	conns  []*Conn
	closed bool
	served int64

	// released is signalled (non-blocking) whenever a lease ends, waking
	// Lease callers waiting at capacity.
	released chan struct{}

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New creates a pool and starts its health sweep.
func New(dial Dialer, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:       cfg,
		dial:      dial,
		guard:     resilience.NewDialGuard(resilience.Config{}),
		released:  make(chan struct{}, 1),
		sweepDone: make(chan struct{}),
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	p.sweepCancel = cancel
	go p.sweepLoop(sweepCtx)

	return p
}

// Lease returns a connection for one call. It prefers an existing healthy
// connection, dials a new one when under MaxSize, and otherwise waits up to
// LeaseWait for a release before failing with ErrNoHealthyConnection.
func (p *Pool) Lease(ctx context.Context) (*Conn, error) {
	deadline := time.Now().Add(p.cfg.LeaseWait)

	for {
		conn, canDial, err := p.tryLease()
		if err != nil {
			return nil, err
		}
		if conn != nil {
			return conn, nil
		}

		if canDial {
			conn, err := p.dialNew(ctx)
			if err != nil {
				return nil, err
			}
			if conn != nil {
				return conn, nil
			}
			// Lost the size race to a concurrent dial; fall through to wait.
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, fmt.Errorf("%w: pool at capacity (%d)", ErrNoHealthyConnection, p.cfg.MaxSize)
		}
		timer := time.NewTimer(wait)
		select {
		case <-p.released:
			timer.Stop()
		case <-timer.C:
			return nil, fmt.Errorf("%w: pool at capacity (%d)", ErrNoHealthyConnection, p.cfg.MaxSize)
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// tryLease attempts to grab an existing connection. Returns the leased
// connection, or whether the caller may dial a new one.
func (p *Pool) tryLease() (*Conn, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, ErrClosed
	}

	for _, c := range p.conns {
		c.mu.Lock()
		if !c.leased && !c.retiredLocked(p.cfg.SessionCap) {
			c.leased = true
			c.sessionsServed++
			c.lastUsed = time.Now()
			c.mu.Unlock()
			p.served++
			return c, false, nil
		}
		c.mu.Unlock()
	}

	return nil, len(p.conns) < p.cfg.MaxSize, nil
}

// dialNew opens a connection through the dial guard and leases it.
// Returns (nil, nil) if the pool filled up while dialing.
func (p *Pool) dialNew(ctx context.Context) (*Conn, error) {
	if err := p.guard.Allow(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoHealthyConnection, err)
	}
	sess, err := p.dial(ctx)
	if err != nil {
		p.guard.Failure()
		return nil, fmt.Errorf("%w: %v", ErrNoHealthyConnection, err)
	}
	p.guard.Success()

	now := time.Now()
	conn := &Conn{
		ID:             uuid.NewString(),
		sess:           sess,
		createdAt:      now,
		lastUsed:       now,
		healthy:        true,
		leased:         true,
		sessionsServed: 1,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = sess.Close()
		return nil, ErrClosed
	}
	if len(p.conns) >= p.cfg.MaxSize {
		p.mu.Unlock()
		_ = sess.Close()
		return nil, nil
	}
	p.conns = append(p.conns, conn)
	p.served++
	p.mu.Unlock()

	slog.Debug("pool: dialed new upstream connection", "conn_id", conn.ID)
	return conn, nil
}

// Release returns a connection after a call ends. Retired connections are
// closed and dropped; healthy ones become available for the next lease.
func (p *Pool) Release(c *Conn) {
	c.mu.Lock()
	c.leased = false
	c.lastUsed = time.Now()
	retire := c.retiredLocked(p.cfg.SessionCap)
	c.mu.Unlock()

	if retire {
		p.remove(c)
		slog.Debug("pool: retired connection on release",
			"conn_id", c.ID, "sessions_served", c.sessionsServed)
	}

	select {
	case p.released <- struct{}{}:
	default:
	}
}

// remove drops c from the pool and closes it.
func (p *Pool) remove(c *Conn) {
	p.mu.Lock()
	for i, pc := range p.conns {
		if pc == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	_ = c.sess.Close()
}

// sweepLoop periodically retires unleased connections that are unhealthy,
// remote-closed, too old, or idle too long.
func (p *Pool) sweepLoop(ctx context.Context) {
	defer close(p.sweepDone)

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	candidates := make([]*Conn, len(p.conns))
	copy(candidates, p.conns)
	p.mu.Unlock()

	for _, c := range candidates {
		c.mu.Lock()
		if c.leased {
			c.mu.Unlock()
			continue
		}
		reason := ""
		switch {
		case !c.healthy:
			reason = "unhealthy"
		case c.sess.Err() != nil:
			reason = "remote closed"
		case now.Sub(c.createdAt) > p.cfg.MaxAge:
			reason = "max age"
		case now.Sub(c.lastUsed) > p.cfg.MaxIdle:
			reason = "max idle"
		}
		if reason != "" {
			// Claimed under c.mu while unleased, so a concurrent Lease
			// cannot grab the connection before remove closes it.
			c.retiring = true
		}
		c.mu.Unlock()

		if reason == "" {
			// Probe the transport; a dead socket with no read pending would
			// otherwise linger until MaxIdle.
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := c.sess.Ping(pingCtx)
			cancel()
			if err == nil {
				continue
			}
			// A lease may have started while the ping ran. If so, mark the
			// connection bad and let Release retire it instead of closing
			// the session under an active call.
			c.mu.Lock()
			c.healthy = false
			if c.leased {
				c.mu.Unlock()
				slog.Warn("pool: ping failed on connection leased mid-sweep", "conn_id", c.ID)
				continue
			}
			c.retiring = true
			c.mu.Unlock()
			reason = "ping failed"
		}

		p.remove(c)
		slog.Info("pool: swept connection", "conn_id", c.ID, "reason", reason)
	}
}

// Stats returns a snapshot for monitoring.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Total: len(p.conns), SessionsServed: p.served}
	for _, c := range p.conns {
		c.mu.Lock()
		if c.healthy && c.sess.Err() == nil {
			s.Healthy++
		}
		if c.leased {
			s.Leased++
		}
		c.mu.Unlock()
	}
	return s
}

// Healthy reports whether the pool can serve leases. Used by the readiness
// probe.
func (p *Pool) Healthy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

// Close stops the sweep and closes every connection. Lease fails with
// ErrClosed afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	p.sweepCancel()
	<-p.sweepDone

	var errs []error
	for _, c := range conns {
		if err := c.sess.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
