// Package recording persists call lifecycle records for audit and billing.
//
// The bridge reports lifecycle points (call started, turn committed, DTMF,
// call ended) through the [Recorder] interface. The Postgres implementation
// buffers entries on a channel and writes them from a background goroutine,
// so a slow or unreachable database never blocks the media path; when the
// buffer fills, the oldest entry is dropped and counted.
package recording

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Kind labels one recorded lifecycle point.
type Kind string

const (
	KindCallStarted   Kind = "call_started"
	KindTurnCommitted Kind = "turn_committed"
	KindDTMF          Kind = "dtmf"
	KindCallEnded     Kind = "call_ended"
)

// Entry is one recorded lifecycle point.
type Entry struct {
	CallID string
	Vendor string
	Kind   Kind

	// Detail carries the kind-specific payload: caller id for call_started,
	// digit for dtmf, end reason for call_ended.
	Detail string

	// Duration is the turn length for turn_committed and the call length for
	// call_ended.
	Duration time.Duration

	At time.Time
}

// Recorder receives call lifecycle entries. Implementations must not block
// the caller; the bridge invokes these from its media event loop.
type Recorder interface {
	Record(e Entry)
	Close(ctx context.Context) error
}

// ── No-op ──────────────────────────────────────────────────────────────────────

// Nop discards all entries. Used when recording is not configured.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) Record(Entry) {}

func (Nop) Close(context.Context) error { return nil }

// ── Postgres ───────────────────────────────────────────────────────────────────

// Compile-time assertion that Postgres satisfies Recorder.
var _ Recorder = (*Postgres)(nil)

const (
	// bufferSize bounds how many entries may be queued before the writer
	// catches up.
	bufferSize = 1024

	insertSQL = `INSERT INTO call_events (call_id, vendor, kind, detail, duration_ms, at)
	VALUES ($1, $2, $3, $4, $5, $6)`

	// schemaSQL is idempotent and applied on every start.
	schemaSQL = `
CREATE TABLE IF NOT EXISTS call_events (
	id          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	call_id     TEXT NOT NULL,
	vendor      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS call_events_call_id_idx ON call_events (call_id);
`
)

// Postgres writes entries to a call_events table through a pgx pool.
type Postgres struct {
	db      *pgxpool.Pool
	entries chan Entry
	stop    chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int64
}

// NewPostgres connects to the database, ensures the schema exists and starts
// the background writer.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("recording: connect: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("recording: ping: %w", err)
	}
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("recording: migrate: %w", err)
	}

	p := &Postgres{
		db:      db,
		entries: make(chan Entry, bufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.writeLoop()
	return p, nil
}

// Record enqueues an entry. When the buffer is full the oldest queued entry
// is dropped to make room, so the newest data survives a backlog.
func (p *Postgres) Record(e Entry) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if e.At.IsZero() {
		e.At = time.Now()
	}

	for {
		select {
		case p.entries <- e:
			return
		case <-p.stop:
			return
		default:
		}
		select {
		case old := <-p.entries:
			p.mu.Lock()
			p.dropped++
			dropped := p.dropped
			p.mu.Unlock()
			slog.Warn("recording: buffer full, dropped oldest entry",
				"call_id", old.CallID, "kind", old.Kind, "total_dropped", dropped)
		default:
		}
	}
}

// writeLoop drains the entry channel into the database. The channel is never
// closed (writers race shutdown); the stop signal ends the loop after a final
// drain of whatever is already queued.
func (p *Postgres) writeLoop() {
	defer close(p.done)

	for {
		select {
		case e := <-p.entries:
			p.insert(e)
		case <-p.stop:
			for {
				select {
				case e := <-p.entries:
					p.insert(e)
				default:
					return
				}
			}
		}
	}
}

func (p *Postgres) insert(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := p.db.Exec(ctx, insertSQL,
		e.CallID, e.Vendor, string(e.Kind), e.Detail, e.Duration.Milliseconds(), e.At)
	if err != nil {
		slog.Error("recording: insert failed",
			"call_id", e.CallID, "kind", e.Kind, "err", err)
	}
}

// Dropped returns how many entries were discarded due to a full buffer.
func (p *Postgres) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Healthy reports whether the database answers a ping. Used by the readiness
// probe.
func (p *Postgres) Healthy(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Close drains queued entries and closes the database pool. Bounded by ctx.
func (p *Postgres) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	select {
	case <-p.done:
	case <-ctx.Done():
		p.db.Close()
		return fmt.Errorf("recording: close: %w", ctx.Err())
	}
	p.db.Close()
	return nil
}
