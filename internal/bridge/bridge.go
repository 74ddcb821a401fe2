// Package bridge runs one telephony call against one upstream realtime
// session.
//
// A Bridge owns the full per-call state: the session state machine, the
// audio paths in both directions, the voice activity detector and the
// response lifecycle tracker. All of it is touched from a single event loop
// goroutine that drains two sources — canonical events decoded from the
// telephony socket and server events from the upstream session — so no
// per-call state needs locking beyond what the tracker does for its own
// invariant.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxduct/voxduct/internal/observe"
	"github.com/voxduct/voxduct/internal/pool"
	"github.com/voxduct/voxduct/internal/recording"
	"github.com/voxduct/voxduct/pkg/audio"
	"github.com/voxduct/voxduct/pkg/protocol"
	"github.com/voxduct/voxduct/pkg/upstream"
	"github.com/voxduct/voxduct/pkg/vad"
)

// State is the call's position in its lifecycle.
type State int

const (
	// StateIdle is the initial state before session.initiate arrives.
	StateIdle State = iota

	// StateInitiating covers format negotiation and the pool lease.
	StateInitiating

	// StateActive is the steady state: media flows in both directions.
	StateActive

	// StateEnding covers teardown: session.end sent, grace drain running.
	StateEnding

	// StateClosed is terminal; all resources are released.
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiating:
		return "initiating"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StreamState tracks the caller's user stream within an active call. Frames
// are only accepted while the stream is open, and the open/close signals are
// acknowledged exactly once.
type StreamState int

const (
	// StreamIdle means no user stream is open.
	StreamIdle StreamState = iota

	// StreamOpen means stream.start has been acknowledged and caller audio
	// is flowing.
	StreamOpen
)

// String returns the human-readable name of the stream state.
func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds the per-call tuning knobs. Zero fields are replaced with the
// defaults documented on each field.
type Config struct {
	// UpstreamRate is the PCM16 sample rate the upstream expects. Default: 24000.
	UpstreamRate int

	// ChunkDuration is the size of upstream audio appends. Default: 100ms.
	ChunkDuration time.Duration

	// FrameDuration is the size of outbound telephony frames. Default: 20ms.
	FrameDuration time.Duration

	// MinCommit is the shortest turn the upstream accepts; turns under it are
	// dropped instead of committed. Default: 100ms.
	MinCommit time.Duration

	// IdleTimeout force-ends a call with no telephony traffic. Default: 60s.
	IdleTimeout time.Duration

	// HangupGrace bounds how long teardown waits for in-flight reply audio
	// to finish playing before the socket is dropped. Default: 3s.
	HangupGrace time.Duration

	// VAD configures the voice activity detector.
	VAD vad.Config
}

func (c Config) withDefaults() Config {
	if c.UpstreamRate <= 0 {
		c.UpstreamRate = 24000
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 100 * time.Millisecond
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.MinCommit <= 0 {
		c.MinCommit = 100 * time.Millisecond
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.HangupGrace <= 0 {
		c.HangupGrace = 3 * time.Second
	}
	return c
}

// SendFunc writes wire messages to the telephony socket.
type SendFunc func(ctx context.Context, msgs [][]byte) error

// Bridge orchestrates one call. Create with New, feed wire data through
// HandleWire from the socket reader, and drive it with Run from its own
// goroutine.
type Bridge struct {
	adapter    protocol.Adapter
	send       SendFunc
	pool       *pool.Pool
	recorder   recording.Recorder
	metrics    *observe.Metrics
	classifier vad.Classifier
	cfg        Config

	events chan protocol.Event
	done   chan struct{}

	// Everything below is owned by the Run goroutine.
	state      State
	stream     StreamState
	callID     string
	negotiated protocol.MediaFormat
	conn       *pool.Conn
	sess       upstream.Session
	detector   *vad.Detector
	tracker    *ResponseTracker
	inbound    *audio.InboundPath
	outbound   *audio.OutboundPath

	startedAt    time.Time
	activated    bool
	audioClock   time.Duration
	playing      bool
	discardReply bool
	reconnected  bool
	endReason    string
}

// New creates a bridge for one telephony connection. classifier may be nil to
// use the energy heuristic.
func New(adapter protocol.Adapter, send SendFunc, p *pool.Pool, rec recording.Recorder, m *observe.Metrics, classifier vad.Classifier, cfg Config) *Bridge {
	if rec == nil {
		rec = recording.Nop{}
	}
	return &Bridge{
		adapter:    adapter,
		send:       send,
		pool:       p,
		recorder:   rec,
		metrics:    m,
		classifier: classifier,
		cfg:        cfg.withDefaults(),
		events:     make(chan protocol.Event, 256),
		done:       make(chan struct{}),
	}
}

// HandleWire decodes one wire message from the telephony socket and queues
// the resulting canonical events for the run loop. Called from the socket
// reader goroutine. Unknown message types are dropped, not fatal.
func (b *Bridge) HandleWire(data []byte) {
	events, err := b.adapter.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownMessage) {
			slog.Debug("dropping unknown wire message", "vendor", b.adapter.Vendor(), "err", err)
			return
		}
		slog.Warn("dropping malformed wire message", "vendor", b.adapter.Vendor(), "err", err)
		return
	}
	for _, evt := range events {
		select {
		case b.events <- evt:
		case <-b.done:
			return
		}
	}
}

// InputClosed signals that the telephony socket reader has finished. The run
// loop ends the call if it is still open.
func (b *Bridge) InputClosed() {
	select {
	case b.events <- protocol.Event{Type: protocol.TypeSessionEnd, Reason: "transport-closed", ReasonText: "telephony socket closed"}:
	case <-b.done:
	}
}

// Done is closed when the call has fully torn down.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// CallID returns the vendor call identifier, or "" before session.initiate.
func (b *Bridge) CallID() string { return b.callID }

// Run drives the call to completion. It returns after teardown; cancelling
// ctx ends the call with a shutdown reason.
func (b *Bridge) Run(ctx context.Context) error {
	defer close(b.done)

	idle := time.NewTimer(b.cfg.IdleTimeout)
	defer idle.Stop()

	for b.state != StateClosed {
		select {
		case evt := <-b.events:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(b.cfg.IdleTimeout)
			b.handleTelephony(ctx, evt)

		case uevt, ok := <-b.upstreamEvents():
			if !ok {
				b.handleUpstreamDrop(ctx)
				continue
			}
			b.handleUpstream(ctx, uevt)

		case <-idle.C:
			slog.Info("call idle timeout", "call_id", b.callID)
			b.endCall(ctx, "idle-timeout", "no media received")

		case <-ctx.Done():
			b.endCall(context.WithoutCancel(ctx), "shutdown", "server shutting down")
		}
	}
	return nil
}

// upstreamEvents returns the upstream event channel, or a nil channel (which
// blocks forever) before a session is leased.
func (b *Bridge) upstreamEvents() <-chan upstream.Event {
	if b.sess == nil {
		return nil
	}
	return b.sess.Events()
}

// transition moves the state machine and records the move.
func (b *Bridge) transition(ctx context.Context, to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	slog.Debug("call state transition", "call_id", b.callID, "from", from.String(), "to", to.String())
	if b.metrics != nil {
		b.metrics.RecordStateTransition(ctx, from.String(), to.String())
	}
}

// ── Telephony events ───────────────────────────────────────────────────────────

func (b *Bridge) handleTelephony(ctx context.Context, evt protocol.Event) {
	switch evt.Type {
	case protocol.TypeSessionInitiate:
		b.onInitiate(ctx, evt)

	case protocol.TypeStreamStart:
		if b.state != StateActive || b.stream != StreamIdle {
			slog.Debug("dropping stream.start",
				"call_id", b.callID, "state", b.state.String(), "stream", b.stream.String())
			return
		}
		b.stream = StreamOpen
		b.sendEvent(ctx, protocol.Event{Type: protocol.TypeStreamStarted})

	case protocol.TypeAudioFrame:
		b.onInboundFrame(ctx, evt)

	case protocol.TypeStreamStop:
		if b.state != StateActive || b.stream != StreamOpen {
			slog.Debug("dropping stream.stop",
				"call_id", b.callID, "state", b.state.String(), "stream", b.stream.String())
			return
		}
		b.stream = StreamIdle
		b.sendEvent(ctx, protocol.Event{Type: protocol.TypeStreamStopped})
		// Explicit turn boundary from the vendor overrides the detector.
		if b.detector.Active() {
			b.detector.Reset()
		}
		b.endTurn(ctx)

	case protocol.TypeDTMF:
		slog.Info("dtmf received", "call_id", b.callID, "digit", evt.Digit)
		b.recorder.Record(recording.Entry{
			CallID: b.callID, Vendor: b.adapter.Vendor(),
			Kind: recording.KindDTMF, Detail: evt.Digit,
		})

	case protocol.TypeMark:
		slog.Debug("mark echoed", "call_id", b.callID, "mark", evt.MarkName)

	case protocol.TypeSessionEnd:
		b.endCall(ctx, evt.Reason, evt.ReasonText)

	default:
		slog.Debug("ignoring telephony event", "call_id", b.callID, "type", string(evt.Type))
	}
}

// onInitiate negotiates a media format, leases an upstream connection and
// moves the call to active.
func (b *Bridge) onInitiate(ctx context.Context, evt protocol.Event) {
	if b.state != StateIdle {
		slog.Warn("duplicate session.initiate", "call_id", b.callID)
		return
	}
	b.callID = evt.CallID
	b.startedAt = time.Now()
	b.transition(ctx, StateInitiating)

	format, err := negotiateFormat(evt.Formats)
	if err != nil {
		slog.Error("format negotiation failed", "call_id", b.callID, "err", err)
		b.sendEvent(ctx, protocol.Event{Type: protocol.TypeSessionEnd, Reason: "no-common-format", ReasonText: err.Error()})
		b.teardown(ctx, "no-common-format")
		return
	}
	b.negotiated = format

	leaseStart := time.Now()
	conn, err := b.pool.Lease(ctx)
	leaseWait := time.Since(leaseStart)
	if b.metrics != nil {
		b.metrics.LeaseWaitDuration.Record(ctx, leaseWait.Seconds())
	}
	if err != nil {
		slog.Error("no upstream connection for call", "call_id", b.callID, "err", err)
		b.sendEvent(ctx, protocol.Event{Type: protocol.TypeSessionEnd, Reason: "capacity", ReasonText: "no upstream capacity"})
		b.teardown(ctx, "capacity")
		return
	}
	b.conn = conn
	b.sess = conn.Session()

	if err := b.buildPaths(); err != nil {
		slog.Error("audio path setup failed", "call_id", b.callID, "err", err)
		b.sendEvent(ctx, protocol.Event{Type: protocol.TypeSessionEnd, Reason: "internal-error", ReasonText: "audio path setup failed"})
		b.teardown(ctx, "internal-error")
		return
	}

	b.detector = vad.New(b.classifier, b.cfg.VAD)
	b.tracker = NewResponseTracker(b.sess.CreateResponse, func() {
		if b.metrics != nil {
			b.metrics.ResponseConflicts.Add(ctx, 1)
		}
	})

	b.sendEvent(ctx, protocol.Event{Type: protocol.TypeSessionAccepted, Format: format})
	b.transition(ctx, StateActive)

	b.activated = true
	if b.metrics != nil {
		b.metrics.ActiveCalls.Add(ctx, 1)
	}
	b.recorder.Record(recording.Entry{
		CallID: b.callID, Vendor: b.adapter.Vendor(),
		Kind: recording.KindCallStarted, Detail: evt.CallerID,
	})
	slog.Info("call active",
		"call_id", b.callID,
		"vendor", b.adapter.Vendor(),
		"format", format.String(),
		"conn_id", conn.ID,
		"lease_wait", leaseWait)
}

// buildPaths creates the audio paths for the negotiated format.
func (b *Bridge) buildPaths() error {
	up := protocol.MediaFormat{Encoding: protocol.EncodingPCM16, SampleRate: b.cfg.UpstreamRate, Channels: 1}

	in, err := audio.NewInboundPath(b.negotiated, up, b.cfg.ChunkDuration)
	if err != nil {
		return err
	}
	out, err := audio.NewOutboundPath(up, b.negotiated, b.cfg.FrameDuration)
	if err != nil {
		return err
	}
	b.inbound, b.outbound = in, out
	return nil
}

// negotiateFormat picks the best offered media format: PCM16 over G.711,
// higher sample rate over lower.
func negotiateFormat(offered []protocol.MediaFormat) (protocol.MediaFormat, error) {
	best := protocol.MediaFormat{}
	bestScore := -1
	for _, f := range offered {
		if f.Channels != 1 || audio.BytesPerSample(f.Encoding) == 0 {
			continue
		}
		score := f.SampleRate
		if f.Encoding == protocol.EncodingPCM16 {
			score += 1_000_000
		}
		if score > bestScore {
			best, bestScore = f, score
		}
	}
	if bestScore < 0 {
		return best, fmt.Errorf("bridge: no supported format among %v", offered)
	}
	return best, nil
}

// onInboundFrame pushes one caller frame through the inbound path and the
// detector.
func (b *Bridge) onInboundFrame(ctx context.Context, evt protocol.Event) {
	if b.state != StateActive || b.stream != StreamOpen {
		slog.Debug("dropping frame outside an open stream",
			"call_id", b.callID, "state", b.state.String(), "stream", b.stream.String())
		return
	}
	if b.metrics != nil {
		b.metrics.RecordAudioFrame(ctx, b.adapter.Vendor(), "inbound")
	}

	frame := audio.Frame{Data: evt.Payload, Format: evt.Format, Direction: audio.Inbound}
	chunks, err := b.inbound.Push(frame)
	if err != nil {
		slog.Warn("dropping inbound frame", "call_id", b.callID, "err", err)
		return
	}
	for _, chunk := range chunks {
		if err := b.sess.AppendAudio(chunk); err != nil {
			b.onUpstreamWriteError(ctx, err)
			return
		}
	}

	// The detector runs on the decoded frame, stamped with the stream clock
	// so its timeouts track audio time rather than wall time.
	pcm, err := decodeFramePCM(evt.Payload, evt.Format.Encoding)
	if err != nil {
		slog.Warn("cannot decode frame for detection", "call_id", b.callID, "err", err)
		return
	}
	b.audioClock += audio.DurationOf(len(evt.Payload), evt.Format)
	res := b.detector.Process(pcm, b.audioClock)

	switch res.Decision {
	case vad.DecisionStart:
		b.onSpeechStart(ctx)
	case vad.DecisionStop:
		b.onSpeechStop(ctx, res.Forced)
	case vad.DecisionDiscard:
		b.onSpeechDiscard(ctx)
	}
}

// decodeFramePCM converts a wire frame payload to PCM16 for the detector.
func decodeFramePCM(payload []byte, enc protocol.Encoding) ([]byte, error) {
	if enc == protocol.EncodingPCM16 {
		return payload, nil
	}
	return audio.DecodeG711(payload, enc)
}

// onSpeechStart notifies the vendor and, when the AI is mid-reply, barges in:
// the in-flight response is cancelled and buffered playback flushed.
func (b *Bridge) onSpeechStart(ctx context.Context) {
	if b.metrics != nil {
		b.metrics.RecordVADEvent(ctx, "start")
	}
	b.sendEvent(ctx, protocol.Event{Type: protocol.TypeSpeechStarted, Participant: "caller"})

	if !b.playing {
		return
	}
	slog.Info("caller barge-in, cancelling reply", "call_id", b.callID)
	if err := b.sess.CancelResponse(); err != nil {
		b.onUpstreamWriteError(ctx, err)
		return
	}
	b.outbound.Reset()
	b.playing = false
	// Deltas for the cancelled response may still be in flight; playing them
	// would undo the clear below.
	b.discardReply = true
	b.sendEvent(ctx, protocol.Event{Type: protocol.TypeClear})
}

// onSpeechStop closes the caller turn and commits it upstream.
func (b *Bridge) onSpeechStop(ctx context.Context, forced bool) {
	if b.metrics != nil {
		b.metrics.RecordVADEvent(ctx, "stop")
	}
	if forced {
		slog.Debug("speech segment force-stopped", "call_id", b.callID)
	}
	b.sendEvent(ctx, protocol.Event{Type: protocol.TypeSpeechStopped, Participant: "caller"})
	b.endTurn(ctx)
}

// onSpeechDiscard drops a too-short segment without a stop event or commit.
func (b *Bridge) onSpeechDiscard(ctx context.Context) {
	if b.metrics != nil {
		b.metrics.RecordVADEvent(ctx, "discard")
	}
	slog.Debug("discarding short speech segment", "call_id", b.callID, "buffered", b.inbound.TurnDuration())
	if err := b.sess.ClearInput(); err != nil {
		b.onUpstreamWriteError(ctx, err)
		return
	}
	b.inbound.Reset()
}

// endTurn flushes the turn buffer and commits it as one user turn, unless it
// is under the upstream's minimum audio requirement.
func (b *Bridge) endTurn(ctx context.Context) {
	if tail := b.inbound.Flush(); tail != nil {
		if err := b.sess.AppendAudio(tail); err != nil {
			b.onUpstreamWriteError(ctx, err)
			return
		}
	}

	turn := b.inbound.TurnDuration()
	if turn == 0 {
		return
	}
	if turn < b.cfg.MinCommit {
		slog.Debug("skipping undersized commit",
			"call_id", b.callID, "turn", turn, "minimum", b.cfg.MinCommit)
		if b.metrics != nil {
			b.metrics.CommitsSkipped.Add(ctx, 1)
		}
		if err := b.sess.ClearInput(); err != nil {
			b.onUpstreamWriteError(ctx, err)
			return
		}
		b.inbound.Reset()
		return
	}

	if err := b.sess.CommitInput(); err != nil {
		b.onUpstreamWriteError(ctx, err)
		return
	}
	b.inbound.Reset()
	b.recorder.Record(recording.Entry{
		CallID: b.callID, Vendor: b.adapter.Vendor(),
		Kind: recording.KindTurnCommitted, Duration: turn,
	})

	if err := b.tracker.OnLocalInputReady(); err != nil {
		b.onUpstreamWriteError(ctx, err)
	}
}

// ── Upstream events ────────────────────────────────────────────────────────────

func (b *Bridge) handleUpstream(ctx context.Context, evt upstream.Event) {
	switch evt.Kind {
	case upstream.KindResponseCreated:
		b.tracker.OnResponseStarted(evt.ResponseID)
		b.discardReply = false
		b.playing = true

	case upstream.KindAudioDelta:
		if b.discardReply {
			slog.Debug("dropping audio delta of cancelled reply", "call_id", b.callID)
			return
		}
		b.playing = true
		frames, err := b.outbound.Push(evt.Audio)
		if err != nil {
			slog.Warn("dropping reply audio delta", "call_id", b.callID, "err", err)
			return
		}
		for _, f := range frames {
			b.sendFrame(ctx, f)
		}

	case upstream.KindResponseDone:
		if b.discardReply {
			// Tail of the cancelled reply; the tracker still needs the
			// completion to dispatch a pending response.
			b.discardReply = false
			if err := b.tracker.OnResponseCompleted(evt.ResponseID); err != nil {
				b.onUpstreamWriteError(ctx, err)
			}
			return
		}
		if tail := b.outbound.Flush(); tail != nil {
			b.sendFrame(ctx, tail)
		}
		b.playing = false
		b.sendEvent(ctx, protocol.Event{Type: protocol.TypeMark, MarkName: "reply-end"})
		if err := b.tracker.OnResponseCompleted(evt.ResponseID); err != nil {
			b.onUpstreamWriteError(ctx, err)
		}

	case upstream.KindError:
		slog.Warn("upstream reported error", "call_id", b.callID, "message", evt.Message)
	}
}

// sendFrame encodes one outbound wire frame and writes it to the telephony
// socket.
func (b *Bridge) sendFrame(ctx context.Context, frame []byte) {
	if b.metrics != nil {
		b.metrics.RecordAudioFrame(ctx, b.adapter.Vendor(), "outbound")
	}
	b.sendEvent(ctx, protocol.Event{
		Type:    protocol.TypeAudioFrame,
		Format:  b.negotiated,
		Payload: frame,
	})
}

// sendEvent encodes a canonical event and writes the resulting wire messages.
// A transport write failure ends the call.
func (b *Bridge) sendEvent(ctx context.Context, evt protocol.Event) {
	msgs, err := b.adapter.Encode(evt)
	if err != nil {
		slog.Warn("cannot encode outbound event", "call_id", b.callID, "type", string(evt.Type), "err", err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	if err := b.send(ctx, msgs); err != nil {
		slog.Warn("telephony write failed", "call_id", b.callID, "err", err)
		if b.state == StateActive {
			b.teardown(ctx, "transport-error")
		}
	}
}

// ── Upstream failure handling ──────────────────────────────────────────────────

// onUpstreamWriteError marks the connection bad and either replaces it or
// ends the call.
func (b *Bridge) onUpstreamWriteError(ctx context.Context, err error) {
	slog.Warn("upstream write failed", "call_id", b.callID, "err", err)
	b.conn.MarkUnhealthy()
	b.handleUpstreamDrop(ctx)
}

// handleUpstreamDrop reacts to the upstream connection dying mid-call. When
// no audio is in flight in either direction the bridge replaces the
// connection once; otherwise resuming would lose caller audio or leave the
// reply truncated, so the call ends.
func (b *Bridge) handleUpstreamDrop(ctx context.Context) {
	if b.state != StateActive {
		if b.state == StateInitiating || b.state == StateIdle {
			b.endCall(ctx, "upstream-disconnected", "upstream connection lost")
		}
		return
	}

	inFlight := b.playing || b.inbound.TurnDuration() > 0 || b.tracker.Active()
	if b.reconnected || inFlight {
		b.endCall(ctx, "upstream-disconnected", "upstream connection lost")
		return
	}

	slog.Info("replacing dropped upstream connection", "call_id", b.callID, "old_conn_id", b.conn.ID)
	b.conn.MarkUnhealthy()
	b.pool.Release(b.conn)
	b.conn, b.sess = nil, nil

	conn, err := b.pool.Lease(ctx)
	if err != nil {
		slog.Error("reconnect lease failed", "call_id", b.callID, "err", err)
		b.endCall(ctx, "upstream-disconnected", "upstream reconnect failed")
		return
	}
	b.conn = conn
	b.sess = conn.Session()
	b.tracker = NewResponseTracker(b.sess.CreateResponse, func() {
		if b.metrics != nil {
			b.metrics.ResponseConflicts.Add(ctx, 1)
		}
	})
	b.reconnected = true
	if b.metrics != nil {
		b.metrics.UpstreamReconnects.Add(ctx, 1)
	}
}

// ── Teardown ───────────────────────────────────────────────────────────────────

// endCall sends session.end to the vendor, drains in-flight reply audio for
// the grace period, and releases everything.
func (b *Bridge) endCall(ctx context.Context, reason, text string) {
	if b.state == StateEnding || b.state == StateClosed {
		return
	}
	b.transition(ctx, StateEnding)
	b.endReason = reason

	// Let a reply that is mid-playback finish, bounded by the grace period.
	if b.sess != nil && b.playing {
		b.drainReply(ctx)
	}

	b.sendEvent(ctx, protocol.Event{Type: protocol.TypeSessionEnd, Reason: reason, ReasonText: text})
	b.teardown(ctx, reason)
}

// drainReply forwards remaining reply audio until the response completes or
// the grace period expires.
func (b *Bridge) drainReply(ctx context.Context) {
	grace := time.NewTimer(b.cfg.HangupGrace)
	defer grace.Stop()

	for b.playing {
		select {
		case evt, ok := <-b.sess.Events():
			if !ok {
				b.playing = false
				return
			}
			b.handleUpstream(ctx, evt)
		case <-grace.C:
			slog.Debug("hangup grace expired with reply unfinished", "call_id", b.callID)
			return
		}
	}
}

// teardown releases the lease and closes the call. Idempotent.
func (b *Bridge) teardown(ctx context.Context, reason string) {
	if b.state == StateClosed {
		return
	}

	if b.conn != nil {
		if b.sess != nil && b.sess.Err() != nil {
			b.conn.MarkUnhealthy()
		}
		b.pool.Release(b.conn)
		b.conn, b.sess = nil, nil
	}

	if b.activated {
		dur := time.Since(b.startedAt)
		if b.metrics != nil {
			b.metrics.ActiveCalls.Add(ctx, -1)
			b.metrics.CallDuration.Record(ctx, dur.Seconds())
		}
		b.recorder.Record(recording.Entry{
			CallID: b.callID, Vendor: b.adapter.Vendor(),
			Kind: recording.KindCallEnded, Detail: reason, Duration: dur,
		})
		slog.Info("call ended", "call_id", b.callID, "reason", reason, "duration", dur)
	}

	b.transition(ctx, StateClosed)
}
