// Package upstream implements the realtime AI transport used on the far side
// of every bridged call.
//
// It maintains a bidirectional WebSocket connection to the realtime endpoint
// and exchanges JSON events: audio is pushed as base64-encoded PCM16 chunks
// via input_audio_buffer.append, finalised with input_audio_buffer.commit,
// and replies are requested with response.create. Server events arrive on a
// channel so callers can select alongside their own work.
package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Compile-time assertion that the live connection satisfies Session.
var _ Session = (*Conn)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// writeTimeout bounds a single WebSocket write so a stalled upstream
	// cannot wedge the bridge's event loop.
	writeTimeout = 5 * time.Second
)

// EventKind classifies a server event.
type EventKind int

const (
	// KindResponseCreated means the AI started generating a reply.
	KindResponseCreated EventKind = iota

	// KindAudioDelta carries one decoded chunk of reply audio (PCM16).
	KindAudioDelta

	// KindResponseDone means the current reply finished (completed or
	// cancelled).
	KindResponseDone

	// KindError carries a non-fatal protocol error reported by the server.
	KindError
)

// Event is one server-side occurrence delivered to the session owner.
type Event struct {
	Kind       EventKind
	ResponseID string
	Audio      []byte
	Message    string
}

// Session is the per-call handle on an upstream connection. The live
// implementation is [Conn]; tests substitute fakes.
//
// A Session is owned by exactly one call at a time. AppendAudio, CommitInput,
// CreateResponse and CancelResponse are called only from the owning bridge's
// event loop.
type Session interface {
	// AppendAudio pushes one PCM16 chunk into the upstream input buffer.
	AppendAudio(pcm []byte) error

	// CommitInput finalises the buffered audio as one user turn.
	CommitInput() error

	// ClearInput discards buffered audio that has not been committed. Used
	// when a turn is dropped as noise.
	ClearInput() error

	// CreateResponse asks the AI to generate a reply to the committed input.
	CreateResponse() error

	// CancelResponse aborts the reply currently being generated.
	CancelResponse() error

	// Events returns the channel of server events. Closed when the
	// connection terminates.
	Events() <-chan Event

	// Ping verifies the transport is alive. Used by the pool's health sweep.
	Ping(ctx context.Context) error

	// Err returns the first error that terminated the connection, or nil.
	Err() error

	// Close tears the connection down. Idempotent.
	Close() error
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the realtime model requested at dial time.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the WebSocket endpoint. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithInstructions sets the system instructions sent in the initial
// session.update.
func WithInstructions(instructions string) Option {
	return func(c *Client) { c.instructions = instructions }
}

// Client dials upstream realtime sessions. Safe for concurrent use; each
// Dial produces an independent connection.
type Client struct {
	apiKey       string
	model        string
	baseURL      string
	instructions string
}

// NewClient creates a Client with the given API key and options.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dial opens a new realtime connection and configures it for raw PCM16 audio
// with server-side turn detection disabled — the bridge runs its own VAD and
// commits turns explicitly.
func (c *Client) Dial(ctx context.Context) (Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", c.baseURL, c.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: dial: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Conn{
		conn:   conn,
		events: make(chan Event, 64),
		ctx:    sessCtx,
		cancel: cancel,
	}

	if err := s.sendSessionUpdate(c.instructions); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("upstream: session update: %w", err)
	}

	go s.receiveLoop()

	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Instructions      string `json:"instructions,omitempty"`
	InputAudioFormat  string `json:"input_audio_format"`
	OutputAudioFormat string `json:"output_audio_format"`
	TurnDetection     any    `json:"turn_detection"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverResponseRef struct {
	ID string `json:"id"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// response.created / response.done
	Response *serverResponseRef `json:"response,omitempty"`

	// response.audio.delta carries the id flat as well
	ResponseID string `json:"response_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── Conn ───────────────────────────────────────────────────────────────────────

// Conn is the live WebSocket-backed Session.
type Conn struct {
	conn   *websocket.Conn
	events chan Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate configures audio formats and disables server-side turn
// detection.
func (s *Conn) sendSessionUpdate(instructions string) error {
	return s.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Instructions:      instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     nil,
		},
	})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *Conn) writeJSON(v any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("upstream: session closed")
	}
	s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("upstream: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.setErr(err)
		return fmt.Errorf("upstream: write: %w", err)
	}
	return nil
}

// receiveLoop reads server events and forwards them on the events channel.
// It owns the channel and closes it on exit.
func (s *Conn) receiveLoop() {
	defer s.closeOnce.Do(func() { close(s.events) })

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(err)
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *Conn) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.created":
		id := ""
		if evt.Response != nil {
			id = evt.Response.ID
		}
		s.deliver(Event{Kind: KindResponseCreated, ResponseID: id})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audio) == 0 {
			return
		}
		s.deliver(Event{Kind: KindAudioDelta, ResponseID: evt.ResponseID, Audio: audio})

	case "response.done":
		id := ""
		if evt.Response != nil {
			id = evt.Response.ID
		}
		s.deliver(Event{Kind: KindResponseDone, ResponseID: id})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.deliver(Event{Kind: KindError, Message: msg})
	}
}

func (s *Conn) deliver(evt Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

func (s *Conn) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── Session methods ────────────────────────────────────────────────────────────

// AppendAudio pushes one raw PCM16 chunk into the upstream input buffer.
func (s *Conn) AppendAudio(pcm []byte) error {
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitInput finalises the buffered audio as one user turn.
func (s *Conn) CommitInput() error {
	return s.writeJSON(typeOnlyMessage{Type: "input_audio_buffer.commit"})
}

// ClearInput discards buffered audio that has not been committed.
func (s *Conn) ClearInput() error {
	return s.writeJSON(typeOnlyMessage{Type: "input_audio_buffer.clear"})
}

// CreateResponse asks for a reply to the committed input.
func (s *Conn) CreateResponse() error {
	return s.writeJSON(typeOnlyMessage{Type: "response.create"})
}

// CancelResponse aborts the reply currently being generated.
func (s *Conn) CancelResponse() error {
	return s.writeJSON(typeOnlyMessage{Type: "response.cancel"})
}

// Events returns the server event channel.
func (s *Conn) Events() <-chan Event { return s.events }

// Ping verifies the transport round-trips.
func (s *Conn) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Err returns the first error that terminated the connection.
func (s *Conn) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close tears the connection down and releases resources. Idempotent.
func (s *Conn) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
