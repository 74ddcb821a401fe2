// Package voicegate implements the protocol.Adapter for the voicegate
// telephony dialect (vendor B).
//
// The dialect is a JSON-over-WebSocket exchange of type-tagged messages with
// explicit session negotiation and per-turn stream signalling:
// session.initiate offers a list of media formats and the bridge answers
// with session.accepted naming the chosen one; each caller turn is bracketed
// by userStream.start/userStream.stop (acknowledged with
// userStream.started/userStream.stopped) and carries base64 audio in
// userStream.chunk messages. Audio played to the caller flows in a
// playStream bracketed the same way. Out-of-band signals (hangup, DTMF,
// speech notifications) travel as activity lists.
package voicegate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/voxduct/voxduct/pkg/protocol"
)

// Compile-time assertion that Adapter satisfies protocol.Adapter.
var _ protocol.Adapter = (*Adapter)(nil)

// VendorName identifies this dialect in logs and metrics.
const VendorName = "voicegate"

// Wire names of the media formats the dialect can negotiate.
const (
	formatLPCM16 = "raw/lpcm16"
	formatMulaw  = "raw/mulaw"
	formatAlaw   = "raw/alaw"
)

// wireFormats maps dialect format names to canonical media formats.
var wireFormats = map[string]protocol.MediaFormat{
	formatLPCM16: {Encoding: protocol.EncodingPCM16, SampleRate: 16000, Channels: 1},
	formatMulaw:  {Encoding: protocol.EncodingMulaw, SampleRate: 8000, Channels: 1},
	formatAlaw:   {Encoding: protocol.EncodingAlaw, SampleRate: 8000, Channels: 1},
}

// message is the wire envelope for every dialect message.
type message struct {
	Type                  string     `json:"type"`
	ConversationID        string     `json:"conversationId,omitempty"`
	Caller                string     `json:"caller,omitempty"`
	SupportedMediaFormats []string   `json:"supportedMediaFormats,omitempty"`
	MediaFormat           string     `json:"mediaFormat,omitempty"`
	AudioChunk            string     `json:"audioChunk,omitempty"`
	StreamID              string     `json:"streamId,omitempty"`
	ReasonCode            string     `json:"reasonCode,omitempty"`
	Reason                string     `json:"reason,omitempty"`
	Activities            []activity `json:"activities,omitempty"`
	Participant           string     `json:"participant,omitempty"`
}

type activity struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// Adapter translates the voicegate dialect. It remembers the conversation id
// and the negotiated media format, and tracks whether a playStream is open,
// so one instance serves exactly one connection.
type Adapter struct {
	conversationID string
	negotiated     protocol.MediaFormat
	negotiatedName string

	playing bool
	playID  string
}

// New creates an adapter for one connection.
func New() *Adapter { return &Adapter{} }

// Vendor returns the dialect name.
func (a *Adapter) Vendor() string { return VendorName }

// Decode parses one inbound wire message.
func (a *Adapter) Decode(data []byte) ([]protocol.Event, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("voicegate: decode: %w", err)
	}

	switch msg.Type {
	case "session.initiate":
		a.conversationID = msg.ConversationID
		var formats []protocol.MediaFormat
		for _, name := range msg.SupportedMediaFormats {
			if f, ok := wireFormats[name]; ok {
				formats = append(formats, f)
			}
		}
		return []protocol.Event{{
			Type:     protocol.TypeSessionInitiate,
			CallID:   a.conversationID,
			CallerID: msg.Caller,
			Formats:  formats,
		}}, nil

	case "userStream.start":
		return []protocol.Event{{
			Type:        protocol.TypeStreamStart,
			CallID:      a.conversationID,
			Participant: participantOrCaller(msg.Participant),
		}}, nil

	case "userStream.chunk":
		if msg.AudioChunk == "" {
			return nil, nil
		}
		payload, err := base64.StdEncoding.DecodeString(msg.AudioChunk)
		if err != nil {
			return nil, fmt.Errorf("voicegate: decode audio chunk: %w", err)
		}
		return []protocol.Event{{
			Type:    protocol.TypeAudioFrame,
			CallID:  a.conversationID,
			Format:  a.negotiated,
			Payload: payload,
		}}, nil

	case "userStream.stop":
		return []protocol.Event{{
			Type:        protocol.TypeStreamStop,
			CallID:      a.conversationID,
			Participant: participantOrCaller(msg.Participant),
		}}, nil

	case "session.end":
		reason := msg.ReasonCode
		if reason == "" {
			reason = "client-ended"
		}
		return []protocol.Event{{
			Type:       protocol.TypeSessionEnd,
			CallID:     a.conversationID,
			Reason:     reason,
			ReasonText: msg.Reason,
		}}, nil

	case "activities":
		return a.decodeActivities(msg.Activities)
	}

	return nil, fmt.Errorf("voicegate: %q: %w", msg.Type, protocol.ErrUnknownMessage)
}

// decodeActivities maps activity entries onto canonical events. Unknown
// activity names are skipped rather than failing the whole message.
func (a *Adapter) decodeActivities(acts []activity) ([]protocol.Event, error) {
	var events []protocol.Event
	for _, act := range acts {
		if act.Type != "event" {
			continue
		}
		switch act.Name {
		case "hangup", "disconnect":
			events = append(events, protocol.Event{
				Type:       protocol.TypeSessionEnd,
				CallID:     a.conversationID,
				Reason:     "hangup",
				ReasonText: "caller hung up",
			})
		case "dtmf":
			events = append(events, protocol.Event{
				Type:   protocol.TypeDTMF,
				CallID: a.conversationID,
				Digit:  act.Value,
			})
		}
	}
	return events, nil
}

// Encode renders a canonical event as wire messages.
func (a *Adapter) Encode(evt protocol.Event) ([][]byte, error) {
	switch evt.Type {
	case protocol.TypeSessionAccepted:
		name, err := wireFormatName(evt.Format)
		if err != nil {
			return nil, err
		}
		a.negotiated = evt.Format
		a.negotiatedName = name
		return a.marshal(message{Type: "session.accepted", MediaFormat: name})

	case protocol.TypeSessionEnd:
		msgs, err := a.closePlayStream()
		if err != nil {
			return nil, err
		}
		end, err := a.marshal(message{
			Type:       "session.end",
			ReasonCode: evt.Reason,
			Reason:     evt.ReasonText,
		})
		if err != nil {
			return nil, err
		}
		return append(msgs, end...), nil

	case protocol.TypeStreamStarted:
		return a.marshal(message{Type: "userStream.started"})

	case protocol.TypeStreamStopped:
		return a.marshal(message{Type: "userStream.stopped"})

	case protocol.TypeAudioFrame:
		if evt.Format != a.negotiated {
			return nil, fmt.Errorf("voicegate: encode: frame format %s, negotiated %s", evt.Format, a.negotiated)
		}
		chunk := message{
			Type:       "playStream.chunk",
			AudioChunk: base64.StdEncoding.EncodeToString(evt.Payload),
		}
		if !a.playing {
			// First chunk of a reply opens a fresh play stream.
			a.playing = true
			a.playID = uuid.NewString()
			chunk.StreamID = a.playID
			start, err := a.marshal(message{Type: "playStream.start", StreamID: a.playID, MediaFormat: a.negotiatedName})
			if err != nil {
				return nil, err
			}
			rest, err := a.marshal(chunk)
			if err != nil {
				return nil, err
			}
			return append(start, rest...), nil
		}
		chunk.StreamID = a.playID
		return a.marshal(chunk)

	case protocol.TypeClear:
		return a.closePlayStream()

	case protocol.TypeSpeechStarted:
		return a.activityEvent("speechStarted")

	case protocol.TypeSpeechStopped:
		return a.activityEvent("speechStopped")

	case protocol.TypeMark:
		// The dialect has no mark checkpointing.
		return nil, nil
	}

	return nil, fmt.Errorf("voicegate: encode %q: %w", evt.Type, protocol.ErrUnknownMessage)
}

// closePlayStream emits playStream.stop when a stream is open.
func (a *Adapter) closePlayStream() ([][]byte, error) {
	if !a.playing {
		return nil, nil
	}
	a.playing = false
	return a.marshal(message{Type: "playStream.stop", StreamID: a.playID})
}

func (a *Adapter) activityEvent(name string) ([][]byte, error) {
	return a.marshal(message{
		Type:       "activities",
		Activities: []activity{{Type: "event", Name: name}},
	})
}

func (a *Adapter) marshal(msg message) ([][]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("voicegate: marshal %q: %w", msg.Type, err)
	}
	return [][]byte{data}, nil
}

// wireFormatName reverse-maps a canonical format onto its dialect name.
func wireFormatName(f protocol.MediaFormat) (string, error) {
	for name, wf := range wireFormats {
		if wf == f {
			return name, nil
		}
	}
	return "", fmt.Errorf("voicegate: no wire name for format %s", f)
}

func participantOrCaller(p string) string {
	if p == "" {
		return "caller"
	}
	return p
}
