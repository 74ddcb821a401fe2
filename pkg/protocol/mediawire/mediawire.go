// Package mediawire implements the protocol.Adapter for the media-streams
// telephony dialect (vendor A).
//
// The dialect is a JSON-over-WebSocket stream of event-tagged messages:
// "connected" (handshake), "start" (stream metadata), "media" (base64 μ-law
// 8 kHz mono), "stop", "mark" and "dtmf" inbound; "media", "mark" and
// "clear" outbound. There is no per-turn stream signalling — the media flows
// continuously and turn boundaries are the bridge's responsibility — so the
// "start" message expands to session-initiate plus stream-start, and "stop"
// to stream-stop plus session-end.
package mediawire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/voxduct/voxduct/pkg/protocol"
)

// Compile-time assertion that Adapter satisfies protocol.Adapter.
var _ protocol.Adapter = (*Adapter)(nil)

// VendorName identifies this dialect in logs and metrics.
const VendorName = "mediawire"

// WireFormat is the only media format the dialect carries.
var WireFormat = protocol.MediaFormat{
	Encoding:   protocol.EncodingMulaw,
	SampleRate: 8000,
	Channels:   1,
}

// message is the wire envelope for every dialect message, inbound and
// outbound. Only the fields relevant to Event are populated.
type message struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Version        string        `json:"version,omitempty"`
	Start          *startPayload `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Stop           *stopPayload  `json:"stop,omitempty"`
	Mark           *markPayload  `json:"mark,omitempty"`
	DTMF           *dtmfPayload  `json:"dtmf,omitempty"`
}

type startPayload struct {
	AccountSid       string            `json:"accountSid"`
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      mediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type stopPayload struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

type markPayload struct {
	Name string `json:"name"`
}

type dtmfPayload struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

// Adapter translates the media-streams dialect. It remembers the stream and
// call identifiers from the start message, so one instance serves exactly
// one connection.
type Adapter struct {
	streamSid string
	callSid   string
}

// New creates an adapter for one connection.
func New() *Adapter { return &Adapter{} }

// Vendor returns the dialect name.
func (a *Adapter) Vendor() string { return VendorName }

// Decode parses one inbound wire message.
func (a *Adapter) Decode(data []byte) ([]protocol.Event, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("mediawire: decode: %w", err)
	}

	switch msg.Event {
	case "connected":
		// Transport handshake, carries no session state.
		return nil, nil

	case "start":
		if msg.Start == nil {
			return nil, fmt.Errorf("mediawire: start message missing payload")
		}
		a.streamSid = msg.Start.StreamSid
		a.callSid = msg.Start.CallSid

		// The dialect streams media continuously: starting the stream is also
		// the session initiation, and the only format on offer is μ-law 8 kHz.
		initiate := protocol.Event{
			Type:     protocol.TypeSessionInitiate,
			CallID:   a.callSid,
			StreamID: a.streamSid,
			CallerID: msg.Start.AccountSid,
			Formats:  []protocol.MediaFormat{WireFormat},
		}
		start := protocol.Event{
			Type:        protocol.TypeStreamStart,
			CallID:      a.callSid,
			StreamID:    a.streamSid,
			Participant: "caller",
		}
		return []protocol.Event{initiate, start}, nil

	case "media":
		if msg.Media == nil || msg.Media.Payload == "" {
			return nil, nil
		}
		// Only the caller's track reaches the pipeline; the echo track is a
		// copy of our own output.
		if msg.Media.Track != "" && msg.Media.Track != "inbound" {
			return nil, nil
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("mediawire: decode media payload: %w", err)
		}
		return []protocol.Event{{
			Type:    protocol.TypeAudioFrame,
			CallID:  a.callSid,
			Format:  WireFormat,
			Payload: payload,
		}}, nil

	case "stop":
		return []protocol.Event{
			{Type: protocol.TypeStreamStop, CallID: a.callSid, Participant: "caller"},
			{Type: protocol.TypeSessionEnd, CallID: a.callSid, Reason: "normal", ReasonText: "caller stream stopped"},
		}, nil

	case "mark":
		if msg.Mark == nil {
			return nil, nil
		}
		return []protocol.Event{{
			Type:     protocol.TypeMark,
			CallID:   a.callSid,
			MarkName: msg.Mark.Name,
		}}, nil

	case "dtmf":
		if msg.DTMF == nil {
			return nil, nil
		}
		return []protocol.Event{{
			Type:   protocol.TypeDTMF,
			CallID: a.callSid,
			Digit:  msg.DTMF.Digit,
		}}, nil
	}

	return nil, fmt.Errorf("mediawire: %q: %w", msg.Event, protocol.ErrUnknownMessage)
}

// Encode renders a canonical event as wire messages. Events the dialect has
// no wire form for (session.accepted, stream acknowledgements, speech
// notifications, session.end — the socket is simply closed) encode to an
// empty slice.
func (a *Adapter) Encode(evt protocol.Event) ([][]byte, error) {
	switch evt.Type {
	case protocol.TypeAudioFrame:
		if evt.Format != WireFormat {
			return nil, fmt.Errorf("mediawire: encode: frame format %s, dialect requires %s", evt.Format, WireFormat)
		}
		return a.marshal(message{
			Event:     "media",
			StreamSid: a.streamSid,
			Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(evt.Payload)},
		})

	case protocol.TypeMark:
		return a.marshal(message{
			Event:     "mark",
			StreamSid: a.streamSid,
			Mark:      &markPayload{Name: evt.MarkName},
		})

	case protocol.TypeClear:
		return a.marshal(message{
			Event:     "clear",
			StreamSid: a.streamSid,
		})

	case protocol.TypeSessionAccepted,
		protocol.TypeSessionEnd,
		protocol.TypeStreamStarted,
		protocol.TypeStreamStopped,
		protocol.TypeSpeechStarted,
		protocol.TypeSpeechStopped:
		return nil, nil
	}

	return nil, fmt.Errorf("mediawire: encode %q: %w", evt.Type, protocol.ErrUnknownMessage)
}

func (a *Adapter) marshal(msg message) ([][]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("mediawire: marshal %q: %w", msg.Event, err)
	}
	return [][]byte{data}, nil
}
