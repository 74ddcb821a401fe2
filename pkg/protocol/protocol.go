// Package protocol defines the vendor-neutral event set exchanged between the
// telephony side of a call and the bridge core, together with the Adapter
// interface each vendor dialect implements.
//
// Every wire message a vendor socket produces is decoded into an [Event];
// every message the bridge wants to send back is described as an [Event] and
// encoded by the same adapter. The bridge itself never sees vendor JSON.
// Adding a vendor means adding one adapter package, nothing else.
package protocol

import (
	"errors"
	"fmt"
)

// ErrUnknownMessage is returned by Decode when the wire payload is a message
// type the adapter does not recognise. The bridge logs and drops such
// messages rather than failing the call.
var ErrUnknownMessage = errors.New("protocol: unknown message")

// Type identifies a canonical event.
type Type string

const (
	// TypeSessionInitiate is sent by the telephony side to open a call. It
	// carries the caller identity and the media formats the vendor supports.
	TypeSessionInitiate Type = "session.initiate"

	// TypeSessionAccepted is sent to the telephony side once the bridge has
	// leased an upstream connection and negotiated a media format.
	TypeSessionAccepted Type = "session.accepted"

	// TypeSessionEnd flows in both directions and terminates the call. Reason
	// carries a machine-readable code, ReasonText a human-readable detail.
	TypeSessionEnd Type = "session.end"

	// TypeStreamStart / TypeStreamStop bracket one speaking turn on the
	// telephony side.
	TypeStreamStart Type = "stream.start"
	TypeStreamStop  Type = "stream.stop"

	// TypeStreamStarted / TypeStreamStopped acknowledge a turn back to the
	// telephony side.
	TypeStreamStarted Type = "stream.started"
	TypeStreamStopped Type = "stream.stopped"

	// TypeAudioFrame carries media payload in either direction. Format
	// describes the payload encoding on the wire.
	TypeAudioFrame Type = "audio.frame"

	// TypeSpeechStarted / TypeSpeechStopped notify the telephony side of VAD
	// decisions.
	TypeSpeechStarted Type = "speech.started"
	TypeSpeechStopped Type = "speech.stopped"

	// TypeDTMF carries a single DTMF digit pressed by the caller.
	TypeDTMF Type = "dtmf"

	// TypeMark is a vendor synchronisation echo (named checkpoint in the
	// outbound audio stream).
	TypeMark Type = "mark"

	// TypeClear instructs the telephony side to flush any audio it has
	// buffered but not yet played. Sent on barge-in.
	TypeClear Type = "clear"
)

// Encoding names an audio wire encoding.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16"
	EncodingMulaw Encoding = "mulaw"
	EncodingAlaw  Encoding = "alaw"
)

// MediaFormat describes one audio format: encoding, sample rate and channel
// count.
type MediaFormat struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
}

// String returns a compact human-readable description, e.g. "mulaw/8000/1".
func (f MediaFormat) String() string {
	return fmt.Sprintf("%s/%d/%d", f.Encoding, f.SampleRate, f.Channels)
}

// Event is the canonical representation of one protocol message. Only the
// fields relevant to the Type are populated; the rest stay zero.
type Event struct {
	Type Type

	// CallID is the vendor's call correlation identifier.
	CallID string

	// StreamID is the vendor's media-stream identifier where the dialect
	// distinguishes it from the call (vendor A does, vendor B does not).
	StreamID string

	// CallerID identifies the calling party on session.initiate.
	CallerID string

	// Participant names the speaking party for stream and speech events.
	Participant string

	// Formats lists the media formats offered on session.initiate.
	Formats []MediaFormat

	// Format is the negotiated format on session.accepted, or the payload
	// format on audio.frame.
	Format MediaFormat

	// Payload is the raw audio bytes of an audio.frame, already stripped of
	// any transport encoding (base64 etc.) but still in the wire codec.
	Payload []byte

	// Reason and ReasonText describe why a session.end happened.
	Reason     string
	ReasonText string

	// Digit is the DTMF digit for dtmf events.
	Digit string

	// MarkName is the checkpoint label for mark events.
	MarkName string
}

// Adapter translates between one vendor's wire dialect and canonical events.
//
// Decode returns the canonical events one wire message expands to: zero for
// housekeeping messages the bridge has no use for, more than one where a
// single vendor message implies several canonical transitions (vendor A's
// stream start both initiates the session and starts audio). Unrecognised
// message types return ErrUnknownMessage, possibly wrapped.
//
// Encode returns the wire messages expressing one canonical event: an empty
// slice when the dialect has no wire form for it, several where the dialect
// needs framing messages around the payload.
//
// Adapters carry per-connection state (stream identifiers learned from the
// handshake), so one adapter instance serves exactly one call and must not be
// shared.
type Adapter interface {
	// Vendor returns the dialect name used in logs and metrics.
	Vendor() string

	// Decode parses one inbound wire message into canonical events.
	Decode(data []byte) ([]Event, error)

	// Encode renders a canonical event as outbound wire messages.
	Encode(evt Event) ([][]byte, error)
}
