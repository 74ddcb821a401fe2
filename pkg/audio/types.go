// Package audio implements the media pipeline of the bridge: G.711 codecs,
// sample-rate conversion, inbound chunk accumulation and outbound frame
// sizing. All transforms are pure — a frame entering a stage is consumed and
// replaced, never mutated in place.
package audio

import (
	"time"

	"github.com/voxduct/voxduct/pkg/protocol"
)

// Direction tags which way a frame is flowing through the bridge.
type Direction int

const (
	// Inbound frames travel telephony → upstream.
	Inbound Direction = iota

	// Outbound frames travel upstream → telephony.
	Outbound
)

// String returns "inbound" or "outbound".
func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Frame is one immutable chunk of audio flowing through the pipeline, tagged
// with its wire format, position and direction.
type Frame struct {
	// Data holds the samples in the encoding named by Format.
	Data []byte

	// Format describes the encoding, sample rate and channel count of Data.
	Format protocol.MediaFormat

	// Seq is the per-call, per-direction sequence number. The pipeline
	// preserves sequence order; it never reorders frames.
	Seq uint64

	// Direction records which way the frame is travelling.
	Direction Direction

	// Timestamp marks when the frame was received, relative to stream start.
	Timestamp time.Duration
}

// DurationOf returns the play time of n payload bytes in the given format.
// G.711 encodings carry one byte per sample; PCM16 carries two.
func DurationOf(n int, f protocol.MediaFormat) time.Duration {
	bps := BytesPerSample(f.Encoding)
	if f.SampleRate <= 0 || f.Channels <= 0 || bps <= 0 {
		return 0
	}
	samples := n / (bps * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// BytesForDuration returns the payload size of d play time in the given
// format.
func BytesForDuration(d time.Duration, f protocol.MediaFormat) int {
	bps := BytesPerSample(f.Encoding)
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * bps * f.Channels
}

// BytesPerSample returns the storage size of one sample in the encoding, or
// 0 for encodings the pipeline does not know.
func BytesPerSample(enc protocol.Encoding) int {
	switch enc {
	case protocol.EncodingPCM16:
		return 2
	case protocol.EncodingMulaw, protocol.EncodingAlaw:
		return 1
	}
	return 0
}
