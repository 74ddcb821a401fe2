package audio

import (
	"testing"
	"time"

	"github.com/voxduct/voxduct/pkg/protocol"
)

var (
	mulaw8k = protocol.MediaFormat{Encoding: protocol.EncodingMulaw, SampleRate: 8000, Channels: 1}
	alaw8k  = protocol.MediaFormat{Encoding: protocol.EncodingAlaw, SampleRate: 8000, Channels: 1}
	pcm16k  = protocol.MediaFormat{Encoding: protocol.EncodingPCM16, SampleRate: 16000, Channels: 1}
	pcm24k  = protocol.MediaFormat{Encoding: protocol.EncodingPCM16, SampleRate: 24000, Channels: 1}
)

func mulawFrame(n int) Frame {
	return Frame{Data: Silence(n, protocol.EncodingMulaw), Format: mulaw8k}
}

func TestNewInboundPath_Validation(t *testing.T) {
	if _, err := NewInboundPath(mulaw8k, mulaw8k, 100*time.Millisecond); err == nil {
		t.Error("expected error for non-PCM16 upstream format")
	}
	bad := protocol.MediaFormat{Encoding: "opus", SampleRate: 48000, Channels: 1}
	if _, err := NewInboundPath(bad, pcm24k, 100*time.Millisecond); err == nil {
		t.Error("expected error for unsupported source encoding")
	}
	if _, err := NewInboundPath(mulaw8k, pcm24k, 0); err == nil {
		t.Error("expected error for zero chunk duration")
	}
}

func TestInboundPath_Chunking(t *testing.T) {
	p, err := NewInboundPath(mulaw8k, pcm24k, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 20 ms μ-law frames resample to 960 bytes of 24 kHz PCM16 each; five of
	// them fill one 100 ms chunk exactly.
	for i := 0; i < 4; i++ {
		chunks, err := p.Push(mulawFrame(160))
		if err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
		if len(chunks) != 0 {
			t.Fatalf("push %d produced %d chunks, want 0", i, len(chunks))
		}
	}
	chunks, err := p.Push(mulawFrame(160))
	if err != nil {
		t.Fatalf("final push: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if len(chunks[0]) != 4800 {
		t.Errorf("chunk size = %d bytes, want 4800", len(chunks[0]))
	}
	if got := p.TurnDuration(); got != 100*time.Millisecond {
		t.Errorf("TurnDuration = %v, want 100ms", got)
	}
}

func TestInboundPath_FormatMismatch(t *testing.T) {
	p, err := NewInboundPath(mulaw8k, pcm24k, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.Push(Frame{Data: Silence(160, protocol.EncodingAlaw), Format: alaw8k}); err == nil {
		t.Error("expected error for frame in the wrong format")
	}
}

func TestInboundPath_FlushPadsButCountsRealAudio(t *testing.T) {
	p, err := NewInboundPath(mulaw8k, pcm24k, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 40 ms of audio, then flush.
	for i := 0; i < 2; i++ {
		if _, err := p.Push(mulawFrame(160)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	chunk := p.Flush()
	if len(chunk) != 4800 {
		t.Fatalf("flushed chunk = %d bytes, want 4800", len(chunk))
	}
	for i := 1920; i < len(chunk); i++ {
		if chunk[i] != 0 {
			t.Fatalf("padding byte %d = %#x, want 0", i, chunk[i])
		}
	}
	// The silence padding must not count toward the turn.
	if got := p.TurnDuration(); got != 40*time.Millisecond {
		t.Errorf("TurnDuration = %v, want 40ms", got)
	}

	if p.Flush() != nil {
		t.Error("second flush should return nil")
	}
}

func TestInboundPath_TurnDurationBoundary(t *testing.T) {
	// 1600 samples at 16 kHz resample to exactly 100 ms at 24 kHz; one sample
	// less lands just under. The commit decision hinges on this distinction.
	tests := []struct {
		name       string
		srcSamples int
		atLeast    bool
	}{
		{"exactly 100ms", 1600, true},
		{"one sample short", 1599, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewInboundPath(pcm16k, pcm24k, 100*time.Millisecond)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			frame := Frame{Data: make([]byte, tt.srcSamples*2), Format: pcm16k}
			if _, err := p.Push(frame); err != nil {
				t.Fatalf("push: %v", err)
			}
			p.Flush()
			got := p.TurnDuration() >= 100*time.Millisecond
			if got != tt.atLeast {
				t.Errorf("TurnDuration = %v, want >= 100ms: %v", p.TurnDuration(), tt.atLeast)
			}
		})
	}
}

func TestInboundPath_Reset(t *testing.T) {
	p, err := NewInboundPath(mulaw8k, pcm24k, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.Push(mulawFrame(160)); err != nil {
		t.Fatalf("push: %v", err)
	}
	p.Reset()
	if got := p.TurnDuration(); got != 0 {
		t.Errorf("TurnDuration after reset = %v, want 0", got)
	}
	if p.Flush() != nil {
		t.Error("flush after reset should return nil")
	}
}

func TestNewOutboundPath_Validation(t *testing.T) {
	if _, err := NewOutboundPath(mulaw8k, mulaw8k, 20*time.Millisecond); err == nil {
		t.Error("expected error for non-PCM16 upstream format")
	}
	bad := protocol.MediaFormat{Encoding: "opus", SampleRate: 8000, Channels: 1}
	if _, err := NewOutboundPath(pcm24k, bad, 20*time.Millisecond); err == nil {
		t.Error("expected error for unsupported wire encoding")
	}
}

func TestOutboundPath_Framing(t *testing.T) {
	p, err := NewOutboundPath(pcm24k, mulaw8k, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 480 samples at 24 kHz downsample to one 20 ms μ-law frame.
	frames, err := p.Push(make([]byte, 960))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if len(frames[0]) != 160 {
		t.Errorf("frame size = %d bytes, want 160", len(frames[0]))
	}
}

func TestOutboundPath_FlushPadsWithSilence(t *testing.T) {
	tests := []struct {
		name    string
		dst     protocol.MediaFormat
		padding byte
	}{
		{"mulaw", mulaw8k, 0xFF},
		{"alaw", alaw8k, 0xD5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewOutboundPath(pcm24k, tt.dst, 20*time.Millisecond)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			// 10 ms of input leaves half a frame buffered.
			frames, err := p.Push(make([]byte, 480))
			if err != nil {
				t.Fatalf("push: %v", err)
			}
			if len(frames) != 0 {
				t.Fatalf("got %d frames before flush, want 0", len(frames))
			}

			frame := p.Flush()
			if len(frame) != 160 {
				t.Fatalf("flushed frame = %d bytes, want 160", len(frame))
			}
			for i := 80; i < len(frame); i++ {
				if frame[i] != tt.padding {
					t.Fatalf("padding byte %d = %#x, want %#x", i, frame[i], tt.padding)
				}
			}
		})
	}
}

func TestOutboundPath_OddInput(t *testing.T) {
	p, err := NewOutboundPath(pcm24k, mulaw8k, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.Push([]byte{0x01}); err == nil {
		t.Error("expected error for odd byte count")
	}
}

func TestOutboundPath_Reset(t *testing.T) {
	p, err := NewOutboundPath(pcm24k, mulaw8k, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.Push(make([]byte, 480)); err != nil {
		t.Fatalf("push: %v", err)
	}
	p.Reset()
	if p.Flush() != nil {
		t.Error("flush after reset should return nil")
	}
}

func TestQualityScore(t *testing.T) {
	if got := QualityScore(nil); got != 0 {
		t.Errorf("empty buffer score = %v, want 0", got)
	}
	if got := QualityScore(make([]byte, 320)); got != 0 {
		t.Errorf("silence score = %v, want 0", got)
	}

	// Alternating ±8000 is well above the speech floor and unclipped.
	speech := make([]int16, 160)
	for i := range speech {
		if i%2 == 0 {
			speech[i] = 8000
		} else {
			speech[i] = -8000
		}
	}
	if got := QualityScore(int16ToBytes(speech)); got < 0.99 {
		t.Errorf("loud clean score = %v, want ~1", got)
	}

	// Fully clipped audio scores zero despite high energy.
	clipped := make([]int16, 160)
	for i := range clipped {
		clipped[i] = 32767
	}
	if got := QualityScore(int16ToBytes(clipped)); got != 0 {
		t.Errorf("clipped score = %v, want 0", got)
	}
}
