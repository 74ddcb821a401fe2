package audio

import (
	"bytes"
	"testing"

	"github.com/voxduct/voxduct/pkg/protocol"
)

func TestSilenceByte(t *testing.T) {
	tests := []struct {
		enc  protocol.Encoding
		want byte
	}{
		{protocol.EncodingMulaw, 0xFF},
		{protocol.EncodingAlaw, 0xD5},
		{protocol.EncodingPCM16, 0x00},
	}
	for _, tt := range tests {
		if got := SilenceByte(tt.enc); got != tt.want {
			t.Errorf("SilenceByte(%s) = %#x, want %#x", tt.enc, got, tt.want)
		}
	}
}

func TestLinearZeroCompandsToSilence(t *testing.T) {
	if got := LinearToMulaw(0); got != 0xFF {
		t.Errorf("LinearToMulaw(0) = %#x, want 0xFF", got)
	}
	if got := LinearToAlaw(0); got != 0xD5 {
		t.Errorf("LinearToAlaw(0) = %#x, want 0xD5", got)
	}
}

func TestMulawRoundTrip(t *testing.T) {
	for _, s := range []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000, 32635} {
		rt := MulawToLinear(LinearToMulaw(s))
		diff := int32(rt) - int32(s)
		if diff < 0 {
			diff = -diff
		}
		// μ-law quantisation error grows with the segment.
		bound := abs32(int32(s))/8 + 140
		if diff > bound {
			t.Errorf("μ-law round trip of %d = %d, error %d exceeds %d", s, rt, diff, bound)
		}
	}
}

func TestAlawRoundTrip(t *testing.T) {
	for _, s := range []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000, 32635} {
		rt := AlawToLinear(LinearToAlaw(s))
		diff := int32(rt) - int32(s)
		if diff < 0 {
			diff = -diff
		}
		bound := abs32(int32(s))/8 + 140
		if diff > bound {
			t.Errorf("A-law round trip of %d = %d, error %d exceeds %d", s, rt, diff, bound)
		}
	}
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func TestDecodeG711(t *testing.T) {
	in := []byte{0xFF, 0x7F, 0x00}
	out, err := DecodeG711(in, protocol.EncodingMulaw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 6 {
		t.Fatalf("output length = %d, want 6", len(out))
	}
	// 0xFF is companded silence; the first sample must expand to zero.
	if s := int16(out[0]) | int16(out[1])<<8; s != 0 {
		t.Errorf("silence byte expanded to %d, want 0", s)
	}

	if _, err := DecodeG711(in, protocol.EncodingPCM16); err == nil {
		t.Error("expected error for PCM16 input")
	}
}

func TestEncodeG711(t *testing.T) {
	pcm := []byte{0x00, 0x00, 0xE8, 0x03} // 0, 1000
	out, err := EncodeG711(pcm, protocol.EncodingAlaw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("output length = %d, want 2", len(out))
	}
	if out[0] != 0xD5 {
		t.Errorf("companded zero = %#x, want 0xD5", out[0])
	}

	if _, err := EncodeG711([]byte{0x01}, protocol.EncodingMulaw); err == nil {
		t.Error("expected error for odd byte count")
	}
	if _, err := EncodeG711(pcm, protocol.EncodingPCM16); err == nil {
		t.Error("expected error for PCM16 target")
	}
}

func TestSilence(t *testing.T) {
	if got := Silence(4, protocol.EncodingMulaw); !bytes.Equal(got, []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Errorf("μ-law silence = %v", got)
	}
	if got := Silence(2, protocol.EncodingAlaw); !bytes.Equal(got, []byte{0xD5, 0xD5}) {
		t.Errorf("A-law silence = %v", got)
	}
	if got := Silence(2, protocol.EncodingPCM16); !bytes.Equal(got, []byte{0x00, 0x00}) {
		t.Errorf("PCM16 silence = %v", got)
	}
}
