package audio

import (
	"bytes"
	"testing"
)

func constPCM(n int, v int16) []byte {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return int16ToBytes(s)
}

func TestResampleMono16_SameRate(t *testing.T) {
	in := constPCM(100, 1234)
	out := ResampleMono16(in, 8000, 8000)
	if !bytes.Equal(out, in) {
		t.Error("same-rate resample should return the input unchanged")
	}
}

func TestResampleMono16_Lengths(t *testing.T) {
	tests := []struct {
		name       string
		srcSamples int
		srcRate    int
		dstRate    int
		want       int
	}{
		{"8k to 16k doubles", 160, 8000, 16000, 320},
		{"8k to 24k triples", 160, 8000, 24000, 480},
		{"24k to 8k thirds", 480, 24000, 8000, 160},
		{"16k to 24k", 1600, 16000, 24000, 2400},
		{"16k to 24k one sample short", 1599, 16000, 24000, 2398},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ResampleMono16(constPCM(tt.srcSamples, 100), tt.srcRate, tt.dstRate)
			if got := len(out) / 2; got != tt.want {
				t.Errorf("got %d samples, want %d", got, tt.want)
			}
		})
	}
}

func TestResampleMono16_UpsamplePreservesConstant(t *testing.T) {
	out := bytesToInt16(ResampleMono16(constPCM(160, 1000), 8000, 24000))
	for i, s := range out {
		if s != 1000 {
			t.Fatalf("sample %d = %d, want 1000", i, s)
		}
	}
}

func TestResampleMono16_DownsamplePreservesDC(t *testing.T) {
	out := bytesToInt16(ResampleMono16(constPCM(160, 1000), 24000, 8000))
	if len(out) != 53 {
		t.Fatalf("got %d samples, want 53", len(out))
	}
	// Edge samples see the filter's zero padding; check the middle only.
	for i := 5; i < len(out)-5; i++ {
		diff := int(out[i]) - 1000
		if diff < -2 || diff > 2 {
			t.Fatalf("sample %d = %d, want ~1000", i, out[i])
		}
	}
}

func TestResampleMono16_TinyInput(t *testing.T) {
	if out := ResampleMono16([]byte{0x01}, 8000, 16000); len(out) != 1 {
		t.Errorf("sub-sample input should pass through, got %d bytes", len(out))
	}
	if out := ResampleMono16(nil, 8000, 16000); out != nil {
		t.Errorf("nil input should pass through, got %v", out)
	}
}

func TestSincKernel_UnityDCGain(t *testing.T) {
	taps := sincKernel(1.0 / 3.0)
	if len(taps) != firTaps {
		t.Fatalf("kernel length = %d, want %d", len(taps), firTaps)
	}
	var sum float64
	for _, v := range taps {
		sum += v
	}
	if sum < 0.9999 || sum > 1.0001 {
		t.Errorf("kernel sum = %v, want 1", sum)
	}
}
