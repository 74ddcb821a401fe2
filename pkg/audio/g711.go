package audio

import (
	"fmt"

	"github.com/voxduct/voxduct/pkg/protocol"
)

// G.711 companding as specified in ITU-T G.711. Both laws map 16-bit linear
// PCM to 8-bit logarithmic samples. The "silence" sample of each law is NOT
// the zero byte: linear zero companded through μ-law yields 0xFF and through
// A-law yields 0xD5. Outbound padding must use these values, otherwise the
// padded tail is played as a loud click.

const (
	mulawBias = 0x84
	mulawClip = 32635
	alawClip  = 32635
)

// SilenceByte returns the companded value of a zero linear sample for the
// encoding. PCM16 silence is the zero byte.
func SilenceByte(enc protocol.Encoding) byte {
	switch enc {
	case protocol.EncodingMulaw:
		return 0xFF
	case protocol.EncodingAlaw:
		return 0xD5
	}
	return 0x00
}

// LinearToMulaw compands one 16-bit linear sample to μ-law.
func LinearToMulaw(sample int16) byte {
	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// MulawToLinear expands one μ-law byte to a 16-bit linear sample.
func MulawToLinear(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	s := (int32(mantissa)<<3 + mulawBias) << exponent
	s -= mulawBias
	if sign != 0 {
		s = -s
	}
	return int16(s)
}

// LinearToAlaw compands one 16-bit linear sample to A-law.
func LinearToAlaw(sample int16) byte {
	sign := byte(0xD5)
	s := int32(sample)
	if s < 0 {
		s = -s - 1
		sign = 0x55
	}
	if s > alawClip {
		s = alawClip
	}

	var compressed byte
	if s < 256 {
		compressed = byte(s >> 4)
	} else {
		exponent := byte(7)
		for mask := int32(0x4000); exponent > 1 && s&mask == 0; mask >>= 1 {
			exponent--
		}
		mantissa := byte((s >> (exponent + 3)) & 0x0F)
		compressed = exponent<<4 | mantissa
	}
	return compressed ^ sign
}

// AlawToLinear expands one A-law byte to a 16-bit linear sample.
func AlawToLinear(b byte) int16 {
	b ^= 0x55
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := int32(b & 0x0F)

	var s int32
	if exponent == 0 {
		s = mantissa<<4 + 8
	} else {
		s = (mantissa<<4 + 0x108) << (exponent - 1)
	}
	if sign != 0 {
		return int16(-s)
	}
	return int16(s)
}

// DecodeG711 expands a companded payload to little-endian PCM16. enc must be
// mulaw or alaw.
func DecodeG711(data []byte, enc protocol.Encoding) ([]byte, error) {
	var expand func(byte) int16
	switch enc {
	case protocol.EncodingMulaw:
		expand = MulawToLinear
	case protocol.EncodingAlaw:
		expand = AlawToLinear
	default:
		return nil, fmt.Errorf("audio: decode: %q is not a G.711 encoding", enc)
	}

	out := make([]byte, len(data)*2)
	for i, b := range data {
		s := expand(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out, nil
}

// EncodeG711 compands little-endian PCM16 to the given G.711 law. The input
// must hold an even number of bytes.
func EncodeG711(pcm []byte, enc protocol.Encoding) ([]byte, error) {
	var compand func(int16) byte
	switch enc {
	case protocol.EncodingMulaw:
		compand = LinearToMulaw
	case protocol.EncodingAlaw:
		compand = LinearToAlaw
	default:
		return nil, fmt.Errorf("audio: encode: %q is not a G.711 encoding", enc)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: encode: odd byte count %d in PCM16 input", len(pcm))
	}

	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = compand(s)
	}
	return out, nil
}

// Silence returns n bytes of the encoding's silence value.
func Silence(n int, enc protocol.Encoding) []byte {
	out := make([]byte, n)
	b := SilenceByte(enc)
	if b != 0 {
		for i := range out {
			out[i] = b
		}
	}
	return out
}
