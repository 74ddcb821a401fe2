package audio

import (
	"fmt"
	"math"
	"time"

	"github.com/voxduct/voxduct/pkg/protocol"
)

// InboundPath transforms telephony audio into upstream chunks: wire decode,
// resample to the upstream rate, accumulate into fixed-duration chunks.
// Undersized tail data is padded with silence on Flush, never truncated.
//
// One path serves one call direction and is not safe for concurrent use; the
// bridge's owning goroutine is the only caller.
type InboundPath struct {
	src protocol.MediaFormat
	dst protocol.MediaFormat

	chunkBytes int
	buf        []byte

	// turnBytes counts output bytes produced since the last Reset. The bridge
	// uses TurnDuration to decide whether a commit meets the upstream's
	// minimum audio requirement.
	turnBytes int
}

// NewInboundPath creates a path converting src wire audio into chunkDur
// chunks of dst PCM16. dst must be PCM16 mono.
func NewInboundPath(src, dst protocol.MediaFormat, chunkDur time.Duration) (*InboundPath, error) {
	if dst.Encoding != protocol.EncodingPCM16 || dst.Channels != 1 {
		return nil, fmt.Errorf("audio: inbound path: upstream format must be PCM16 mono, got %s", dst)
	}
	if BytesPerSample(src.Encoding) == 0 {
		return nil, fmt.Errorf("audio: inbound path: unsupported source encoding %q", src.Encoding)
	}
	chunkBytes := BytesForDuration(chunkDur, dst)
	if chunkBytes <= 0 {
		return nil, fmt.Errorf("audio: inbound path: chunk duration %v too short", chunkDur)
	}
	return &InboundPath{src: src, dst: dst, chunkBytes: chunkBytes}, nil
}

// Push converts one telephony frame and returns zero or more full chunks of
// upstream PCM16. Frames whose format disagrees with the negotiated source
// format are rejected, not silently coerced.
func (p *InboundPath) Push(frame Frame) ([][]byte, error) {
	if frame.Format != p.src {
		return nil, fmt.Errorf("audio: inbound path: frame format %s does not match negotiated %s", frame.Format, p.src)
	}

	pcm := frame.Data
	if p.src.Encoding != protocol.EncodingPCM16 {
		var err error
		pcm, err = DecodeG711(frame.Data, p.src.Encoding)
		if err != nil {
			return nil, err
		}
	} else if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: inbound path: odd byte count %d in PCM16 frame", len(pcm))
	}

	pcm = ResampleMono16(pcm, p.src.SampleRate, p.dst.SampleRate)
	p.buf = append(p.buf, pcm...)

	var chunks [][]byte
	for len(p.buf) >= p.chunkBytes {
		chunk := make([]byte, p.chunkBytes)
		copy(chunk, p.buf[:p.chunkBytes])
		p.buf = p.buf[p.chunkBytes:]
		p.turnBytes += p.chunkBytes
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// Flush returns the buffered tail padded with silence to a full chunk, or
// nil when nothing is buffered. Only the real audio counts toward the turn
// duration; the padding does not.
func (p *InboundPath) Flush() []byte {
	if len(p.buf) == 0 {
		return nil
	}
	chunk := make([]byte, p.chunkBytes)
	copy(chunk, p.buf)
	p.turnBytes += len(p.buf)
	p.buf = p.buf[:0]
	return chunk
}

// TurnDuration reports how much audio has been produced since the last
// Reset.
func (p *InboundPath) TurnDuration() time.Duration {
	return DurationOf(p.turnBytes, p.dst)
}

// Reset clears the buffer and the turn counter for the next speaking turn.
func (p *InboundPath) Reset() {
	p.buf = p.buf[:0]
	p.turnBytes = 0
}

// OutboundPath transforms upstream PCM16 into telephony wire frames:
// resample down to the telephony rate, compand to the wire codec, slice into
// fixed-duration frames. The final partial frame is padded with the
// encoding's silence value on Flush.
type OutboundPath struct {
	src protocol.MediaFormat
	dst protocol.MediaFormat

	frameBytes int
	buf        []byte
}

// NewOutboundPath creates a path converting src PCM16 into frameDur wire
// frames of dst.
func NewOutboundPath(src, dst protocol.MediaFormat, frameDur time.Duration) (*OutboundPath, error) {
	if src.Encoding != protocol.EncodingPCM16 || src.Channels != 1 {
		return nil, fmt.Errorf("audio: outbound path: upstream format must be PCM16 mono, got %s", src)
	}
	if BytesPerSample(dst.Encoding) == 0 {
		return nil, fmt.Errorf("audio: outbound path: unsupported wire encoding %q", dst.Encoding)
	}
	frameBytes := BytesForDuration(frameDur, dst)
	if frameBytes <= 0 {
		return nil, fmt.Errorf("audio: outbound path: frame duration %v too short", frameDur)
	}
	return &OutboundPath{src: src, dst: dst, frameBytes: frameBytes}, nil
}

// Push converts one upstream PCM16 delta and returns zero or more full wire
// frames.
func (p *OutboundPath) Push(pcm []byte) ([][]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: outbound path: odd byte count %d in PCM16 input", len(pcm))
	}

	pcm = ResampleMono16(pcm, p.src.SampleRate, p.dst.SampleRate)

	wire := pcm
	if p.dst.Encoding != protocol.EncodingPCM16 {
		var err error
		wire, err = EncodeG711(pcm, p.dst.Encoding)
		if err != nil {
			return nil, err
		}
	}
	p.buf = append(p.buf, wire...)

	var frames [][]byte
	for len(p.buf) >= p.frameBytes {
		frame := make([]byte, p.frameBytes)
		copy(frame, p.buf[:p.frameBytes])
		p.buf = p.buf[p.frameBytes:]
		frames = append(frames, frame)
	}
	return frames, nil
}

// Flush returns the buffered tail padded to a full frame with the wire
// encoding's silence value, or nil when nothing is buffered. Always returns
// a frame of exactly the configured duration.
func (p *OutboundPath) Flush() []byte {
	if len(p.buf) == 0 {
		return nil
	}
	frame := Silence(p.frameBytes, p.dst.Encoding)
	copy(frame, p.buf)
	p.buf = p.buf[:0]
	return frame
}

// Reset discards buffered wire bytes. Used on barge-in when pending AI audio
// must not reach the caller.
func (p *OutboundPath) Reset() {
	p.buf = p.buf[:0]
}

// QualityScore rates a PCM16 buffer in [0,1]: 1 is clean full-range speech,
// low values indicate near-silence or heavy clipping. Purely advisory; the
// bridge logs it at debug level.
func QualityScore(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sumSq float64
	clipped := 0
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		v := float64(s) / 32768
		sumSq += v * v
		if s >= 32766 || s <= -32767 {
			clipped++
		}
	}
	rms := math.Sqrt(sumSq / float64(n))

	// Scale RMS so conversational speech (~0.05–0.3) scores near 1.
	level := math.Min(rms/0.05, 1)
	penalty := 1 - math.Min(float64(clipped)/float64(n)*20, 1)
	return level * penalty
}
