package audio

import "math"

// Sample-rate conversion for 16-bit mono little-endian PCM. Upsampling uses
// linear interpolation. Downsampling runs a windowed-sinc low-pass filter at
// the target Nyquist frequency before interpolating, so aliasing products
// from the 24 kHz upstream stream do not fold into the 8 kHz telephony band.

// firTaps is the length of the anti-aliasing filter. Odd so the filter has a
// symmetric centre tap.
const firTaps = 21

// ResampleMono16 converts pcm from srcRate to dstRate. The input must be
// little-endian int16 mono samples. If the rates match or the input is
// shorter than one sample, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}

	samples := bytesToInt16(pcm)
	if dstRate < srcRate {
		samples = lowPass(samples, float64(dstRate)/float64(srcRate))
	}

	srcSamples := len(samples)
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = samples[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return int16ToBytes(out)
}

// lowPass applies a Hamming-windowed sinc FIR with the given normalised
// cutoff (1.0 = source Nyquist). Edge samples are filtered against zero
// padding, which is inaudible at frame boundaries of 20 ms and above.
func lowPass(samples []int16, cutoff float64) []int16 {
	taps := sincKernel(cutoff)
	half := len(taps) / 2

	out := make([]int16, len(samples))
	for i := range samples {
		var acc float64
		for j, t := range taps {
			k := i + j - half
			if k < 0 || k >= len(samples) {
				continue
			}
			acc += t * float64(samples[k])
		}
		out[i] = clampInt16(acc)
	}
	return out
}

// sincKernel builds the normalised filter kernel for the cutoff.
func sincKernel(cutoff float64) []float64 {
	taps := make([]float64, firTaps)
	half := firTaps / 2
	var sum float64
	for i := range taps {
		n := float64(i - half)
		var v float64
		if n == 0 {
			v = cutoff
		} else {
			v = math.Sin(math.Pi*cutoff*n) / (math.Pi * n)
		}
		// Hamming window.
		v *= 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(firTaps-1))
		taps[i] = v
		sum += v
	}
	// Normalise to unity DC gain.
	for i := range taps {
		taps[i] /= sum
	}
	return taps
}

func bytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
