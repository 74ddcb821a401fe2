package vad

import (
	"fmt"
	"math"
)

// EnergyClassifier scores frames by RMS energy. It is the zero-dependency
// heuristic used both as a standalone classifier and as the fallback when a
// model-backed classifier errors.
type EnergyClassifier struct {
	// ReferenceRMS is the normalised RMS level mapped to confidence 1.0.
	ReferenceRMS float64
}

// NewEnergyClassifier returns a classifier tuned for telephony speech
// levels.
func NewEnergyClassifier() *EnergyClassifier {
	return &EnergyClassifier{ReferenceRMS: 0.05}
}

// Classify maps the frame's RMS energy onto [0,1] linearly up to
// ReferenceRMS.
func (c *EnergyClassifier) Classify(pcm []byte) (float64, error) {
	if len(pcm)%2 != 0 {
		return 0, fmt.Errorf("vad: energy: odd byte count %d in PCM16 frame", len(pcm))
	}
	n := len(pcm) / 2
	if n == 0 {
		return 0, nil
	}

	var sumSq float64
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		v := float64(s) / 32768
		sumSq += v * v
	}
	rms := math.Sqrt(sumSq / float64(n))

	ref := c.ReferenceRMS
	if ref <= 0 {
		ref = 0.05
	}
	return math.Min(rms/ref, 1), nil
}
