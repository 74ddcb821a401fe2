// Package vad implements per-call voice activity detection with hysteresis.
//
// A Detector wraps a frame-level [Classifier] and turns its raw confidence
// stream into stable speech-start/speech-stop decisions: confidences are
// smoothed over a short history, state only flips after a configured number
// of consecutive agreeing frames, runaway segments are cut by a hard
// timeout, and segments shorter than a minimum duration are discarded as
// noise.
//
// Detection is synchronous by design: Process returns immediately with a
// decision, making it suitable for the bridge's per-call event loop. A
// Detector serves one audio stream and must not be shared across goroutines.
package vad

import (
	"log/slog"
	"time"
)

// Classifier scores one PCM16 mono frame with a speech confidence in [0,1].
// Implementations may call out to a model; errors are handled by the
// Detector's fallback, never propagated to fail the call.
type Classifier interface {
	Classify(pcm []byte) (float64, error)
}

// Config holds the detection thresholds. Zero fields are replaced with the
// defaults documented on each field.
type Config struct {
	// SpeechThreshold is the smoothed confidence at or above which a frame
	// counts as speech. Default: 0.5.
	SpeechThreshold float64

	// StartFrames is how many consecutive speech frames are required before
	// speech-start fires. Default: 2.
	StartFrames int

	// StopFrames is how many consecutive non-speech frames are required
	// before speech-stop fires. Default: 3.
	StopFrames int

	// ForceStopAfter caps a single speech segment; a segment still active
	// after this duration is stopped regardless of confidence. Guards against
	// periodic noise that never yields a natural stop. Default: 2s.
	ForceStopAfter time.Duration

	// MinSpeechDuration is the shortest segment treated as real speech.
	// Shorter segments are discarded without emitting a stop. Default: 500ms.
	MinSpeechDuration time.Duration

	// HistorySize is the length of the confidence smoothing window.
	// Default: 5.
	HistorySize int

	// MaxClassifierErrors is how many consecutive classifier failures are
	// tolerated (each served by the energy fallback) before detection is
	// disabled for the rest of the call. Default: 5.
	MaxClassifierErrors int
}

func (c Config) withDefaults() Config {
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = 0.5
	}
	if c.StartFrames == 0 {
		c.StartFrames = 2
	}
	if c.StopFrames == 0 {
		c.StopFrames = 3
	}
	if c.ForceStopAfter == 0 {
		c.ForceStopAfter = 2 * time.Second
	}
	if c.MinSpeechDuration == 0 {
		c.MinSpeechDuration = 500 * time.Millisecond
	}
	if c.HistorySize == 0 {
		c.HistorySize = 5
	}
	if c.MaxClassifierErrors == 0 {
		c.MaxClassifierErrors = 5
	}
	return c
}

// Decision is the outcome of processing one frame.
type Decision int

const (
	// DecisionNone means no state change.
	DecisionNone Decision = iota

	// DecisionStart means a speech segment began with this frame.
	DecisionStart

	// DecisionStop means the active segment ended and was long enough to
	// count as speech.
	DecisionStop

	// DecisionDiscard means the active segment ended but was shorter than
	// MinSpeechDuration; the caller must not emit stop or commit events.
	DecisionDiscard
)

// Result carries the decision for one frame plus diagnostic detail.
type Result struct {
	Decision Decision

	// Confidence is the smoothed confidence used for the classification.
	Confidence float64

	// Forced is set on a DecisionStop caused by the hard timeout or by the
	// detector disabling itself mid-segment.
	Forced bool
}

// Detector is the per-call VAD state machine.
type Detector struct {
	cfg        Config
	classifier Classifier
	fallback   Classifier

	history []float64
	histPos int
	histLen int

	active      bool
	speechRun   int
	silenceRun  int
	segmentFrom time.Duration

	errRun   int
	disabled bool
}

// New creates a Detector around the given classifier. Pass nil to use the
// energy heuristic as the primary classifier.
func New(classifier Classifier, cfg Config) *Detector {
	cfg = cfg.withDefaults()
	fallback := NewEnergyClassifier()
	if classifier == nil {
		classifier = fallback
	}
	return &Detector{
		cfg:        cfg,
		classifier: classifier,
		fallback:   fallback,
		history:    make([]float64, cfg.HistorySize),
	}
}

// Process scores one PCM16 frame stamped with its position in the stream and
// returns the resulting decision. ts must be monotonically non-decreasing
// within a call.
func (d *Detector) Process(pcm []byte, ts time.Duration) Result {
	if d.disabled {
		return Result{}
	}

	conf, err := d.classifier.Classify(pcm)
	if err != nil {
		d.errRun++
		slog.Debug("vad: classifier error, using energy fallback", "err", err, "consecutive", d.errRun)
		conf, _ = d.fallback.Classify(pcm)

		if d.errRun >= d.cfg.MaxClassifierErrors {
			d.disabled = true
			slog.Warn("vad: classifier failing persistently, disabling detection for this call",
				"consecutive_errors", d.errRun)
			if d.active {
				d.active = false
				return Result{Decision: d.segmentDecision(ts), Confidence: conf, Forced: true}
			}
			return Result{Confidence: conf}
		}
	} else {
		d.errRun = 0
	}

	smoothed := d.push(conf)
	isSpeech := smoothed >= d.cfg.SpeechThreshold

	if d.active {
		// Hard cap on segment length.
		if ts-d.segmentFrom >= d.cfg.ForceStopAfter {
			d.toIdle()
			return Result{Decision: DecisionStop, Confidence: smoothed, Forced: true}
		}

		if isSpeech {
			d.silenceRun = 0
			return Result{Confidence: smoothed}
		}
		d.silenceRun++
		if d.silenceRun >= d.cfg.StopFrames {
			dec := d.segmentDecision(ts)
			d.toIdle()
			return Result{Decision: dec, Confidence: smoothed}
		}
		return Result{Confidence: smoothed}
	}

	if !isSpeech {
		d.speechRun = 0
		return Result{Confidence: smoothed}
	}
	d.speechRun++
	if d.speechRun >= d.cfg.StartFrames {
		d.active = true
		d.speechRun = 0
		d.silenceRun = 0
		d.segmentFrom = ts
		d.clearHistory()
		return Result{Decision: DecisionStart, Confidence: smoothed}
	}
	return Result{Confidence: smoothed}
}

// segmentDecision distinguishes a real stop from a too-short discard.
func (d *Detector) segmentDecision(ts time.Duration) Decision {
	if ts-d.segmentFrom < d.cfg.MinSpeechDuration {
		return DecisionDiscard
	}
	return DecisionStop
}

func (d *Detector) toIdle() {
	d.active = false
	d.speechRun = 0
	d.silenceRun = 0
	d.clearHistory()
}

// Active reports whether a speech segment is open.
func (d *Detector) Active() bool { return d.active }

// Disabled reports whether detection has been switched off after persistent
// classifier failure. Once disabled, Process is a no-op.
func (d *Detector) Disabled() bool { return d.disabled }

// Reset clears all segment state for stream restart. Does not re-enable a
// disabled detector.
func (d *Detector) Reset() {
	d.toIdle()
	d.errRun = 0
}

// push records a raw confidence and returns the arithmetic mean over the
// populated part of the history window.
func (d *Detector) push(conf float64) float64 {
	d.history[d.histPos] = conf
	d.histPos = (d.histPos + 1) % len(d.history)
	if d.histLen < len(d.history) {
		d.histLen++
	}

	var sum float64
	for i := 0; i < d.histLen; i++ {
		sum += d.history[i]
	}
	return sum / float64(d.histLen)
}

// clearHistory empties the smoothing window. Called on every state
// transition so the next decision is based only on frames from the new
// state; without this the tail of a loud segment keeps the smoothed value
// high and delays the stop decision past its threshold.
func (d *Detector) clearHistory() {
	d.histPos = 0
	d.histLen = 0
}
