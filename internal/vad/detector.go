// Package vad implements energy-based voice activity detection: per-chunk
// RMS analysis with an optional adaptive noise floor, and the per-session
// pause state machine that classifies ongoing silences.
package vad

import (
	"errors"
	"math"
	"sort"
	"time"
)

// ErrMalformedFrame is returned by [Detector.Analyze] for frames that are not
// valid PCM16 (empty, or an odd byte count). Such frames are dropped and
// counted, never fatal.
var ErrMalformedFrame = errors.New("vad: malformed audio frame")

// Result is the classification of a single audio chunk.
type Result struct {
	// HasVoice reports whether the chunk's energy exceeded the threshold.
	HasVoice bool

	// Energy is the normalized RMS of the chunk in [0, 1].
	Energy float64

	// Confidence expresses how decisively the chunk fell on its side of the
	// threshold, in [0, 1].
	Confidence float64

	// Time is the analysis timestamp.
	Time time.Time
}

// DetectorConfig holds the tuning knobs for a [Detector]. Zero values are
// replaced with defaults by [NewDetector].
type DetectorConfig struct {
	// Threshold is the base RMS energy above which a chunk counts as voice.
	// Default: 0.01.
	Threshold float64

	// Adaptive enables the adaptive noise floor: the effective threshold
	// tracks the 30th percentile of recent chunk energies, clamped to no
	// less than half the base threshold.
	Adaptive bool

	// HistorySize is the number of recent energies retained for the adaptive
	// floor. Default: 50.
	HistorySize int
}

// Detector computes per-chunk voice activity from PCM16 mono audio.
// It is owned by a single session goroutine and is not safe for concurrent
// use.
type Detector struct {
	base        float64
	adaptive    bool
	historySize int

	history   []float64
	histPos   int
	histFull  bool
	malformed int64
}

// NewDetector creates a Detector with the supplied configuration.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.01
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	return &Detector{
		base:        cfg.Threshold,
		adaptive:    cfg.Adaptive,
		historySize: cfg.HistorySize,
		history:     make([]float64, cfg.HistorySize),
	}
}

// Analyze classifies one PCM16 chunk. Malformed frames return
// ErrMalformedFrame and increment the malformed counter.
func (d *Detector) Analyze(chunk []byte, ts time.Time) (Result, error) {
	if len(chunk) == 0 || len(chunk)%2 != 0 {
		d.malformed++
		return Result{}, ErrMalformedFrame
	}

	energy := rms(chunk)
	d.record(energy)

	thr := d.Threshold()
	hasVoice := energy > thr

	// Confidence grows with the margin between energy and threshold; a chunk
	// sitting right on the threshold is a coin flip.
	margin := math.Abs(energy-thr) / thr
	conf := 0.5 + margin/2
	if conf > 1 {
		conf = 1
	}

	return Result{
		HasVoice:   hasVoice,
		Energy:     energy,
		Confidence: conf,
		Time:       ts,
	}, nil
}

// Threshold returns the effective voice threshold: the base value, or the
// adaptive noise floor when enabled and enough history has accumulated.
func (d *Detector) Threshold() float64 {
	if !d.adaptive {
		return d.base
	}
	n := d.histPos
	if d.histFull {
		n = d.historySize
	}
	if n < 10 {
		return d.base
	}

	recent := make([]float64, n)
	copy(recent, d.history[:n])
	sort.Float64s(recent)
	p30 := recent[(len(recent)-1)*30/100]

	if floor := d.base / 2; p30 < floor {
		return floor
	}
	return p30
}

// Malformed returns the count of dropped malformed frames.
func (d *Detector) Malformed() int64 { return d.malformed }

// record appends an energy sample to the adaptive history ring.
func (d *Detector) record(energy float64) {
	if !d.adaptive {
		return
	}
	d.history[d.histPos] = energy
	d.histPos++
	if d.histPos == d.historySize {
		d.histPos = 0
		d.histFull = true
	}
}

// rms computes the normalized root-mean-square energy of a PCM16
// little-endian chunk: sqrt(sum(s^2)/n) / 32768, yielding a value in [0, 1].
func rms(chunk []byte) float64 {
	n := len(chunk) / 2
	var sum float64
	for i := 0; i+1 < len(chunk); i += 2 {
		s := float64(int16(chunk[i]) | int16(chunk[i+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / 32768.0
}
