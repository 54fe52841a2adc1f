package vad

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/aurelo-ai/aurelo/internal/bus"
)

// pcmFrame builds a PCM16 little-endian frame of n samples, all set to s.
func pcmFrame(s int16, n int) []byte {
	buf := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	return buf
}

func TestDetector_RMSBoundaries(t *testing.T) {
	d := NewDetector(DetectorConfig{})

	res, err := d.Analyze(pcmFrame(0, 160), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res.Energy != 0.0 {
		t.Errorf("zero frame energy = %v, want 0.0", res.Energy)
	}
	if res.HasVoice {
		t.Error("zero frame classified as voice")
	}

	res, err = d.Analyze(pcmFrame(math.MinInt16, 160), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.Energy-1.0) > 1e-6 {
		t.Errorf("full-scale frame energy = %v, want 1.0 ±1e-6", res.Energy)
	}
	if !res.HasVoice {
		t.Error("full-scale frame not classified as voice")
	}
}

func TestDetector_MalformedFramesCounted(t *testing.T) {
	d := NewDetector(DetectorConfig{})

	for _, chunk := range [][]byte{nil, {}, {0x01}, {0x01, 0x02, 0x03}} {
		if _, err := d.Analyze(chunk, time.Now()); err != ErrMalformedFrame {
			t.Errorf("Analyze(%d bytes) err = %v, want ErrMalformedFrame", len(chunk), err)
		}
	}
	if d.Malformed() != 4 {
		t.Errorf("Malformed() = %d, want 4", d.Malformed())
	}
}

func TestDetector_ThresholdGatesVoice(t *testing.T) {
	d := NewDetector(DetectorConfig{Threshold: 0.01})

	// 0.01 of full scale is ~328; use samples well on either side.
	quiet, err := d.Analyze(pcmFrame(100, 160), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if quiet.HasVoice {
		t.Errorf("quiet frame (energy %v) classified as voice", quiet.Energy)
	}

	loud, err := d.Analyze(pcmFrame(1600, 160), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !loud.HasVoice {
		t.Errorf("loud frame (energy %v) not classified as voice", loud.Energy)
	}
	if loud.Confidence <= quiet.Confidence {
		t.Errorf("confidence loud %v <= quiet %v; larger margin should be more confident",
			loud.Confidence, quiet.Confidence)
	}
}

func TestDetector_AdaptiveThreshold(t *testing.T) {
	d := NewDetector(DetectorConfig{Threshold: 0.01, Adaptive: true, HistorySize: 20})

	// A noisy room: sustained background energy around 0.05 should raise the
	// effective threshold above the base.
	for i := 0; i < 20; i++ {
		if _, err := d.Analyze(pcmFrame(1600, 160), time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	if thr := d.Threshold(); thr <= 0.01 {
		t.Errorf("adaptive threshold = %v, want above base in noisy history", thr)
	}

	// Near-silence must not drag the floor below half the base threshold.
	d2 := NewDetector(DetectorConfig{Threshold: 0.01, Adaptive: true, HistorySize: 20})
	for i := 0; i < 20; i++ {
		if _, err := d2.Analyze(pcmFrame(0, 160), time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	if thr := d2.Threshold(); thr != 0.005 {
		t.Errorf("adaptive threshold = %v, want clamped to base/2 = 0.005", thr)
	}
}

func TestThresholds_Classify(t *testing.T) {
	th := Thresholds{}.withDefaults()

	tests := []struct {
		d    time.Duration
		want bus.PauseType
	}{
		{100 * time.Millisecond, bus.PauseNaturalGap},
		{499 * time.Millisecond, bus.PauseNaturalGap},
		{500 * time.Millisecond, bus.PauseShort},
		{999 * time.Millisecond, bus.PauseShort},
		{time.Second, bus.PauseEndOfThought},
		{2999 * time.Millisecond, bus.PauseEndOfThought},
		{3 * time.Second, bus.PauseUserWaiting},
		{time.Minute, bus.PauseUserWaiting},
	}
	for _, tt := range tests {
		if got := th.Classify(tt.d); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.d, got, tt.want)
		}
	}
}

// feed pushes n chunks of the given duration and voice flag, collecting the
// updates that carry events.
func feed(tr *Tracker, hasVoice bool, n int, chunk time.Duration) (starts int, silences []bus.Silence) {
	for i := 0; i < n; i++ {
		u := tr.Observe(hasVoice, chunk)
		if u.SpeechStarted {
			starts++
		}
		if u.Silence != nil {
			silences = append(silences, *u.Silence)
		}
	}
	return starts, silences
}

func TestTracker_SingleUtterance(t *testing.T) {
	tr := NewTracker(Thresholds{})

	// 1.5 s of voice then 1.2 s of silence, in 100 ms chunks.
	starts, silences := feed(tr, true, 15, 100*time.Millisecond)
	if starts != 1 {
		t.Errorf("speech starts = %d, want 1", starts)
	}
	if len(silences) != 0 {
		t.Errorf("unexpected silence events during speech: %v", silences)
	}

	_, silences = feed(tr, false, 12, 100*time.Millisecond)
	if len(silences) != 1 {
		t.Fatalf("silence events = %d, want exactly 1", len(silences))
	}
	if silences[0].Pause != bus.PauseEndOfThought {
		t.Errorf("pause = %v, want end_of_thought", silences[0].Pause)
	}
	if d := silences[0].Duration; d < time.Second || d > 1200*time.Millisecond {
		t.Errorf("reported duration = %v, want within [1s, 1.2s]", d)
	}
	if tr.State() != StateWaitingForAI {
		t.Errorf("state = %v, want waiting_for_ai", tr.State())
	}
}

func TestTracker_MediumPauseBoundary(t *testing.T) {
	tr := NewTracker(Thresholds{})
	tr.Observe(true, 100*time.Millisecond)

	// Just below the boundary: no event.
	u := tr.Observe(false, 999*time.Millisecond)
	if u.Silence != nil {
		t.Errorf("event at 999 ms: %+v", u.Silence)
	}
	// Exactly at the boundary: event fires.
	u = tr.Observe(false, time.Millisecond)
	if u.Silence == nil {
		t.Fatal("no event at exactly 1 s of silence")
	}
	if u.Silence.Pause != bus.PauseEndOfThought {
		t.Errorf("pause = %v, want end_of_thought", u.Silence.Pause)
	}
}

func TestTracker_EscalatesToUserWaiting(t *testing.T) {
	tr := NewTracker(Thresholds{})
	tr.Observe(true, 100*time.Millisecond)

	_, silences := feed(tr, false, 40, 100*time.Millisecond) // 4 s of silence
	if len(silences) != 2 {
		t.Fatalf("silence events = %d, want 2 (end_of_thought then user_waiting)", len(silences))
	}
	if silences[0].Pause != bus.PauseEndOfThought || silences[1].Pause != bus.PauseUserWaiting {
		t.Errorf("pauses = %v, %v", silences[0].Pause, silences[1].Pause)
	}
}

func TestTracker_ShortGapDoesNotRestartSpeech(t *testing.T) {
	tr := NewTracker(Thresholds{})

	tr.Observe(true, 100*time.Millisecond)
	// A 300 ms breath, then speech resumes: same utterance.
	feed(tr, false, 3, 100*time.Millisecond)
	u := tr.Observe(true, 100*time.Millisecond)
	if u.SpeechStarted {
		t.Error("speech restart after a sub-threshold gap")
	}

	// A 900 ms gap crosses the silence threshold; resuming counts as a new
	// utterance.
	feed(tr, false, 9, 100*time.Millisecond)
	u = tr.Observe(true, 100*time.Millisecond)
	if !u.SpeechStarted {
		t.Error("no speech restart after a gap past the silence threshold")
	}
}

func TestTracker_BargeInDuringAIResponse(t *testing.T) {
	tr := NewTracker(Thresholds{})
	tr.SetAIResponding(true)

	// Silence while the assistant talks is not a pause.
	u := tr.Observe(false, 2*time.Second)
	if u.Silence != nil {
		t.Errorf("silence event while assistant responding: %+v", u.Silence)
	}

	// Voice while the assistant talks is a barge-in.
	u = tr.Observe(true, 100*time.Millisecond)
	if !u.SpeechStarted {
		t.Error("barge-in voice did not report speech start")
	}
	if tr.State() != StateSpeaking {
		t.Errorf("state = %v, want speaking", tr.State())
	}

	tr.Reset()
	if tr.State() != StateListening {
		t.Errorf("state after Reset = %v, want listening", tr.State())
	}
}
