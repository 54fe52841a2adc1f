package vad

import (
	"time"

	"github.com/aurelo-ai/aurelo/internal/bus"
)

// State is the speech state of a session as seen by the detector.
type State int

const (
	// StateListening means no speech has been observed yet (or the previous
	// utterance concluded).
	StateListening State = iota

	// StateSpeaking means voice is currently being detected.
	StateSpeaking

	// StatePausing means the speaker went quiet but the pause is still short
	// enough that the utterance may continue.
	StatePausing

	// StateWaitingForAI means the pause grew long enough that the speaker is
	// presumed done and expecting a reply.
	StateWaitingForAI

	// StateAIResponding is entered on an external signal while the assistant
	// is streaming a reply. Voice in this state is a barge-in.
	StateAIResponding
)

// String returns the state's name for logs.
func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StatePausing:
		return "pausing"
	case StateWaitingForAI:
		return "waiting_for_ai"
	case StateAIResponding:
		return "ai_responding"
	default:
		return "unknown"
	}
}

// Thresholds are the pause-classification boundaries. Zero values are
// replaced with defaults by [NewTracker].
type Thresholds struct {
	// ShortPause is the boundary below which a silence is a natural gap.
	// Default: 500 ms.
	ShortPause time.Duration

	// MediumPause is the boundary at which a silence becomes an end of
	// thought and the speaker is presumed done. Default: 1 s.
	MediumPause time.Duration

	// LongPause is the boundary at which the speaker is considered to be
	// waiting on a reply. Default: 3 s.
	LongPause time.Duration

	// Silence is the minimum silence duration before any silence event is
	// reported at all. Default: 800 ms. A run between this and MediumPause
	// arms utterance segmentation (a resumption counts as a fresh start) but
	// is not published; the first published event fires at the MediumPause
	// boundary.
	Silence time.Duration
}

func (t Thresholds) withDefaults() Thresholds {
	if t.ShortPause <= 0 {
		t.ShortPause = 500 * time.Millisecond
	}
	if t.MediumPause <= 0 {
		t.MediumPause = time.Second
	}
	if t.LongPause <= 0 {
		t.LongPause = 3 * time.Second
	}
	if t.Silence <= 0 {
		t.Silence = 800 * time.Millisecond
	}
	return t
}

// Classify maps a silence duration onto a pause type using the thresholds.
func (t Thresholds) Classify(d time.Duration) bus.PauseType {
	switch {
	case d < t.ShortPause:
		return bus.PauseNaturalGap
	case d < t.MediumPause:
		return bus.PauseShort
	case d < t.LongPause:
		return bus.PauseEndOfThought
	default:
		return bus.PauseUserWaiting
	}
}

// Update is the outcome of feeding one chunk classification to a [Tracker].
type Update struct {
	// State is the tracker state after the chunk.
	State State

	// SpeechStarted is set when this chunk begins a new utterance (or a
	// barge-in during a reply).
	SpeechStarted bool

	// Silence is non-nil when a silence notification should be published:
	// once per silence run when it reaches the medium-pause boundary, and
	// once more if it grows past the long-pause boundary.
	Silence *bus.Silence
}

// Tracker is the per-session pause state machine. It advances on audio time
// (chunk durations), not wall clock, so silence measurement is exact and
// independent of arrival jitter. Owned by a single session goroutine.
type Tracker struct {
	thresholds Thresholds

	state        State
	silence      time.Duration
	reportedPast bus.PauseType
	reported     bool
}

// NewTracker creates a Tracker with the supplied thresholds.
func NewTracker(t Thresholds) *Tracker {
	return &Tracker{thresholds: t.withDefaults()}
}

// State returns the current state.
func (t *Tracker) State() State { return t.state }

// SilenceDuration returns the length of the current silence run, or zero
// while speech is active.
func (t *Tracker) SilenceDuration() time.Duration { return t.silence }

// Observe advances the state machine by one chunk of the given duration.
func (t *Tracker) Observe(hasVoice bool, chunk time.Duration) Update {
	if hasVoice {
		return t.observeVoice()
	}
	return t.observeSilence(chunk)
}

func (t *Tracker) observeVoice() Update {
	prev := t.state
	gap := t.silence
	t.silence = 0
	t.reported = false
	t.state = StateSpeaking

	started := false
	switch prev {
	case StateListening, StateWaitingForAI, StateAIResponding:
		started = true
	case StatePausing:
		// Resuming within a short gap continues the same utterance; only a
		// pause that already crossed the silence threshold counts as a fresh
		// start.
		started = gap >= t.thresholds.Silence
	}
	return Update{State: t.state, SpeechStarted: started}
}

func (t *Tracker) observeSilence(chunk time.Duration) Update {
	switch t.state {
	case StateListening, StateAIResponding:
		// Silence before any speech (or while the assistant talks) is not a
		// pause.
		return Update{State: t.state}
	case StateSpeaking:
		t.state = StatePausing
		t.silence = 0
		t.reported = false
	}

	t.silence += chunk

	if t.silence >= t.thresholds.MediumPause && t.state == StatePausing {
		t.state = StateWaitingForAI
	}

	// Report once when the run reaches the medium-pause boundary and once
	// more if it grows into a long pause. Sub-medium runs stay quiet: they
	// either resolve back into speech or escalate.
	pause := t.thresholds.Classify(t.silence)
	if pause < bus.PauseEndOfThought {
		return Update{State: t.state}
	}
	if t.reported && pause == t.reportedPast {
		return Update{State: t.state}
	}
	t.reported = true
	t.reportedPast = pause
	return Update{
		State:   t.state,
		Silence: &bus.Silence{Pause: pause, Duration: t.silence},
	}
}

// SetAIResponding toggles the external assistant-speaking signal. Entering
// clears any pending silence run; leaving returns to listening unless speech
// is active.
func (t *Tracker) SetAIResponding(on bool) {
	if on {
		t.state = StateAIResponding
		t.silence = 0
		t.reported = false
		return
	}
	if t.state == StateAIResponding {
		t.state = StateListening
	}
}

// Reset returns the tracker to its initial state.
func (t *Tracker) Reset() {
	t.state = StateListening
	t.silence = 0
	t.reported = false
}
