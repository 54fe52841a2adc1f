package stt

import (
	"errors"
	"time"
)

// ErrNotSupported is returned by optional Provider capabilities (such as
// DetectLanguage) that the backend does not implement.
var ErrNotSupported = errors.New("stt: operation not supported by provider")

// ErrAuth is wrapped by providers when the backend rejects the credentials.
// Retrying cannot help, so callers stop sending audio to the provider.
var ErrAuth = errors.New("stt: authentication rejected")

// Outcome classifies a transcription result. Result inspection replaces
// exception-style control flow: an empty or failed recognition is an ordinary
// value the pipeline logs and moves past.
type Outcome int

const (
	// OutcomeSuccess means Text carries a usable recognition.
	OutcomeSuccess Outcome = iota

	// OutcomeEmpty means the provider heard nothing recognisable. Text is "".
	OutcomeEmpty

	// OutcomeFailed means the provider reported an error for this audio.
	// Message carries the provider's description; Text is "".
	OutcomeFailed
)

// Transcript represents a speech-to-text result. Both partial (interim) and
// final transcripts use this type.
type Transcript struct {
	// Outcome tags the result kind. Consumers treat anything other than
	// OutcomeSuccess as empty text.
	Outcome Outcome

	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a committed or interim transcript.
	IsFinal bool

	// Confidence is the overall confidence score in [0, 1]. Providers report
	// confidence on different internal scales; adapters normalise into this
	// range and the value is otherwise treated as opaque.
	Confidence float64

	// Language is the BCP-47 tag the provider recognised, when reported.
	Language string

	// Message carries the provider error description when Outcome is
	// OutcomeFailed.
	Message string

	// Timestamp marks when the utterance was recognised.
	Timestamp time.Time
}

// LanguageGuess is the result of language detection over an audio prefix.
type LanguageGuess struct {
	// Language is the detected BCP-47 tag.
	Language string

	// Confidence is the detection confidence in [0, 1].
	Confidence float64
}
