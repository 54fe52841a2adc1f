// Package bus provides the in-process event fabric that wires the
// conversation pipeline together: audio ingress, transcription, the
// orchestrator, and the response streamer all communicate through typed
// events published here.
//
// Dispatch is keyed on event type with per-session ordering: events carrying
// the same session id are delivered to handlers sequentially in arrival
// order, while events for different sessions run in parallel. Handler panics
// are recovered and logged; they never surface to the publisher.
package bus

import "time"

// Type identifies the kind of an Event.
type Type string

// Event types published on the bus. The payload type each carries is
// documented next to the constant.
const (
	// SessionInit announces a newly started session. Payload: SessionInfo.
	SessionInit Type = "session.init"

	// SpeechStart marks a low→high voice transition. Payload: nil.
	SpeechStart Type = "speech.start"

	// SilenceDetected marks sustained silence after speech. Payload: Silence.
	SilenceDetected Type = "silence.detected"

	// PartialTranscript carries an interim recognition. Payload: TranscriptUpdate.
	PartialTranscript Type = "transcript.partial"

	// FinalTranscript carries a committed recognition. Payload: TranscriptUpdate.
	FinalTranscript Type = "transcript.final"

	// TriggerGenerate asks the orchestrator to start a reply. Payload: Trigger.
	TriggerGenerate Type = "generate.trigger"

	// ResponseStarted announces a new response stream. Payload: ResponseRef.
	ResponseStarted Type = "response.started"

	// ResponseToken carries one streamed reply token. Payload: Token.
	ResponseToken Type = "response.token"

	// ResponseDone announces a completed reply. Payload: ResponseText.
	ResponseDone Type = "response.done"

	// ResponseCancelled announces a barge-in cancellation. Payload: ResponseRef.
	ResponseCancelled Type = "response.cancelled"

	// SessionFinalized announces that a session is being torn down.
	// Payload: nil.
	SessionFinalized Type = "session.finalized"

	// SessionClosed is the last event of a session, published after
	// finalization completed and any farewell reply has been queued.
	// Payload: nil.
	SessionClosed Type = "session.closed"

	// ErrorEvent carries a pipeline error destined for the client.
	// Payload: Error.
	ErrorEvent Type = "error"
)

// Event is a single message on the bus.
type Event struct {
	// Type selects the subscriber set.
	Type Type

	// SessionID scopes ordering: events with equal SessionID are delivered
	// sequentially in publish order.
	SessionID string

	// Time is when the event was published.
	Time time.Time

	// Payload carries the type-specific data documented on the Type
	// constants. May be nil.
	Payload any
}

// PauseType classifies a detected silence by its duration.
type PauseType int

const (
	// PauseNaturalGap is a breath-length gap (< 500 ms by default).
	PauseNaturalGap PauseType = iota

	// PauseShort is a short hesitation (< 1 s).
	PauseShort

	// PauseEndOfThought suggests the speaker finished a thought (< 3 s).
	PauseEndOfThought

	// PauseUserWaiting means the speaker is waiting for a reply (≥ 3 s).
	PauseUserWaiting
)

// String returns the wire name of the pause type.
func (p PauseType) String() string {
	switch p {
	case PauseNaturalGap:
		return "natural_gap"
	case PauseShort:
		return "short_pause"
	case PauseEndOfThought:
		return "end_of_thought"
	case PauseUserWaiting:
		return "user_waiting"
	default:
		return "unknown"
	}
}

// SessionInfo is the payload of SessionInit.
type SessionInfo struct {
	// Language is the configured recognition language.
	Language string

	// Temperature and MaxTokens are the generation settings negotiated in
	// session.start. Zero values defer to provider defaults.
	Temperature float64
	MaxTokens   int

	// Streaming selects token streaming for replies.
	Streaming bool

	// DisableBargeIn keeps an active reply running through user speech.
	DisableBargeIn bool
}

// Silence is the payload of SilenceDetected.
type Silence struct {
	// Pause classifies the silence duration.
	Pause PauseType

	// Duration is how long the silence has lasted so far.
	Duration time.Duration
}

// TranscriptUpdate is the payload of PartialTranscript and FinalTranscript.
type TranscriptUpdate struct {
	// Text is the recognised speech.
	Text string

	// Confidence is the recognition confidence in [0, 1].
	Confidence float64

	// Final reports whether the recognition is committed.
	Final bool
}

// Trigger is the payload of TriggerGenerate.
type Trigger struct {
	// Pause is the silence classification that caused the trigger.
	Pause PauseType
}

// ResponseRef is the payload of ResponseStarted and ResponseCancelled.
type ResponseRef struct {
	// StreamID identifies the response stream.
	StreamID string
}

// Token is the payload of ResponseToken.
type Token struct {
	// StreamID identifies the response stream the token belongs to.
	StreamID string

	// Text is the token text.
	Text string
}

// ResponseText is the payload of ResponseDone.
type ResponseText struct {
	// StreamID identifies the completed stream.
	StreamID string

	// Text is the full accumulated reply.
	Text string
}

// Error codes carried by [Error].
const (
	// CodeProtocol marks a malformed or out-of-order client message.
	CodeProtocol = "protocol"

	// CodeSTTUnavailable marks a speech-to-text backend outage.
	CodeSTTUnavailable = "stt_unavailable"

	// CodeAIUnavailable marks a failed or timed-out reply generation.
	CodeAIUnavailable = "ai_unavailable"

	// CodeInternal marks an unexpected server-side failure.
	CodeInternal = "internal"
)

// Error is the payload of ErrorEvent.
type Error struct {
	// Code is the machine-readable error class (e.g., "stt_unavailable").
	Code string

	// Message is the human-readable description.
	Message string
}
