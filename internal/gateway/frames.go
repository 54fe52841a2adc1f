package gateway

import (
	"encoding/json"
	"time"
)

// Client → server frame types.
const (
	typeSessionStart      = "session.start"
	typeSessionEnd        = "session.end"
	typeConversationClear = "conversation.clear"
	typePing              = "ping"
)

// Server → client frame types.
const (
	typeSessionReady         = "session.ready"
	typeAudioListening       = "audio.listening"
	typeAudioVAD             = "audio.vad"
	typeTranscriptPartial    = "transcript.partial"
	typeTranscriptFinal      = "transcript.final"
	typeAssistantThinking    = "assistant.thinking"
	typeAssistantSpeaking    = "assistant.speaking"
	typeAssistantDelta       = "assistant.delta"
	typeAssistantDone        = "assistant.done"
	typeAssistantInterrupted = "assistant.interrupted"
	typeConversationCleared  = "conversation.cleared"
	typeProcessingStatus     = "processing.status"
	typeError                = "error"
	typePong                 = "pong"
	typeBatch                = "batch"
)

// frame is the JSON envelope for every text message on the socket. Binary
// messages carry raw PCM16 audio and have no envelope.
type frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// droppable reports whether a frame may be shed under client backpressure.
// Completion events are never droppable.
func droppable(t string) bool {
	switch t {
	case typeAssistantDelta, typeTranscriptPartial, typeAudioVAD, typeProcessingStatus:
		return true
	}
	return false
}

// startConfig is the payload of session.start. All fields are optional;
// zero values fall back to server defaults.
type startConfig struct {
	Language           string `json:"language"`
	AutoDetectLanguage bool   `json:"autoDetectLanguage"`

	VoiceActivityThresholds struct {
		ShortPause  int `json:"shortPause"`
		MediumPause int `json:"mediumPause"`
		LongPause   int `json:"longPause"`
	} `json:"voiceActivityThresholds"`

	AudioSettings struct {
		SampleRate int `json:"sampleRate"`
	} `json:"audioSettings"`

	AISettings struct {
		Provider         string  `json:"provider"`
		Model            string  `json:"model"`
		Temperature      float64 `json:"temperature"`
		MaxTokens        int     `json:"maxTokens"`
		StreamingEnabled *bool   `json:"streamingEnabled"`
	} `json:"aiSettings"`

	UISettings struct {
		ShowLiveTranscript   *bool `json:"showLiveTranscript"`
		ShowConfidenceScores *bool `json:"showConfidenceScores"`
		EnableInterruptions  *bool `json:"enableInterruptions"`
	} `json:"uiSettings"`
}

type readyPayload struct {
	SessionID string `json:"sessionId"`
}

type vadPayload struct {
	Speaking   bool   `json:"speaking"`
	Pause      string `json:"pause,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

type transcriptPayload struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	Final      bool     `json:"final"`
}

type streamPayload struct {
	StreamID string `json:"streamId"`
}

type deltaPayload struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type donePayload struct {
	StreamID string `json:"streamId"`
	Text     string `json:"text"`
}

type errorPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Details   string `json:"details,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type statusPayload struct {
	Stage  string         `json:"stage"`
	Queues map[string]int `json:"queues,omitempty"`
}

type batchPayload struct {
	Frames []frame `json:"frames"`
}

// newFrame builds an outbound frame. Payload marshalling of the fixed
// payload structs above cannot fail; a nil payload is allowed.
func newFrame(t, sessionID string, payload any) frame {
	f := frame{Type: t, SessionID: sessionID, Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			f.Payload = raw
		}
	}
	return f
}
