// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (Azure Speech, OpenAI Whisper,
// or a local server) and exposes a uniform interface with two modes: a
// one-shot Transcribe call for buffered audio, and a streaming session that
// accepts raw PCM frames and emits two streams of Transcript values —
// low-latency partials for display and authoritative finals for the
// conversation log.
//
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously, one per client conversation.
package stt

import "context"

// StreamConfig describes the audio format and recognition hints for a new
// streaming session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Aurelo clients send 16000.
	SampleRate int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect, if supported.
	Language string
}

// SessionHandle represents an open streaming transcription session. It is an
// interface so that pipeline tests can supply scripted doubles without a live
// provider connection.
//
// Callers must call Close when the session is no longer needed; failing to do
// so may leak goroutines and network connections inside the implementation.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM16 audio bytes for transcription.
	// The chunk must match the SampleRate agreed in StreamConfig. Calling
	// SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel emitting interim Transcript values.
	// Partials are suitable for live display but must never enter the
	// confirmed transcript log. The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel emitting committed Transcript values.
	// The channel is closed when the session ends.
	Finals() <-chan Transcript

	// Close terminates the session, flushes pending audio, and releases all
	// resources. After Close returns the Partials and Finals channels are
	// closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe performs a one-shot transcription of buffered PCM16 audio.
	// The deadline on ctx bounds the call; the ingress processor uses a 5 s
	// deadline when flushing a closing session. A non-success result is
	// reported through the Transcript outcome, not an error: the error return
	// is reserved for transport-level failures.
	Transcribe(ctx context.Context, pcm []byte, cfg StreamConfig) (Transcript, error)

	// StartStream opens a streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately. The caller owns the
	// handle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)

	// DetectLanguage inspects a prefix of buffered audio and returns the most
	// likely language tag with a confidence score. Providers without native
	// detection may return ErrNotSupported.
	DetectLanguage(ctx context.Context, pcm []byte, sampleRate int) (LanguageGuess, error)
}
