// Package ingress is the audio front door: it accepts raw PCM frames per
// session, runs voice activity detection, maintains the bounded per-session
// audio ring, and dispatches speech to the STT provider — streaming when the
// provider supports it, buffered one-shot calls otherwise.
//
// The ingest path never blocks on external services: frames are queued on a
// small per-session queue and processed by a single drain job per session on
// the audio pool, which preserves frame order while keeping sessions
// independent.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aurelo-ai/aurelo/internal/bus"
	"github.com/aurelo-ai/aurelo/internal/observe"
	"github.com/aurelo-ai/aurelo/internal/sched"
	"github.com/aurelo-ai/aurelo/internal/vad"
	"github.com/aurelo-ai/aurelo/pkg/audio"
	"github.com/aurelo-ai/aurelo/pkg/provider/stt"
)

// ErrUnknownSession is returned for operations on a session id that was never
// initialised or has been closed.
var ErrUnknownSession = errors.New("ingress: unknown session")

// Publisher is the event sink for ingress events. Satisfied by [bus.Bus].
type Publisher interface {
	Publish(bus.Event) error
}

// Config holds the dependencies and tuning knobs for a [Processor]. Publisher,
// Provider, and Pools are required; everything else has defaults.
type Config struct {
	// Publisher receives SpeechStart, SilenceDetected, transcript, and
	// session lifecycle events.
	Publisher Publisher

	// Provider is the STT backend.
	Provider stt.Provider

	// Pools supplies the audio and STT worker pools.
	Pools *sched.Coordinator

	// Breaker, when non-nil, guards one-shot STT calls so a failing backend
	// surfaces as a single error per outage window instead of one per call.
	Breaker *sched.Breaker

	// Metrics, when non-nil, receives pipeline instrumentation.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// SampleRate is the default audio sample rate in Hz. Default: 16000.
	SampleRate int

	// MaxBuffer caps the per-session audio ring. Default: 30 s.
	MaxBuffer time.Duration

	// Detector configures voice activity detection.
	Detector vad.DetectorConfig

	// Thresholds configures pause classification.
	Thresholds vad.Thresholds

	// SpeechPerTrigger is how much voiced audio accumulates before a
	// buffered STT dispatch when no streaming session is active.
	// Default: 3 s.
	SpeechPerTrigger time.Duration

	// CloseFlushTimeout bounds the final STT call on session close.
	// Default: 5 s.
	CloseFlushTimeout time.Duration

	// PendingFrames is the per-session pre-VAD frame queue depth; the oldest
	// frame is dropped on overflow. Default: 256.
	PendingFrames int

	// Retry is the policy for one-shot STT calls.
	Retry sched.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = 30 * time.Second
	}
	if c.SpeechPerTrigger <= 0 {
		c.SpeechPerTrigger = 3 * time.Second
	}
	if c.CloseFlushTimeout <= 0 {
		c.CloseFlushTimeout = 5 * time.Second
	}
	if c.PendingFrames <= 0 {
		c.PendingFrames = 256
	}
	return c
}

// SessionConfig carries the per-session overrides negotiated in
// session.start.
type SessionConfig struct {
	// Language is the BCP-47 recognition language. Empty with
	// AutoDetectLanguage set defers to provider detection.
	Language string

	// AutoDetectLanguage enables one-time language detection on the first
	// buffered utterance.
	AutoDetectLanguage bool

	// SampleRate overrides the processor default when positive.
	SampleRate int

	// EnergyThreshold overrides the VAD energy threshold when positive.
	EnergyThreshold float64

	// Thresholds overrides pause classification boundaries; zero fields keep
	// the processor defaults.
	Thresholds vad.Thresholds

	// Temperature and MaxTokens are generation settings announced on
	// SessionInit for the orchestrator. Zero values defer to provider
	// defaults.
	Temperature float64
	MaxTokens   int

	// Streaming selects token streaming for replies.
	Streaming bool

	// DisableBargeIn keeps an active reply running through user speech; set
	// when the client turns interruptions off.
	DisableBargeIn bool
}

// Processor owns all ingress sessions. All methods are safe for concurrent
// use.
type Processor struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session
}

// NewProcessor creates a Processor. It panics if a required dependency is
// missing, which is a wiring bug, not a runtime condition.
func NewProcessor(cfg Config) *Processor {
	if cfg.Publisher == nil || cfg.Provider == nil || cfg.Pools == nil {
		panic("ingress: Publisher, Provider, and Pools are required")
	}
	return &Processor{
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*session),
	}
}

// InitSession registers a new session and announces it on the bus.
func (p *Processor) InitSession(id string, cfg SessionConfig) error {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = p.cfg.SampleRate
	}

	det := p.cfg.Detector
	if cfg.EnergyThreshold > 0 {
		det.Threshold = cfg.EnergyThreshold
	}
	thr := p.cfg.Thresholds
	if cfg.Thresholds.ShortPause > 0 {
		thr.ShortPause = cfg.Thresholds.ShortPause
	}
	if cfg.Thresholds.MediumPause > 0 {
		thr.MediumPause = cfg.Thresholds.MediumPause
	}
	if cfg.Thresholds.LongPause > 0 {
		thr.LongPause = cfg.Thresholds.LongPause
	}
	if cfg.Thresholds.Silence > 0 {
		thr.Silence = cfg.Thresholds.Silence
	}

	s := &session{
		p:          p,
		id:         id,
		cfg:        cfg,
		sampleRate: rate,
		language:   cfg.Language,
		detector:   vad.NewDetector(det),
		tracker:    vad.NewTracker(thr),
		ring:       audio.NewRing(audio.BytesForDuration(p.cfg.MaxBuffer, rate)),
	}

	p.mu.Lock()
	if _, exists := p.sessions[id]; exists {
		p.mu.Unlock()
		return fmt.Errorf("ingress: session %q already initialised", id)
	}
	p.sessions[id] = s
	p.mu.Unlock()

	p.publish(bus.SessionInit, id, bus.SessionInfo{
		Language:       cfg.Language,
		Temperature:    cfg.Temperature,
		MaxTokens:      cfg.MaxTokens,
		Streaming:      cfg.Streaming,
		DisableBargeIn: cfg.DisableBargeIn,
	})
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ActiveSessions.Add(context.Background(), 1)
	}
	p.cfg.Logger.Info("ingress session initialised",
		"session_id", id, "sample_rate", rate, "language", cfg.Language)
	return nil
}

// Push queues one audio frame for processing. It never blocks on STT or the
// network; when the session's queue is full the oldest frame is dropped.
func (p *Processor) Push(id string, frame []byte) error {
	p.mu.Lock()
	s := p.sessions[id]
	p.mu.Unlock()
	if s == nil {
		return ErrUnknownSession
	}
	s.push(frame)
	return nil
}

// SetAIResponding toggles the assistant-speaking signal on the session's
// pause tracker. While set, silence is not classified as a user pause and
// incoming voice counts as a barge-in.
func (p *Processor) SetAIResponding(id string, on bool) {
	p.mu.Lock()
	s := p.sessions[id]
	p.mu.Unlock()
	if s == nil {
		return
	}
	s.execMu.Lock()
	s.tracker.SetAIResponding(on)
	s.execMu.Unlock()
}

// SilenceFor reports the length of the session's current silence run, or
// zero when the session is unknown or speech is active.
func (p *Processor) SilenceFor(id string) time.Duration {
	p.mu.Lock()
	s := p.sessions[id]
	p.mu.Unlock()
	if s == nil {
		return 0
	}
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return s.tracker.SilenceDuration()
}

// Close tears down the session: remaining audio is flushed with a final STT
// call bounded by the close-flush timeout, then SessionFinalized is
// published. Close blocks until the flush completes.
func (p *Processor) Close(id string) error {
	p.mu.Lock()
	s := p.sessions[id]
	delete(p.sessions, id)
	p.mu.Unlock()
	if s == nil {
		return ErrUnknownSession
	}

	s.close()

	p.publish(bus.SessionFinalized, id, nil)
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	}
	p.cfg.Logger.Info("ingress session closed", "session_id", id)
	return nil
}

// Sessions returns the ids of live sessions.
func (p *Processor) Sessions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		out = append(out, id)
	}
	return out
}

func (p *Processor) publish(t bus.Type, sessionID string, payload any) {
	if err := p.cfg.Publisher.Publish(bus.Event{Type: t, SessionID: sessionID, Payload: payload}); err != nil {
		p.cfg.Logger.Warn("ingress event dropped", "type", string(t), "session_id", sessionID, "error", err)
	}
}
