package ingress

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aurelo-ai/aurelo/internal/bus"
	"github.com/aurelo-ai/aurelo/internal/sched"
	"github.com/aurelo-ai/aurelo/internal/vad"
	"github.com/aurelo-ai/aurelo/pkg/audio"
	"github.com/aurelo-ai/aurelo/pkg/provider/stt"
)

// minFlushAudio is the smallest amount of buffered audio worth a one-shot
// STT call; anything shorter is noise.
const minFlushAudio = 100 * time.Millisecond

// session is the per-session ingress state. Frame processing is serialised
// by execMu: the drain job on the audio pool holds it while working, and
// Close and SetAIResponding take it for their own access.
type session struct {
	p          *Processor
	id         string
	cfg        SessionConfig
	sampleRate int

	// queue state, guarded by qmu.
	qmu     sync.Mutex
	pending [][]byte
	running bool
	closed  bool
	shed    int64

	// processing state, guarded by execMu.
	execMu       sync.Mutex
	detector     *vad.Detector
	tracker      *vad.Tracker
	ring         *audio.Ring
	voicedBytes  int
	ringDropped  int64
	stream       stt.SessionHandle
	streamWG     sync.WaitGroup
	streamBroken bool
	language     string
	langSettled  bool

	// sttFatal is set when the provider rejects the credentials; no further
	// STT attempts are made for this session. Atomic because transcription
	// jobs run outside execMu.
	sttFatal atomic.Bool

	// sttOutage marks that the current transient STT outage has already been
	// surfaced to the client. Cleared when a call succeeds, so each outage
	// window produces exactly one client-visible error.
	sttOutage atomic.Bool
}

// push queues a frame and kicks the drain job if none is in flight. The
// frame is copied; callers reuse their read buffers.
func (s *session) push(frame []byte) {
	buf := make([]byte, len(frame))
	copy(buf, frame)

	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		return
	}
	if len(s.pending) >= s.p.cfg.PendingFrames {
		s.pending = s.pending[1:]
		s.shed++
	}
	s.pending = append(s.pending, buf)
	kick := !s.running
	if kick {
		s.running = true
	}
	s.qmu.Unlock()

	if kick {
		// CallerRuns overflow on the audio pool means this executes inline
		// under saturation rather than dropping ingress work.
		if _, err := s.p.cfg.Pools.Audio().Submit(s.drain); err != nil {
			s.qmu.Lock()
			s.running = false
			s.qmu.Unlock()
			s.p.cfg.Logger.Warn("audio drain submit failed", "session_id", s.id, "error", err)
		}
	}
}

// drain processes queued frames until the queue is empty, then parks.
func (s *session) drain(ctx context.Context) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	for {
		s.qmu.Lock()
		if len(s.pending) == 0 || s.closed {
			s.running = false
			s.qmu.Unlock()
			return nil
		}
		frame := s.pending[0]
		s.pending = s.pending[1:]
		s.qmu.Unlock()

		s.process(ctx, frame)
	}
}

// process runs one frame through VAD, the ring, and STT dispatch. Called
// with execMu held.
func (s *session) process(ctx context.Context, frame []byte) {
	res, err := s.detector.Analyze(frame, time.Now())
	if err != nil {
		// Malformed frames are dropped and counted by the detector.
		s.p.cfg.Logger.Debug("malformed audio frame dropped",
			"session_id", s.id, "bytes", len(frame), "total", s.detector.Malformed())
		return
	}

	s.ring.Write(frame)
	if s.p.cfg.Metrics != nil {
		if d := s.ring.Dropped(); d > s.ringDropped {
			s.p.cfg.Metrics.DroppedAudio.Add(ctx, d-s.ringDropped)
			s.ringDropped = d
		}
	}

	upd := s.tracker.Observe(res.HasVoice, audio.DurationForBytes(len(frame), s.sampleRate))

	if upd.SpeechStarted {
		s.p.publish(bus.SpeechStart, s.id, nil)
		s.ensureStream(ctx)
	}

	if s.stream != nil {
		if err := s.stream.SendAudio(frame); err != nil {
			s.p.cfg.Logger.Warn("stt stream send failed, falling back to buffered transcription",
				"session_id", s.id, "error", err)
			s.dropStream()
		}
	}

	if res.HasVoice {
		s.voicedBytes += len(frame)
	}

	if upd.Silence != nil {
		s.p.publish(bus.SilenceDetected, s.id, *upd.Silence)
		if upd.Silence.Pause >= bus.PauseEndOfThought {
			s.dispatchSTT(ctx)
		}
		return
	}

	// Cadence trigger: enough new speech accumulated for a buffered call.
	// An active stream delivers partials continuously, so cadence only
	// matters on the one-shot path.
	if s.stream == nil && s.voicedBytes >= audio.BytesForDuration(s.p.cfg.SpeechPerTrigger, s.sampleRate) {
		s.dispatchSTT(ctx)
	}
}

// ensureStream opens a streaming STT session when the provider supports it.
// Called with execMu held.
func (s *session) ensureStream(ctx context.Context) {
	if s.stream != nil || s.streamBroken || s.sttFatal.Load() {
		return
	}

	handle, err := s.p.cfg.Provider.StartStream(ctx, stt.StreamConfig{
		SampleRate: s.sampleRate,
		Language:   s.language,
	})
	if err != nil {
		if errors.Is(err, stt.ErrNotSupported) {
			s.streamBroken = true
			return
		}
		s.p.cfg.Logger.Warn("stt stream open failed", "session_id", s.id, "error", err)
		return
	}

	s.stream = handle
	s.streamWG.Add(2)
	go s.forwardTranscripts(handle.Partials(), bus.PartialTranscript)
	go s.forwardTranscripts(handle.Finals(), bus.FinalTranscript)
}

// forwardTranscripts publishes provider results until the channel closes.
func (s *session) forwardTranscripts(ch <-chan stt.Transcript, t bus.Type) {
	defer s.streamWG.Done()
	for tr := range ch {
		if tr.Outcome != stt.OutcomeSuccess || tr.Text == "" {
			if tr.Outcome == stt.OutcomeFailed {
				s.p.cfg.Logger.Warn("stt stream result failed", "session_id", s.id, "message", tr.Message)
			}
			continue
		}
		s.p.publish(t, s.id, bus.TranscriptUpdate{
			Text:       tr.Text,
			Confidence: tr.Confidence,
			Final:      t == bus.FinalTranscript,
		})
		if s.p.cfg.Metrics != nil {
			kind := "partial"
			if t == bus.FinalTranscript {
				kind = "final"
			}
			s.p.cfg.Metrics.RecordTranscript(context.Background(), kind)
		}
	}
}

// dropStream abandons a broken streaming session. Called with execMu held.
func (s *session) dropStream() {
	if s.stream == nil {
		return
	}
	handle := s.stream
	s.stream = nil
	go func() {
		_ = handle.Close()
	}()
}

// dispatchSTT flushes buffered speech. With an active stream the provider
// already holds the audio, so the stream is closed to force final results
// and will reopen on the next utterance; otherwise the ring content goes out
// as a buffered transcription job on the STT pool. Called with execMu held.
func (s *session) dispatchSTT(ctx context.Context) {
	s.voicedBytes = 0
	if s.sttFatal.Load() {
		return
	}

	if s.stream != nil {
		handle := s.stream
		s.stream = nil
		s.ring.Reset()
		if _, err := s.p.cfg.Pools.STT().Submit(func(ctx context.Context) error {
			return handle.Close()
		}); err != nil {
			s.p.cfg.Logger.Warn("stt stream flush submit failed", "session_id", s.id, "error", err)
			go func() { _ = handle.Close() }()
		}
		return
	}

	pcm := s.ring.Bytes()
	s.ring.Reset()
	if len(pcm) < audio.BytesForDuration(minFlushAudio, s.sampleRate) {
		return
	}

	s.maybeDetectLanguage(ctx, pcm)
	lang := s.language

	if _, err := s.p.cfg.Pools.STT().Submit(func(ctx context.Context) error {
		return s.transcribe(ctx, pcm, lang)
	}); err != nil {
		// Reject-and-report: the pool is saturated, this utterance is lost.
		s.p.cfg.Logger.Warn("stt dispatch rejected", "session_id", s.id, "bytes", len(pcm), "error", err)
	}
}

// transcribe runs one buffered STT call with retry, guarded by the breaker
// when configured.
func (s *session) transcribe(ctx context.Context, pcm []byte, lang string) error {
	call := func() error {
		return sched.Retry(ctx, s.p.cfg.Retry, func(ctx context.Context) error {
			start := time.Now()
			tr, err := s.p.cfg.Provider.Transcribe(ctx, pcm, stt.StreamConfig{
				SampleRate: s.sampleRate,
				Language:   lang,
			})
			if s.p.cfg.Metrics != nil {
				status := "ok"
				if err != nil {
					status = "error"
				}
				s.p.cfg.Metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
				s.p.cfg.Metrics.RecordProviderRequest(ctx, "stt", "transcribe", status)
			}
			if errors.Is(err, stt.ErrAuth) {
				return sched.Permanent(err)
			}
			if err != nil {
				return err
			}
			s.deliverFinal(tr)
			return nil
		})
	}

	var err error
	if s.p.cfg.Breaker != nil {
		err = s.p.cfg.Breaker.Do(call)
	} else {
		err = call()
	}
	if err == nil {
		s.sttOutage.Store(false)
		return nil
	}

	// STT failure never stalls ingress; log and move on.
	s.p.cfg.Logger.Warn("stt transcription failed", "session_id", s.id, "error", err)
	if s.p.cfg.Metrics != nil {
		s.p.cfg.Metrics.RecordProviderError(ctx, "stt", "transcribe")
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Shutdown or close-flush deadline, not a backend outage.

	case errors.Is(err, stt.ErrAuth):
		// Rejected credentials cannot recover within the session: lock STT
		// out and tell the client once.
		if s.sttFatal.CompareAndSwap(false, true) {
			s.p.publish(bus.ErrorEvent, s.id, bus.Error{
				Code:    bus.CodeSTTUnavailable,
				Message: "speech recognition is unavailable for this session",
			})
		}

	default:
		// Transient failure that survived the retries: one client-visible
		// error per outage window, rearmed when a call succeeds again.
		if s.sttOutage.CompareAndSwap(false, true) {
			s.p.publish(bus.ErrorEvent, s.id, bus.Error{
				Code:    bus.CodeSTTUnavailable,
				Message: "speech recognition is temporarily unavailable",
			})
		}
	}
	return err
}

// deliverFinal publishes a buffered transcription result.
func (s *session) deliverFinal(tr stt.Transcript) {
	switch tr.Outcome {
	case stt.OutcomeSuccess:
		if tr.Text == "" {
			return
		}
		s.p.publish(bus.FinalTranscript, s.id, bus.TranscriptUpdate{
			Text:       tr.Text,
			Confidence: tr.Confidence,
			Final:      true,
		})
		if s.p.cfg.Metrics != nil {
			s.p.cfg.Metrics.RecordTranscript(context.Background(), "final")
		}
	case stt.OutcomeFailed:
		s.p.cfg.Logger.Warn("stt result failed", "session_id", s.id, "message", tr.Message)
	}
}

// maybeDetectLanguage runs one-time language detection on the first
// utterance when the session asked for it. Called with execMu held.
func (s *session) maybeDetectLanguage(ctx context.Context, pcm []byte) {
	if s.langSettled || !s.cfg.AutoDetectLanguage || s.language != "" {
		s.langSettled = true
		return
	}
	guess, err := s.p.cfg.Provider.DetectLanguage(ctx, pcm, s.sampleRate)
	if err != nil {
		if !errors.Is(err, stt.ErrNotSupported) {
			s.p.cfg.Logger.Warn("language detection failed", "session_id", s.id, "error", err)
		}
		s.langSettled = true
		return
	}
	if guess.Confidence >= 0.5 && guess.Language != "" {
		s.language = guess.Language
		s.p.cfg.Logger.Info("language detected",
			"session_id", s.id, "language", guess.Language, "confidence", guess.Confidence)
	}
	s.langSettled = true
}

// close flushes remaining audio and shuts the session down. The final STT
// call is bounded by the configured close-flush timeout.
func (s *session) close() {
	s.qmu.Lock()
	s.closed = true
	remaining := s.pending
	s.pending = nil
	s.qmu.Unlock()

	s.execMu.Lock()
	defer s.execMu.Unlock()

	// Fold frames that never reached VAD into the ring so they are part of
	// the final flush.
	for _, frame := range remaining {
		s.ring.Write(frame)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.p.cfg.CloseFlushTimeout)
	defer cancel()

	if s.stream != nil {
		handle := s.stream
		s.stream = nil
		closed := make(chan struct{})
		go func() {
			_ = handle.Close()
			close(closed)
		}()
		select {
		case <-closed:
			s.streamWG.Wait()
		case <-ctx.Done():
			s.p.cfg.Logger.Warn("stt stream close timed out", "session_id", s.id)
		}
		return
	}

	pcm := s.ring.Bytes()
	s.ring.Reset()
	if len(pcm) < audio.BytesForDuration(minFlushAudio, s.sampleRate) {
		return
	}
	s.maybeDetectLanguage(ctx, pcm)
	_ = s.transcribe(ctx, pcm, s.language)
}
