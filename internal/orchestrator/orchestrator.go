// Package orchestrator couples speech events to assistant replies. It
// subscribes to the session event bus, runs a per-session conversation state
// machine, confirms final transcripts into the transcript buffers, decides
// when a pause means the user expects an answer, and drives reply generation
// on the LLM pool with barge-in cancellation.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aurelo-ai/aurelo/internal/bus"
	"github.com/aurelo-ai/aurelo/internal/observe"
	"github.com/aurelo-ai/aurelo/internal/respond"
	"github.com/aurelo-ai/aurelo/internal/sched"
	"github.com/aurelo-ai/aurelo/internal/session"
	"github.com/aurelo-ai/aurelo/internal/transcript"
	"github.com/aurelo-ai/aurelo/pkg/provider/llm"
)

// state is the conversation phase of a single session.
type state int

const (
	// stateListening means no speech is active and no reply is in flight.
	stateListening state = iota

	// stateSpeaking means the user is talking.
	stateSpeaking

	// statePausing means the user went quiet but may continue.
	statePausing

	// stateAwaitingReply means a generation trigger fired and the response
	// delay is counting down.
	stateAwaitingReply

	// stateReplying means an assistant reply stream is active.
	stateReplying

	// stateClosing means the session is being finalized. Terminal.
	stateClosing
)

// String returns the state's name for logs.
func (s state) String() string {
	switch s {
	case stateListening:
		return "listening"
	case stateSpeaking:
		return "speaking"
	case statePausing:
		return "pausing"
	case stateAwaitingReply:
		return "awaiting_reply"
	case stateReplying:
		return "replying"
	case stateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// VoiceGate is the assistant-speaking signal into the audio pipeline.
// Satisfied by the ingress processor.
type VoiceGate interface {
	SetAIResponding(sessionID string, on bool)
}

// SilenceSource reports the current silence run of a session. Satisfied by
// the ingress processor.
type SilenceSource interface {
	SilenceFor(sessionID string) time.Duration
}

// DelayPolicy maps a pause classification onto the wait before generation
// starts. A user already waiting gets a prompt answer; a mere end of thought
// leaves room for the speaker to continue.
type DelayPolicy struct {
	// UserWaiting applies to long pauses. Default: 750 ms.
	UserWaiting time.Duration

	// EndOfThought applies to medium pauses. Default: 1.5 s.
	EndOfThought time.Duration

	// NaturalGap applies to anything shorter. Default: 3 s.
	NaturalGap time.Duration
}

func (d DelayPolicy) withDefaults() DelayPolicy {
	if d.UserWaiting <= 0 {
		d.UserWaiting = 750 * time.Millisecond
	}
	if d.EndOfThought <= 0 {
		d.EndOfThought = 1500 * time.Millisecond
	}
	if d.NaturalGap <= 0 {
		d.NaturalGap = 3 * time.Second
	}
	return d
}

// For returns the delay for a pause classification.
func (d DelayPolicy) For(p bus.PauseType) time.Duration {
	switch p {
	case bus.PauseUserWaiting:
		return d.UserWaiting
	case bus.PauseEndOfThought:
		return d.EndOfThought
	default:
		return d.NaturalGap
	}
}

// Config holds the dependencies and policy for an [Orchestrator]. Bus,
// Transcripts, Contexts, History, Streamer, LLM, and Pools are required.
type Config struct {
	// Bus delivers speech events in and carries reply events out.
	Bus *bus.Bus

	// Transcripts is the dual-buffer transcript store.
	Transcripts *transcript.Manager

	// Contexts assembles the bounded message window per generation.
	Contexts *session.Builder

	// History is the per-session turn store.
	History *session.Store

	// Streamer emits the reply token stream.
	Streamer *respond.Streamer

	// LLM is the generation backend.
	LLM llm.Provider

	// Pools supplies the LLM and scheduled worker pools.
	Pools *sched.Coordinator

	// Voice, when non-nil, is told while a reply streams so incoming voice
	// counts as a barge-in rather than a pause.
	Voice VoiceGate

	// Silence, when non-nil, lets a late-arriving final transcript trigger
	// generation when the user has already been waiting.
	Silence SilenceSource

	// Metrics, when non-nil, receives turn instrumentation.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// MinConfidence is the floor below which final transcripts are
	// discarded. Default: 0.6.
	MinConfidence float64

	// Delays is the pause-to-generation delay policy.
	Delays DelayPolicy

	// TurnTimeout bounds a single reply generation. Default: 30 s.
	TurnTimeout time.Duration

	// FinalizeTimeout bounds the leftover-transcript generation on session
	// teardown. Default: 5 s.
	FinalizeTimeout time.Duration

	// Retry is the policy for starting a generation against a flaky backend.
	Retry sched.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.6
	}
	c.Delays = c.Delays.withDefaults()
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 30 * time.Second
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 5 * time.Second
	}
	return c
}

// convo is the per-session conversation state. Bus handlers for one session
// run sequentially, but generation runs on the LLM pool, so the mutable
// fields are guarded by mu.
type convo struct {
	id string

	mu           sync.Mutex
	info         bus.SessionInfo
	state        state
	cancel       context.CancelFunc
	lastActivity time.Time
	speechEnd    time.Time
	lastTurnDone time.Time
}

// momentumWindow is the recent-exchange horizon for delay scaling: a turn
// completed within this window marks a brisk back-and-forth.
const momentumWindow = 30 * time.Second

// momentumScale shortens the response delay in a brisk exchange, down to
// half right after a completed turn, recovering linearly over the window.
// Caller holds c.mu.
func (c *convo) momentumScale(now time.Time) float64 {
	if c.lastTurnDone.IsZero() {
		return 1
	}
	gap := now.Sub(c.lastTurnDone)
	if gap >= momentumWindow {
		return 1
	}
	return 0.5 + 0.5*float64(gap)/float64(momentumWindow)
}

// Orchestrator owns the conversation state machines for all sessions.
type Orchestrator struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*convo
}

// New creates an Orchestrator and registers its bus subscriptions. It panics
// if a required dependency is missing, which is a wiring bug, not a runtime
// condition.
func New(cfg Config) *Orchestrator {
	if cfg.Bus == nil || cfg.Transcripts == nil || cfg.Contexts == nil ||
		cfg.History == nil || cfg.Streamer == nil || cfg.LLM == nil || cfg.Pools == nil {
		panic("orchestrator: Bus, Transcripts, Contexts, History, Streamer, LLM, and Pools are required")
	}

	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*convo),
	}
	cfg.Bus.Subscribe(bus.SessionInit, o.onInit)
	cfg.Bus.Subscribe(bus.SpeechStart, o.onSpeechStart)
	cfg.Bus.Subscribe(bus.SilenceDetected, o.onSilence)
	cfg.Bus.Subscribe(bus.PartialTranscript, o.onPartial)
	cfg.Bus.Subscribe(bus.FinalTranscript, o.onFinal)
	cfg.Bus.Subscribe(bus.TriggerGenerate, o.onTrigger)
	cfg.Bus.Subscribe(bus.SessionFinalized, o.onFinalized)
	return o
}

func (o *Orchestrator) lookup(id string) *convo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[id]
}

func (o *Orchestrator) onInit(ev bus.Event) {
	info, _ := ev.Payload.(bus.SessionInfo)
	c := &convo{
		id:           ev.SessionID,
		info:         info,
		state:        stateListening,
		lastActivity: ev.Time,
	}

	o.mu.Lock()
	o.sessions[ev.SessionID] = c
	o.mu.Unlock()

	o.cfg.History.Touch(ev.SessionID)
	o.cfg.Logger.Info("conversation started",
		"session_id", ev.SessionID, "language", info.Language, "streaming", info.Streaming)
}

// onSpeechStart handles a new utterance. Speech over an active reply is a
// barge-in: the stream is cancelled before the handler returns, so the
// ResponseCancelled event precedes any token of a later stream.
func (o *Orchestrator) onSpeechStart(ev bus.Event) {
	c := o.lookup(ev.SessionID)
	if c == nil {
		return
	}

	c.mu.Lock()
	c.lastActivity = ev.Time
	prev := c.state
	if prev == stateReplying && c.info.DisableBargeIn {
		c.mu.Unlock()
		o.cfg.Logger.Debug("speech during reply ignored, interruptions disabled",
			"session_id", ev.SessionID)
		return
	}
	cancel := c.cancel
	c.cancel = nil
	if c.state != stateClosing {
		c.state = stateSpeaking
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	switch prev {
	case stateReplying:
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.BargeIns.Add(context.Background(), 1)
		}
		if o.cfg.Voice != nil {
			o.cfg.Voice.SetAIResponding(ev.SessionID, false)
		}
		o.cfg.Logger.Info("barge-in: reply cancelled", "session_id", ev.SessionID)
	case stateAwaitingReply:
		o.cfg.Logger.Debug("pending reply superseded by speech", "session_id", ev.SessionID)
	}
}

func (o *Orchestrator) onSilence(ev bus.Event) {
	c := o.lookup(ev.SessionID)
	if c == nil {
		return
	}
	sil, ok := ev.Payload.(bus.Silence)
	if !ok {
		return
	}

	c.mu.Lock()
	if c.state == stateSpeaking {
		c.state = statePausing
	}
	c.speechEnd = ev.Time.Add(-sil.Duration)
	c.mu.Unlock()

	if sil.Pause >= bus.PauseEndOfThought {
		o.maybeTrigger(c, sil.Pause)
	}
}

func (o *Orchestrator) onPartial(ev bus.Event) {
	c := o.lookup(ev.SessionID)
	if c == nil {
		return
	}
	upd, ok := ev.Payload.(bus.TranscriptUpdate)
	if !ok {
		return
	}

	c.mu.Lock()
	c.lastActivity = ev.Time
	c.mu.Unlock()

	o.cfg.Transcripts.UpdatePartial(ev.SessionID, upd.Text, upd.Confidence, ev.Time)
}

// onFinal commits a final transcript. Low-confidence finals are discarded
// without producing a segment or a trigger; the interim text stays visible to
// the client. A final landing after the user has already waited a second
// synthesizes its own trigger, covering recognitions that arrive late.
func (o *Orchestrator) onFinal(ev bus.Event) {
	c := o.lookup(ev.SessionID)
	if c == nil {
		return
	}
	upd, ok := ev.Payload.(bus.TranscriptUpdate)
	if !ok {
		return
	}

	c.mu.Lock()
	c.lastActivity = ev.Time
	c.mu.Unlock()

	if upd.Confidence < o.cfg.MinConfidence {
		o.cfg.Logger.Debug("final transcript below confidence floor",
			"session_id", ev.SessionID, "confidence", upd.Confidence)
		return
	}

	seg, committed := o.cfg.Transcripts.ConfirmFinal(ev.SessionID, upd.Text, upd.Confidence, ev.Time)
	if !committed {
		return
	}
	o.cfg.Logger.Debug("transcript confirmed",
		"session_id", ev.SessionID, "segment_id", seg.ID, "confidence", upd.Confidence)

	if o.cfg.Silence == nil {
		return
	}
	c.mu.Lock()
	idle := c.state != stateAwaitingReply && c.state != stateReplying && c.state != stateClosing
	c.mu.Unlock()
	if idle && o.cfg.Silence.SilenceFor(ev.SessionID) >= time.Second {
		_ = o.cfg.Bus.Publish(bus.Event{
			Type:      bus.TriggerGenerate,
			SessionID: ev.SessionID,
			Payload:   bus.Trigger{Pause: bus.PauseUserWaiting},
		})
	}
}

func (o *Orchestrator) onTrigger(ev bus.Event) {
	c := o.lookup(ev.SessionID)
	if c == nil {
		return
	}
	trig, ok := ev.Payload.(bus.Trigger)
	if !ok {
		return
	}
	o.maybeTrigger(c, trig.Pause)
}

// maybeTrigger arms a delayed generation if the session has confirmed
// transcript text and no reply is already pending. The delay runs on the
// scheduled pool and is cancelled by new speech.
func (o *Orchestrator) maybeTrigger(c *convo, pause bus.PauseType) {
	snap := o.cfg.Transcripts.GetContext(c.id)
	if len(snap.Confirmed) == 0 {
		return
	}

	c.mu.Lock()
	if c.state == stateAwaitingReply || c.state == stateReplying || c.state == stateClosing {
		c.mu.Unlock()
		return
	}
	c.state = stateAwaitingReply
	genCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	scale := c.momentumScale(time.Now())
	c.mu.Unlock()

	delay := time.Duration(float64(o.cfg.Delays.For(pause)) * scale)
	o.cfg.Logger.Debug("generation armed",
		"session_id", c.id, "pause", pause.String(), "delay", delay)

	if _, err := o.cfg.Pools.Scheduled().Submit(func(jctx context.Context) error {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-genCtx.Done():
			// Superseded by new speech before the delay elapsed.
			return nil
		case <-jctx.Done():
			o.endGeneration(c)
			return jctx.Err()
		case <-timer.C:
		}

		if _, err := o.cfg.Pools.LLM().Submit(func(context.Context) error {
			o.generate(genCtx, c, false)
			return nil
		}); err != nil {
			o.cfg.Logger.Warn("generation rejected by llm pool", "session_id", c.id, "error", err)
			o.publishError(c.id, bus.CodeAIUnavailable, "assistant is busy, try again shortly")
			o.endGeneration(c)
		}
		return nil
	}); err != nil {
		o.cfg.Logger.Warn("generation delay rejected", "session_id", c.id, "error", err)
		o.endGeneration(c)
	}
}

// generate runs one reply: snapshot the confirmed transcript, build the
// context window, stream the completion, and commit the finished turn. On
// barge-in the partial reply is discarded and nothing reaches history.
func (o *Orchestrator) generate(ctx context.Context, c *convo, closing bool) {
	snap := o.cfg.Transcripts.GetContext(c.id)
	if len(snap.Confirmed) == 0 || ctx.Err() != nil {
		o.endGeneration(c)
		return
	}
	userText, avgConf, incoming := flatten(snap)

	built := o.cfg.Contexts.Build(o.cfg.History.Turns(c.id), incoming...)

	c.mu.Lock()
	info := c.info
	speechEnd := c.speechEnd
	if !closing {
		if c.state != stateAwaitingReply {
			c.mu.Unlock()
			return
		}
		c.state = stateReplying
	}
	c.mu.Unlock()

	if o.cfg.Voice != nil {
		o.cfg.Voice.SetAIResponding(c.id, true)
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ActiveStreams.Add(context.Background(), 1)
		defer o.cfg.Metrics.ActiveStreams.Add(context.Background(), -1)
	}

	req := llm.CompletionRequest{
		Messages:     built.Messages,
		SystemPrompt: built.SystemPrompt,
		Temperature:  info.Temperature,
		MaxTokens:    info.MaxTokens,
	}

	tctx, cancel := context.WithTimeout(ctx, o.cfg.TurnTimeout)
	defer cancel()

	tctx, span := observe.StartSpan(tctx, "reply.generate", observe.WithSession(c.id))
	defer span.End()
	logger := o.cfg.Logger
	if id := observe.CorrelationID(tctx); id != "" {
		logger = logger.With("trace_id", id)
	}

	start := time.Now()
	var res respond.Result
	if info.Streaming {
		var chunks <-chan llm.Chunk
		err := sched.Retry(tctx, o.cfg.Retry, func(context.Context) error {
			var e error
			chunks, e = o.cfg.LLM.StreamCompletion(tctx, req)
			return e
		})
		o.recordLLMRequest(err, "stream")
		if err != nil {
			span.RecordError(err)
			o.replyFailed(c, err)
			return
		}
		res = o.cfg.Streamer.Stream(tctx, c.id, o.watchFirstToken(chunks, start))
	} else {
		var resp *llm.CompletionResponse
		err := sched.Retry(tctx, o.cfg.Retry, func(rctx context.Context) error {
			var e error
			resp, e = o.cfg.LLM.Complete(rctx, req)
			return e
		})
		o.recordLLMRequest(err, "complete")
		if err != nil {
			span.RecordError(err)
			o.replyFailed(c, err)
			return
		}
		res = o.cfg.Streamer.Synthesize(tctx, c.id, resp.Content)
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.LLMDuration.Record(context.Background(), time.Since(start).Seconds())
	}

	switch {
	case res.Err != nil:
		span.RecordError(res.Err)
		o.replyFailed(c, res.Err)

	case res.Cancelled && ctx.Err() != nil:
		// Barge-in or teardown: the partial reply is discarded, the user's
		// confirmed transcript stays for the next turn.
		logger.Info("reply cancelled mid-stream",
			"session_id", c.id, "stream_id", res.StreamID, "partial_chars", len(res.Text))
		o.endGeneration(c)

	case res.Cancelled:
		// The turn timeout expired while tokens were still streaming.
		o.replyFailed(c, context.DeadlineExceeded)

	default:
		o.cfg.History.AppendTurn(c.id, session.Turn{
			UserText:      userText,
			AssistantText: res.Text,
			Confidence:    avgConf,
			Time:          time.Now(),
		})
		o.cfg.Transcripts.Clear(c.id)
		c.mu.Lock()
		c.lastTurnDone = time.Now()
		c.mu.Unlock()
		if o.cfg.Metrics != nil && !speechEnd.IsZero() {
			o.cfg.Metrics.TurnDuration.Record(context.Background(), time.Since(speechEnd).Seconds())
		}
		logger.Info("assistant turn completed",
			"session_id", c.id, "stream_id", res.StreamID,
			"reply_chars", len(res.Text), "context_tokens", built.EstTokens)
		o.endGeneration(c)
	}
}

// replyFailed surfaces a generation failure to the client and returns the
// session to listening. The confirmed transcript is kept, so the next pause
// retries with the same utterance.
func (o *Orchestrator) replyFailed(c *convo, err error) {
	o.cfg.Logger.Warn("reply generation failed", "session_id", c.id, "error", err)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordProviderError(context.Background(), "llm", "completion")
	}
	o.publishError(c.id, bus.CodeAIUnavailable, "assistant could not produce a reply")
	o.endGeneration(c)
}

// endGeneration returns the session to listening unless speech or teardown
// moved it elsewhere, and drops the assistant-speaking signal.
func (o *Orchestrator) endGeneration(c *convo) {
	c.mu.Lock()
	c.cancel = nil
	if c.state == stateAwaitingReply || c.state == stateReplying {
		c.state = stateListening
	}
	c.mu.Unlock()

	if o.cfg.Voice != nil {
		o.cfg.Voice.SetAIResponding(c.id, false)
	}
}

// onFinalized tears the session down. Leftover confirmed transcript gets one
// bounded generation attempt so the user's last words are not swallowed, then
// all conversation state is released and SessionClosed is published as the
// session's last event.
func (o *Orchestrator) onFinalized(ev bus.Event) {
	o.mu.Lock()
	c := o.sessions[ev.SessionID]
	delete(o.sessions, ev.SessionID)
	o.mu.Unlock()

	if c == nil {
		o.publishClosed(ev.SessionID)
		return
	}

	c.mu.Lock()
	c.state = stateClosing
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if snap := o.cfg.Transcripts.GetContext(c.id); len(snap.Confirmed) > 0 {
		ctx, done := context.WithTimeout(context.Background(), o.cfg.FinalizeTimeout)
		o.generate(ctx, c, true)
		done()
	}

	o.cfg.Transcripts.Reset(c.id)
	o.cfg.History.Remove(c.id)
	o.cfg.Logger.Info("conversation closed", "session_id", c.id)
	o.publishClosed(c.id)
}

// ClearConversation wipes a session's transcript and history without ending
// the session. Driven by the client's conversation.clear request.
func (o *Orchestrator) ClearConversation(id string) {
	o.cfg.Transcripts.Clear(id)
	o.cfg.History.Clear(id)
	o.cfg.Logger.Info("conversation cleared", "session_id", id)
}

// IdleSessions returns sessions with no speech activity for longer than
// olderThan. Sessions with a reply in flight are never idle.
func (o *Orchestrator) IdleSessions(olderThan time.Duration) []string {
	o.mu.Lock()
	convos := make([]*convo, 0, len(o.sessions))
	for _, c := range o.sessions {
		convos = append(convos, c)
	}
	o.mu.Unlock()

	now := time.Now()
	var idle []string
	for _, c := range convos {
		c.mu.Lock()
		busy := c.state == stateAwaitingReply || c.state == stateReplying || c.state == stateClosing
		stale := now.Sub(c.lastActivity) > olderThan
		c.mu.Unlock()
		if stale && !busy {
			idle = append(idle, c.id)
		}
	}
	return idle
}

func (o *Orchestrator) publishError(sessionID, code, msg string) {
	_ = o.cfg.Bus.Publish(bus.Event{
		Type:      bus.ErrorEvent,
		SessionID: sessionID,
		Payload:   bus.Error{Code: code, Message: msg},
	})
}

func (o *Orchestrator) publishClosed(sessionID string) {
	_ = o.cfg.Bus.Publish(bus.Event{Type: bus.SessionClosed, SessionID: sessionID})
}

// recordLLMRequest records the provider request counter for a generation
// start.
func (o *Orchestrator) recordLLMRequest(err error, kind string) {
	if o.cfg.Metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.cfg.Metrics.RecordProviderRequest(context.Background(), "llm", kind, status)
}

// watchFirstToken records the first-token latency histogram as chunks flow
// through. The wrapper preserves the channel-close contract the streamer
// relies on.
func (o *Orchestrator) watchFirstToken(in <-chan llm.Chunk, start time.Time) <-chan llm.Chunk {
	if o.cfg.Metrics == nil {
		return in
	}
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		first := true
		for chunk := range in {
			if first && chunk.Text != "" {
				o.cfg.Metrics.LLMFirstToken.Record(context.Background(), time.Since(start).Seconds())
				first = false
			}
			out <- chunk
		}
	}()
	return out
}

// flatten joins the confirmed segments into the user utterance for history
// and the per-segment messages for the context builder.
func flatten(snap transcript.Context) (string, float64, []session.Message) {
	parts := make([]string, 0, len(snap.Confirmed))
	msgs := make([]session.Message, 0, len(snap.Confirmed))
	var confSum float64
	for _, seg := range snap.Confirmed {
		parts = append(parts, seg.Text)
		confSum += seg.Confidence
		msgs = append(msgs, session.Message{
			Role:       llm.RoleUser,
			Text:       seg.Text,
			Confidence: seg.Confidence,
			Time:       seg.Time,
		})
	}
	return strings.Join(parts, " "), confSum / float64(len(snap.Confirmed)), msgs
}
