package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/aurelo-ai/aurelo/internal/bus"
	"github.com/aurelo-ai/aurelo/internal/respond"
	"github.com/aurelo-ai/aurelo/internal/sched"
	"github.com/aurelo-ai/aurelo/internal/session"
	"github.com/aurelo-ai/aurelo/internal/transcript"
	"github.com/aurelo-ai/aurelo/pkg/provider/llm"
	"github.com/aurelo-ai/aurelo/pkg/provider/llm/mock"
)

// recorder captures bus events for ordering assertions.
type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) handle(ev bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(t bus.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// index returns the position of the first event of type t, or -1.
func (r *recorder) index(t bus.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ev := range r.events {
		if ev.Type == t {
			return i
		}
	}
	return -1
}

// lastIndex returns the position of the last event of type t, or -1.
func (r *recorder) lastIndex(t bus.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return i
		}
	}
	return -1
}

func (r *recorder) first(t bus.Type) (bus.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == t {
			return ev, true
		}
	}
	return bus.Event{}, false
}

// fakeGate records SetAIResponding calls.
type fakeGate struct {
	mu    sync.Mutex
	calls []bool
}

func (g *fakeGate) SetAIResponding(_ string, on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, on)
}

func (g *fakeGate) last() (bool, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.calls) == 0 {
		return false, false
	}
	return g.calls[len(g.calls)-1], true
}

// fakeSilence reports a fixed current silence run.
type fakeSilence struct{ d time.Duration }

func (f fakeSilence) SilenceFor(string) time.Duration { return f.d }

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", msg)
}

type fixture struct {
	bus         *bus.Bus
	rec         *recorder
	llm         *mock.Provider
	gate        *fakeGate
	transcripts *transcript.Manager
	history     *session.Store
	orch        *Orchestrator
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		bus:         bus.New(),
		rec:         &recorder{},
		llm:         &mock.Provider{},
		gate:        &fakeGate{},
		transcripts: transcript.NewManager(transcript.Config{}),
		history:     session.NewStore(0),
	}
	pools := sched.NewCoordinator(sched.PoolSizes{})
	t.Cleanup(pools.Close)
	t.Cleanup(f.bus.Close)

	cfg := Config{
		Bus:         f.bus,
		Transcripts: f.transcripts,
		Contexts:    session.NewBuilder(session.BuilderConfig{}),
		History:     f.history,
		Streamer:    respond.New(f.bus, respond.Config{TokenDelay: time.Millisecond}),
		LLM:         f.llm,
		Pools:       pools,
		Voice:       f.gate,
		Delays: DelayPolicy{
			UserWaiting:  5 * time.Millisecond,
			EndOfThought: 10 * time.Millisecond,
			NaturalGap:   15 * time.Millisecond,
		},
		Retry: sched.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.orch = New(cfg)

	for _, typ := range []bus.Type{
		bus.ResponseStarted, bus.ResponseToken, bus.ResponseDone,
		bus.ResponseCancelled, bus.ErrorEvent, bus.SessionClosed,
	} {
		f.bus.Subscribe(typ, f.rec.handle)
	}
	return f
}

func (f *fixture) publish(t *testing.T, typ bus.Type, payload any) {
	t.Helper()
	if err := f.bus.Publish(bus.Event{Type: typ, SessionID: "s1", Payload: payload}); err != nil {
		t.Fatalf("publish %s: %v", typ, err)
	}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.publish(t, bus.SessionInit, bus.SessionInfo{Language: "en-US", Streaming: true})
}

func TestOrchestrator_GenerationRecordsSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	f := newFixture(t, nil)
	f.llm.Chunks = []llm.Chunk{{Text: "traced reply"}}

	f.start(t)
	f.publish(t, bus.FinalTranscript, bus.TranscriptUpdate{Text: "hello", Confidence: 0.9, Final: true})
	f.publish(t, bus.SilenceDetected, bus.Silence{Pause: bus.PauseEndOfThought, Duration: time.Second})

	waitFor(t, func() bool { return f.rec.count(bus.ResponseDone) == 1 }, "reply completed")
	waitFor(t, func() bool {
		for _, s := range exp.GetSpans() {
			if s.Name == "reply.generate" {
				return true
			}
		}
		return false
	}, "generation span exported")

	var found bool
	for _, s := range exp.GetSpans() {
		if s.Name != "reply.generate" {
			continue
		}
		for _, kv := range s.Attributes {
			if kv.Key == attribute.Key("session.id") && kv.Value.AsString() == "s1" {
				found = true
			}
		}
	}
	if !found {
		t.Error("generation span missing the session.id attribute")
	}
}

func TestOrchestrator_RepliesAfterEndOfThought(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.Chunks = []llm.Chunk{{Text: "Hello"}, {Text: " there"}}

	f.start(t)
	f.publish(t, bus.FinalTranscript, bus.TranscriptUpdate{Text: "hi assistant", Confidence: 0.9, Final: true})
	f.publish(t, bus.SilenceDetected, bus.Silence{Pause: bus.PauseEndOfThought, Duration: time.Second})

	waitFor(t, func() bool { return f.rec.count(bus.ResponseDone) == 1 }, "reply completed")

	if got := f.rec.index(bus.ResponseStarted); got < 0 || got > f.rec.index(bus.ResponseToken) {
		t.Error("ResponseStarted did not precede the first token")
	}
	done, _ := f.rec.first(bus.ResponseDone)
	if text := done.Payload.(bus.ResponseText).Text; text != "Hello there" {
		t.Errorf("reply = %q, want %q", text, "Hello there")
	}

	waitFor(t, func() bool { return len(f.history.Turns("s1")) == 1 }, "turn recorded")
	turn := f.history.Turns("s1")[0]
	if turn.UserText != "hi assistant" || turn.AssistantText != "Hello there" {
		t.Errorf("turn = %+v", turn)
	}

	// The consumed transcript is cleared for the next turn.
	waitFor(t, func() bool { return len(f.transcripts.GetContext("s1").Confirmed) == 0 }, "transcript cleared")
	if on, ok := f.gate.last(); !ok || on {
		t.Error("assistant-speaking signal not released after the reply")
	}
}

func TestOrchestrator_BargeInCancelsReply(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.Chunks = []llm.Chunk{
		{Text: "let "}, {Text: "me "}, {Text: "explain "}, {Text: "at "}, {Text: "length "},
		{Text: "why "}, {Text: "this "}, {Text: "matters"},
	}
	f.llm.ChunkDelay = 30 * time.Millisecond

	f.start(t)
	f.publish(t, bus.FinalTranscript, bus.TranscriptUpdate{Text: "tell me everything", Confidence: 0.85, Final: true})
	f.publish(t, bus.SilenceDetected, bus.Silence{Pause: bus.PauseUserWaiting, Duration: 3 * time.Second})

	waitFor(t, func() bool { return f.rec.count(bus.ResponseToken) >= 1 }, "stream producing tokens")

	// The user speaks over the reply.
	f.publish(t, bus.SpeechStart, nil)
	waitFor(t, func() bool { return f.rec.count(bus.ResponseCancelled) == 1 }, "stream cancelled")

	if f.rec.count(bus.ResponseDone) != 0 {
		t.Error("cancelled stream also published ResponseDone")
	}
	if tok, cancel := f.rec.lastIndex(bus.ResponseToken), f.rec.index(bus.ResponseCancelled); tok > cancel {
		t.Errorf("token at %d after cancellation at %d", tok, cancel)
	}

	// The interrupted reply never reaches history; the user's transcript
	// survives for the next turn.
	time.Sleep(50 * time.Millisecond)
	if n := len(f.history.Turns("s1")); n != 0 {
		t.Errorf("history turns = %d, want 0 after barge-in", n)
	}
	if n := len(f.transcripts.GetContext("s1").Confirmed); n != 1 {
		t.Errorf("confirmed segments = %d, want 1", n)
	}
	waitFor(t, func() bool { on, ok := f.gate.last(); return ok && !on }, "assistant-speaking signal dropped")
}

func TestOrchestrator_BargeInDisabledKeepsReply(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.Chunks = []llm.Chunk{
		{Text: "the "}, {Text: "reply "}, {Text: "keeps "}, {Text: "going"},
	}
	f.llm.ChunkDelay = 20 * time.Millisecond

	f.publish(t, bus.SessionInit, bus.SessionInfo{Language: "en-US", Streaming: true, DisableBargeIn: true})
	f.publish(t, bus.FinalTranscript, bus.TranscriptUpdate{Text: "do not stop", Confidence: 0.9, Final: true})
	f.publish(t, bus.SilenceDetected, bus.Silence{Pause: bus.PauseUserWaiting, Duration: 3 * time.Second})

	waitFor(t, func() bool { return f.rec.count(bus.ResponseToken) >= 1 }, "stream producing tokens")

	// Speech over the reply is ignored when interruptions are off.
	f.publish(t, bus.SpeechStart, nil)

	waitFor(t, func() bool { return f.rec.count(bus.ResponseDone) == 1 }, "reply ran to completion")
	if n := f.rec.count(bus.ResponseCancelled); n != 0 {
		t.Errorf("ResponseCancelled = %d, want 0 with interruptions disabled", n)
	}
	done, _ := f.rec.first(bus.ResponseDone)
	if text := done.Payload.(bus.ResponseText).Text; text != "the reply keeps going" {
		t.Errorf("reply = %q, want the full text", text)
	}
}

func TestOrchestrator_LowConfidenceFinalIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.Chunks = []llm.Chunk{{Text: "should not appear"}}

	f.start(t)
	f.publish(t, bus.FinalTranscript, bus.TranscriptUpdate{Text: "mumble mumble", Confidence: 0.4, Final: true})
	f.publish(t, bus.SilenceDetected, bus.Silence{Pause: bus.PauseEndOfThought, Duration: 1200 * time.Millisecond})

	time.Sleep(100 * time.Millisecond)
	if n := f.rec.count(bus.ResponseStarted); n != 0 {
		t.Errorf("ResponseStarted = %d, want no generation from a low-confidence final", n)
	}
	if n := f.llm.StreamCallCount(); n != 0 {
		t.Errorf("llm calls = %d, want 0", n)
	}
	if n := len(f.transcripts.GetContext("s1").Confirmed); n != 0 {
		t.Errorf("confirmed segments = %d, want 0", n)
	}
}

func TestOrchestrator_GenerationFailureRecovers(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.StreamErr = errors.New("model overloaded")

	f.start(t)
	f.publish(t, bus.FinalTranscript, bus.TranscriptUpdate{Text: "are you there", Confidence: 0.9, Final: true})
	f.publish(t, bus.SilenceDetected, bus.Silence{Pause: bus.PauseEndOfThought, Duration: time.Second})

	waitFor(t, func() bool { return f.rec.count(bus.ErrorEvent) == 1 }, "error surfaced")
	ev, _ := f.rec.first(bus.ErrorEvent)
	if code := ev.Payload.(bus.Error).Code; code != bus.CodeAIUnavailable {
		t.Errorf("error code = %q, want %q", code, bus.CodeAIUnavailable)
	}
	if n := len(f.history.Turns("s1")); n != 0 {
		t.Errorf("history turns = %d, want 0 after failure", n)
	}
	// The transcript is kept so the next pause can retry.
	if n := len(f.transcripts.GetContext("s1").Confirmed); n != 1 {
		t.Errorf("confirmed segments = %d, want 1", n)
	}

	// Backend recovers; the same utterance produces a reply on the next pause.
	f.llm.StreamErr = nil
	f.llm.Chunks = []llm.Chunk{{Text: "yes, I am here"}}
	f.publish(t, bus.SilenceDetected, bus.Silence{Pause: bus.PauseUserWaiting, Duration: 3 * time.Second})

	waitFor(t, func() bool { return f.rec.count(bus.ResponseDone) == 1 }, "reply after recovery")
	waitFor(t, func() bool { return len(f.history.Turns("s1")) == 1 }, "turn recorded after recovery")
}

func TestOrchestrator_LateFinalTriggersWhenUserWaiting(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Silence = fakeSilence{d: 2 * time.Second}
	})
	f.llm.Chunks = []llm.Chunk{{Text: "sorry for the wait"}}

	f.start(t)
	// The final lands late, with no further silence event coming.
	f.publish(t, bus.FinalTranscript, bus.TranscriptUpdate{Text: "any update", Confidence: 0.9, Final: true})

	waitFor(t, func() bool { return f.rec.count(bus.ResponseDone) == 1 }, "late final triggered a reply")
}

func TestOrchestrator_FinalizeFlushesLeftoverTranscript(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.Chunks = []llm.Chunk{{Text: "goodbye!"}}

	f.start(t)
	// A confirmed utterance with no pause long enough to trigger before the
	// session ends.
	f.publish(t, bus.FinalTranscript, bus.TranscriptUpdate{Text: "thanks, bye", Confidence: 0.95, Final: true})
	f.publish(t, bus.SessionFinalized, nil)

	waitFor(t, func() bool { return f.rec.count(bus.SessionClosed) == 1 }, "session closed")

	if f.rec.count(bus.ResponseDone) != 1 {
		t.Fatal("leftover transcript did not produce a farewell reply")
	}
	if done, closed := f.rec.index(bus.ResponseDone), f.rec.index(bus.SessionClosed); done > closed {
		t.Errorf("ResponseDone at %d after SessionClosed at %d", done, closed)
	}
	// Conversation state is released.
	if n := len(f.transcripts.GetContext("s1").Confirmed); n != 0 {
		t.Errorf("confirmed segments = %d after teardown", n)
	}
	if n := len(f.history.Turns("s1")); n != 0 {
		t.Errorf("history turns = %d after teardown", n)
	}
}

func TestOrchestrator_SynthesizesWhenStreamingDisabled(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.Response = &llm.CompletionResponse{Content: "three word reply"}

	f.publish(t, bus.SessionInit, bus.SessionInfo{Language: "en-US", Streaming: false})
	f.publish(t, bus.FinalTranscript, bus.TranscriptUpdate{Text: "quick question", Confidence: 0.9, Final: true})
	f.publish(t, bus.SilenceDetected, bus.Silence{Pause: bus.PauseUserWaiting, Duration: 3 * time.Second})

	waitFor(t, func() bool { return f.rec.count(bus.ResponseDone) == 1 }, "synthesized reply completed")

	if f.llm.StreamCallCount() != 0 {
		t.Error("streaming path used despite Streaming=false")
	}
	if n := f.rec.count(bus.ResponseToken); n != 3 {
		t.Errorf("tokens = %d, want 3 synthesized word tokens", n)
	}
	done, _ := f.rec.first(bus.ResponseDone)
	if text := done.Payload.(bus.ResponseText).Text; text != "three word reply" {
		t.Errorf("reply = %q", text)
	}
}

func TestOrchestrator_IdleSessions(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	waitFor(t, func() bool {
		return len(f.orch.IdleSessions(0)) == 1
	}, "fresh session reported idle against a zero window")

	if ids := f.orch.IdleSessions(time.Hour); len(ids) != 0 {
		t.Errorf("idle against 1h window = %v, want none", ids)
	}
}
