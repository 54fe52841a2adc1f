package respond

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aurelo-ai/aurelo/internal/bus"
	"github.com/aurelo-ai/aurelo/pkg/provider/llm"
)

// capturePub records published events in order.
type capturePub struct {
	mu     sync.Mutex
	events []bus.Event
}

func (p *capturePub) Publish(ev bus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePub) types() []bus.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bus.Type, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func chunksFrom(chunks ...llm.Chunk) <-chan llm.Chunk {
	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestStream_ForwardsAndAccumulates(t *testing.T) {
	pub := &capturePub{}
	s := New(pub, Config{})

	res := s.Stream(context.Background(), "s1", chunksFrom(
		llm.Chunk{Text: "Hello"},
		llm.Chunk{Text: " there"},
		llm.Chunk{Text: "."},
		llm.Chunk{FinishReason: "stop"},
	))

	if res.Err != nil || res.Cancelled {
		t.Fatalf("result = %+v", res)
	}
	if res.Text != "Hello there." {
		t.Errorf("Text = %q", res.Text)
	}

	want := []bus.Type{bus.ResponseStarted, bus.ResponseToken, bus.ResponseToken, bus.ResponseToken, bus.ResponseDone}
	got := pub.types()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %v, want %v", i, got[i], want[i])
		}
	}

	// Every event in the stream carries the same stream id.
	for _, ev := range pub.events {
		switch p := ev.Payload.(type) {
		case bus.ResponseRef:
			if p.StreamID != res.StreamID {
				t.Errorf("stream id mismatch in %v", ev.Type)
			}
		case bus.Token:
			if p.StreamID != res.StreamID {
				t.Errorf("stream id mismatch in token")
			}
		case bus.ResponseText:
			if p.StreamID != res.StreamID || p.Text != "Hello there." {
				t.Errorf("done payload = %+v", p)
			}
		}
	}
}

func TestStream_ClosedChannelCompletes(t *testing.T) {
	pub := &capturePub{}
	s := New(pub, Config{})

	res := s.Stream(context.Background(), "s1", chunksFrom(llm.Chunk{Text: "partial"}))
	if res.Err != nil || res.Cancelled || res.Text != "partial" {
		t.Errorf("result = %+v", res)
	}
	got := pub.types()
	if got[len(got)-1] != bus.ResponseDone {
		t.Errorf("last event = %v, want ResponseDone", got[len(got)-1])
	}
}

func TestStream_CancellationEmitsCancelled(t *testing.T) {
	pub := &capturePub{}
	s := New(pub, Config{})

	ch := make(chan llm.Chunk)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Result, 1)
	go func() { done <- s.Stream(ctx, "s1", ch) }()

	ch <- llm.Chunk{Text: "first "}
	ch <- llm.Chunk{Text: "second"}
	cancel()

	res := <-done
	close(ch) // releases the drain goroutine
	if !res.Cancelled {
		t.Fatalf("result = %+v, want cancelled", res)
	}
	if res.Text == "" {
		t.Error("partial text lost on cancellation")
	}

	got := pub.types()
	if got[len(got)-1] != bus.ResponseCancelled {
		t.Errorf("last event = %v, want ResponseCancelled", got[len(got)-1])
	}
	for _, typ := range got {
		if typ == bus.ResponseDone {
			t.Error("cancelled stream published ResponseDone")
		}
	}
}

func TestStream_ErrorChunk(t *testing.T) {
	pub := &capturePub{}
	s := New(pub, Config{})

	res := s.Stream(context.Background(), "s1", chunksFrom(
		llm.Chunk{Text: "partial"},
		llm.Chunk{Text: "rate limited", FinishReason: "error"},
	))

	if res.Err == nil {
		t.Fatal("error chunk did not surface as Err")
	}
	if res.Cancelled {
		t.Error("error reported as cancellation")
	}
	for _, typ := range pub.types() {
		if typ == bus.ResponseDone || typ == bus.ResponseCancelled {
			t.Errorf("failed stream published %v", typ)
		}
	}
}

func TestSynthesize_PacedTokens(t *testing.T) {
	pub := &capturePub{}
	s := New(pub, Config{TokenDelay: 5 * time.Millisecond})

	start := time.Now()
	res := s.Synthesize(context.Background(), "s1", "one two three")
	elapsed := time.Since(start)

	if res.Text != "one two three" {
		t.Errorf("Text = %q", res.Text)
	}
	// Two inter-token gaps at 5 ms each.
	if elapsed < 10*time.Millisecond {
		t.Errorf("elapsed = %v, tokens not paced", elapsed)
	}

	var tokens []string
	for _, ev := range pub.events {
		if tok, ok := ev.Payload.(bus.Token); ok {
			tokens = append(tokens, tok.Text)
		}
	}
	if len(tokens) != 3 || tokens[0] != "one " || tokens[2] != "three" {
		t.Errorf("tokens = %q", tokens)
	}
	if pub.types()[len(pub.events)-1] != bus.ResponseDone {
		t.Error("synthesized stream missing ResponseDone")
	}
}

func TestSynthesize_Cancellation(t *testing.T) {
	pub := &capturePub{}
	s := New(pub, Config{TokenDelay: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	res := s.Synthesize(ctx, "s1", "a very long reply with many words to speak aloud slowly")
	if !res.Cancelled {
		t.Fatalf("result = %+v, want cancelled", res)
	}
	got := pub.types()
	if got[len(got)-1] != bus.ResponseCancelled {
		t.Errorf("last event = %v, want ResponseCancelled", got[len(got)-1])
	}
}
