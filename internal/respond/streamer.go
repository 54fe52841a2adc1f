// Package respond turns LLM output into the client-facing reply stream:
// tokens are forwarded as they arrive, the full text is accumulated for the
// conversation history, and barge-in cancels the stream cooperatively
// between token deliveries.
package respond

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aurelo-ai/aurelo/internal/bus"
	"github.com/aurelo-ai/aurelo/pkg/provider/llm"
)

// Publisher is the event sink for stream lifecycle events. Satisfied by
// [bus.Bus].
type Publisher interface {
	Publish(bus.Event) error
}

// Config holds the tuning knobs for a [Streamer].
type Config struct {
	// TokenDelay is the inter-token pacing used when synthesizing a stream
	// from a non-streaming completion. Default: 50 ms.
	TokenDelay time.Duration
}

// Result is the outcome of one response stream.
type Result struct {
	// StreamID identifies the stream in the emitted events.
	StreamID string

	// Text is the accumulated reply. On cancellation it holds the partial
	// text produced before the cut; callers must not append it to history.
	Text string

	// Cancelled reports a barge-in cut the stream short.
	Cancelled bool

	// Err is set when the stream failed. Err and Cancelled are mutually
	// exclusive.
	Err error
}

// Streamer drives response streams for all sessions. It is stateless apart
// from configuration and safe for concurrent use; the per-session ordering
// of the emitted events is the bus's job.
type Streamer struct {
	pub Publisher
	cfg Config
}

// New creates a Streamer publishing to pub.
func New(pub Publisher, cfg Config) *Streamer {
	if cfg.TokenDelay <= 0 {
		cfg.TokenDelay = 50 * time.Millisecond
	}
	return &Streamer{pub: pub, cfg: cfg}
}

// Stream forwards chunks as ResponseToken events until the stream finishes
// or ctx is cancelled. It publishes ResponseStarted first, then exactly one
// of ResponseDone or ResponseCancelled. Cancellation is checked between
// token deliveries; the provider is expected to close the channel promptly
// once ctx is cancelled.
func (s *Streamer) Stream(ctx context.Context, sessionID string, chunks <-chan llm.Chunk) Result {
	res := Result{StreamID: uuid.NewString()}
	s.publish(bus.ResponseStarted, sessionID, bus.ResponseRef{StreamID: res.StreamID})

	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			res.Text = sb.String()
			res.Cancelled = true
			// Drain so the provider goroutine can exit.
			go drain(chunks)
			s.publish(bus.ResponseCancelled, sessionID, bus.ResponseRef{StreamID: res.StreamID})
			return res

		case chunk, ok := <-chunks:
			if !ok {
				res.Text = sb.String()
				s.publish(bus.ResponseDone, sessionID, bus.ResponseText{StreamID: res.StreamID, Text: res.Text})
				return res
			}
			switch chunk.FinishReason {
			case "":
				if chunk.Text == "" {
					continue
				}
				sb.WriteString(chunk.Text)
				s.publish(bus.ResponseToken, sessionID, bus.Token{StreamID: res.StreamID, Text: chunk.Text})

			case "error":
				res.Text = sb.String()
				res.Err = errors.New(chunk.Text)
				go drain(chunks)
				return res

			default: // "stop", "length"
				if chunk.Text != "" {
					sb.WriteString(chunk.Text)
					s.publish(bus.ResponseToken, sessionID, bus.Token{StreamID: res.StreamID, Text: chunk.Text})
				}
				res.Text = sb.String()
				s.publish(bus.ResponseDone, sessionID, bus.ResponseText{StreamID: res.StreamID, Text: res.Text})
				go drain(chunks)
				return res
			}
		}
	}
}

// Synthesize emits a token stream from a complete reply, pacing whitespace
// tokens at the configured delay so the client experience matches a real
// stream. Used when the provider or the session config disables streaming.
func (s *Streamer) Synthesize(ctx context.Context, sessionID, text string) Result {
	res := Result{StreamID: uuid.NewString()}
	s.publish(bus.ResponseStarted, sessionID, bus.ResponseRef{StreamID: res.StreamID})

	words := strings.Fields(text)
	var sb strings.Builder
	for i, w := range words {
		if i > 0 {
			select {
			case <-ctx.Done():
				res.Text = sb.String()
				res.Cancelled = true
				s.publish(bus.ResponseCancelled, sessionID, bus.ResponseRef{StreamID: res.StreamID})
				return res
			case <-time.After(s.cfg.TokenDelay):
			}
		}

		token := w
		if i < len(words)-1 {
			token += " "
		}
		sb.WriteString(token)
		s.publish(bus.ResponseToken, sessionID, bus.Token{StreamID: res.StreamID, Text: token})
	}

	res.Text = sb.String()
	s.publish(bus.ResponseDone, sessionID, bus.ResponseText{StreamID: res.StreamID, Text: res.Text})
	return res
}

func (s *Streamer) publish(t bus.Type, sessionID string, payload any) {
	// Publish fails only during shutdown; events from a dying stream are
	// safe to lose.
	_ = s.pub.Publish(bus.Event{Type: t, SessionID: sessionID, Payload: payload})
}

func drain(chunks <-chan llm.Chunk) {
	for range chunks {
	}
}
