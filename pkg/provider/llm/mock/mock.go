// Package mock provides test doubles for the llm package interfaces.
//
// Provider emits a scripted sequence of chunks from StreamCompletion and a
// scripted response from Complete, optionally pacing chunk delivery so tests
// can inject barge-ins mid-stream.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/aurelo-ai/aurelo/pkg/provider/llm"
)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is the sequence emitted by StreamCompletion. A terminating chunk
	// with FinishReason "stop" is appended automatically if the script does
	// not end with a finish reason.
	Chunks []llm.Chunk

	// ChunkDelay, when non-zero, is slept between chunk deliveries. Use it to
	// hold a stream open long enough for a test to cancel it.
	ChunkDelay time.Duration

	// StreamErr, if non-nil, is returned as the error from StreamCompletion.
	StreamErr error

	// Response is returned by Complete together with CompleteErr.
	Response    *llm.CompletionResponse
	CompleteErr error

	// StreamCalls records every request passed to StreamCompletion.
	StreamCalls []llm.CompletionRequest

	// CompleteCalls records every request passed to Complete.
	CompleteCalls []llm.CompletionRequest
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)

// StreamCompletion records the call and plays back the scripted chunks.
// Delivery stops early when ctx is cancelled.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, req)
	script := make([]llm.Chunk, len(p.Chunks))
	copy(script, p.Chunks)
	delay := p.ChunkDelay
	err := p.StreamErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if len(script) == 0 || script[len(script)-1].FinishReason == "" {
		script = append(script, llm.Chunk{FinishReason: "stop"})
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range script {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns the scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, req)
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if p.Response != nil {
		return p.Response, nil
	}
	return &llm.CompletionResponse{}, nil
}

// StreamCallCount returns the number of StreamCompletion invocations.
func (p *Provider) StreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}
