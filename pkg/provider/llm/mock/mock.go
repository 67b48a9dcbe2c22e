// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider to feed controlled chunk sequences to consumers and to verify
// the CompletionRequest values the caller builds.
//
// Example:
//
//	p := &mock.Provider{
//	    StreamChunks: []llm.Chunk{
//	        {Text: "Hello. "},
//	        {Text: "World.", FinishReason: "stop"},
//	    },
//	}
//	ch, _ := p.StreamCompletion(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/vaanilabs/vaani/pkg/provider/llm"
)

// StreamCompletionCall records a single invocation of StreamCompletion.
type StreamCompletionCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the CompletionRequest passed to StreamCompletion.
	Req llm.CompletionRequest
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StreamChunks is the sequence of chunks emitted on the channel returned
	// by StreamCompletion.
	StreamChunks []llm.Chunk

	// ChunkDelay, when non-zero, is slept between consecutive chunks to
	// simulate generation pacing.
	ChunkDelay time.Duration

	// StreamErr, if non-nil, is returned as the error from StreamCompletion.
	StreamErr error

	// CompleteResponse is returned by Complete. If nil, Complete synthesises a
	// response by concatenating StreamChunks.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// --- Call records ---

	// StreamCalls records every call to StreamCompletion in order.
	StreamCalls []StreamCompletionCall

	// CompleteCalls records every call to Complete in order.
	CompleteCalls []CompleteCall
}

// StreamCompletion records the call and, if StreamErr is nil, returns a
// channel that emits StreamChunks then closes.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCompletionCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	delay := p.ChunkDelay
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for i, chunk := range chunks {
			if delay > 0 && i > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns CompleteResponse or a response built
// from StreamChunks.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if p.CompleteResponse != nil {
		resp := *p.CompleteResponse
		return &resp, nil
	}
	var content string
	finish := "stop"
	for _, c := range p.StreamChunks {
		content += c.Text
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	return &llm.CompletionResponse{Content: content, FinishReason: finish}, nil
}

// StreamCallCount returns the number of StreamCompletion calls. Thread-safe.
func (p *Provider) StreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
