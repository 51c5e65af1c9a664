// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to feed controlled chunk streams and object
// responses without a live backend. All fields are safe to set before
// calling any method; mutating them during a concurrent call is the caller's
// responsibility.
package mock

import (
	"context"
	"sync"

	"github.com/lifert/life/pkg/job"
	"github.com/lifert/life/pkg/provider/llm"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// MessageCall records a single invocation of GenerateMessage.
type MessageCall struct {
	Ctx context.Context
	Req llm.MessageRequest
}

// ObjectCall records a single invocation of GenerateObject.
type ObjectCall struct {
	Ctx context.Context
	Req llm.ObjectRequest
}

// Provider is a mock implementation of llm.Provider. Zero values cause
// methods to return empty results; set the Err fields to inject failures.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Chunks is the sequence emitted by jobs returned from GenerateMessage.
	// An End chunk is appended automatically when the sequence lacks one.
	Chunks []job.Chunk

	// ObjectResponse and ObjectErr control GenerateObject.
	ObjectResponse map[string]any
	ObjectErr      error

	// Cancelled counts how many returned jobs were cancelled.
	Cancelled int

	// MessageCalls and ObjectCalls record every invocation, in order.
	MessageCalls []MessageCall
	ObjectCalls  []ObjectCall
}

// Name implements llm.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// GenerateMessage implements llm.Provider.
func (p *Provider) GenerateMessage(ctx context.Context, req llm.MessageRequest) *job.Job {
	p.mu.Lock()
	p.MessageCalls = append(p.MessageCalls, MessageCall{Ctx: ctx, Req: req})
	chunks := make([]job.Chunk, len(p.Chunks))
	copy(chunks, p.Chunks)
	p.mu.Unlock()

	j := job.New(job.WithOnCancel(func() {
		p.mu.Lock()
		p.Cancelled++
		p.mu.Unlock()
	}))

	go func() {
		ended := false
		for _, c := range chunks {
			j.Emit(c)
			if c.Kind == job.End {
				ended = true
			}
		}
		if !ended {
			j.Emit(job.Chunk{Kind: job.End})
		}
	}()
	return j
}

// GenerateObject implements llm.Provider.
func (p *Provider) GenerateObject(ctx context.Context, req llm.ObjectRequest) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ObjectCalls = append(p.ObjectCalls, ObjectCall{Ctx: ctx, Req: req})
	if p.ObjectErr != nil {
		return nil, p.ObjectErr
	}
	return p.ObjectResponse, nil
}
