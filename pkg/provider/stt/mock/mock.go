// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to verify that the caller opens sessions with the expected
// Config, to feed controlled transcripts, and to inspect which audio frames
// were pushed.
//
// Example:
//
//	p := &mock.Provider{}
//	j, _ := p.Generate(ctx, stt.Config{})
//	j.PushVoice(frame)
//	p.EmitTranscript("hello")
package mock

import (
	"context"
	"sync"

	"github.com/lifert/life/pkg/job"
	"github.com/lifert/life/pkg/lifeerr"
	"github.com/lifert/life/pkg/provider/stt"
)

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	Ctx context.Context
	Cfg stt.Config
}

// Provider is a mock implementation of stt.Provider. One provider serves one
// live session at a time; Generate replaces the previous session.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// GenerateErr, if non-nil, is returned by Generate instead of a job.
	GenerateErr error

	// GenerateCalls records every invocation, in order.
	GenerateCalls []GenerateCall

	// Pushed accumulates every frame pushed to the current session.
	Pushed [][]int16

	// Cancelled counts how many sessions were cancelled.
	Cancelled int

	current *job.Job
}

// Name implements stt.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Generate implements stt.Provider.
func (p *Provider) Generate(ctx context.Context, cfg stt.Config) (*job.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GenerateCalls = append(p.GenerateCalls, GenerateCall{Ctx: ctx, Cfg: cfg})
	if p.GenerateErr != nil {
		return nil, lifeerr.From(p.GenerateErr)
	}

	j := job.New(
		job.WithOnCancel(func() {
			p.mu.Lock()
			p.Cancelled++
			p.mu.Unlock()
		}),
		job.WithPush(func(samples []int16) {
			frame := make([]int16, len(samples))
			copy(frame, samples)
			p.mu.Lock()
			p.Pushed = append(p.Pushed, frame)
			p.mu.Unlock()
		}),
	)
	p.current = j
	return j, nil
}

// PushedFrames returns a copy of every frame pushed so far.
func (p *Provider) PushedFrames() [][]int16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]int16, len(p.Pushed))
	copy(out, p.Pushed)
	return out
}

// CancelledCount returns how many sessions were cancelled.
func (p *Provider) CancelledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Cancelled
}

// EmitTranscript emits a content chunk on the current session's stream.
func (p *Provider) EmitTranscript(text string) {
	p.mu.Lock()
	j := p.current
	p.mu.Unlock()
	if j != nil {
		j.Emit(job.Chunk{Kind: job.Content, Text: text})
	}
}

// EndSession emits the terminal end chunk on the current session's stream.
func (p *Provider) EndSession() {
	p.mu.Lock()
	j := p.current
	p.mu.Unlock()
	if j != nil {
		j.Emit(job.Chunk{Kind: job.End})
	}
}
