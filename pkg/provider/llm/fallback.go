package llm

import (
	"context"
	"sync"

	"github.com/lifert/life/pkg/job"
	"github.com/lifert/life/pkg/provider"
)

// Compile-time interface assertion.
var _ Provider = (*Fallback)(nil)

// Fallback is a Provider that tries a primary backend and an ordered list of
// fallbacks, up to [provider.AttemptsPerConfig] attempts each.
//
// For GenerateObject the retry is a plain synchronous loop. For
// GenerateMessage a stream only counts as failed while it can still be
// retried transparently: if the upstream errors before producing any output,
// the next attempt takes over and the consumer never sees the failure. Once
// real output has been forwarded the stream is committed and later errors
// pass through.
type Fallback struct {
	chain *provider.Chain[Provider]
}

// NewFallback builds a fallback provider. Backends are tried in argument
// order.
func NewFallback(primary Provider, fallbacks ...Provider) *Fallback {
	chain := provider.NewChain(primary.Name(), primary)
	for _, f := range fallbacks {
		chain.AddFallback(f.Name(), f)
	}
	return &Fallback{chain: chain}
}

// Name implements Provider.
func (f *Fallback) Name() string {
	names := f.chain.Names()
	if len(names) == 1 {
		return names[0]
	}
	name := names[0]
	for _, n := range names[1:] {
		name += "+" + n
	}
	return name
}

// GenerateObject implements Provider.
func (f *Fallback) GenerateObject(ctx context.Context, req ObjectRequest) (map[string]any, error) {
	return provider.ExecuteWithResult(f.chain, func(_ string, p Provider) (map[string]any, error) {
		return p.GenerateObject(ctx, req)
	})
}

// GenerateMessage implements Provider.
func (f *Fallback) GenerateMessage(ctx context.Context, req MessageRequest) *job.Job {
	var (
		mu    sync.Mutex
		inner *job.Job
	)
	outer := job.New(job.WithOnCancel(func() {
		mu.Lock()
		j := inner
		mu.Unlock()
		if j != nil {
			j.Cancel()
		}
	}))

	go func() {
		err := f.chain.Execute(func(_ string, p Provider) error {
			attempt := p.GenerateMessage(ctx, req)
			mu.Lock()
			inner = attempt
			mu.Unlock()
			select {
			case <-outer.Done():
				attempt.Cancel()
			default:
			}
			return forward(attempt, outer)
		})
		if err != nil {
			outer.Emit(job.Chunk{Kind: job.Error, Text: err.Error()})
		}
		outer.Emit(job.Chunk{Kind: job.End})
	}()

	return outer
}

// streamFailed marks an attempt that errored before any output and may be
// retried.
type streamFailed struct{ msg string }

func (e *streamFailed) Error() string { return e.msg }

// forward copies chunks from attempt to outer. It returns a retryable error
// when the attempt produced nothing but errors; once any output chunk has
// been forwarded it forwards everything, including errors, and reports
// success. A clean empty stream is a success, not a retry.
func forward(attempt, outer *job.Job) error {
	committed := false
	var lastErr string
	for c := range attempt.Chunks() {
		switch c.Kind {
		case job.End:
			if !committed && lastErr != "" {
				return &streamFailed{msg: lastErr}
			}
			return nil
		case job.Error:
			if !committed {
				lastErr = c.Text
				continue
			}
			outer.Emit(c)
		default:
			committed = true
			outer.Emit(c)
		}
	}
	if !committed && lastErr != "" {
		return &streamFailed{msg: lastErr}
	}
	return nil
}
