package stt

import (
	"context"

	"github.com/lifert/life/pkg/job"
	"github.com/lifert/life/pkg/provider"
)

// Compile-time interface assertion.
var _ Provider = (*Fallback)(nil)

// Fallback is a Provider that tries a primary backend and an ordered list of
// fallbacks, up to [provider.AttemptsPerConfig] attempts each. Only session
// open is retried; once a session is live its failures surface on the job
// stream.
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
	name := names[0]
	for _, n := range names[1:] {
		name += "+" + n
	}
	return name
}

// Generate implements Provider.
func (f *Fallback) Generate(ctx context.Context, cfg Config) (*job.Job, error) {
	return provider.ExecuteWithResult(f.chain, func(_ string, p Provider) (*job.Job, error) {
		return p.Generate(ctx, cfg)
	})
}
