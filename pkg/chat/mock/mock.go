// Package mock provides a scriptable chat.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/parlavo/parlavo/pkg/chat"
)

// Compile-time interface check.
var _ chat.Provider = (*Provider)(nil)

// Provider is a scriptable chat backend. Set CompleteFunc to control
// behaviour; calls are recorded for assertions.
type Provider struct {
	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// CompleteFunc handles Complete calls. When nil, Complete returns an
	// empty reply and no error.
	CompleteFunc func(ctx context.Context, req chat.Request) (string, error)

	mu    sync.Mutex
	calls []chat.Request
}

// Name implements chat.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Complete implements chat.Provider.
func (p *Provider) Complete(ctx context.Context, req chat.Request) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()

	if p.CompleteFunc == nil {
		return "", nil
	}
	return p.CompleteFunc(ctx, req)
}

// Calls returns a copy of all recorded requests.
func (p *Provider) Calls() []chat.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]chat.Request, len(p.calls))
	copy(out, p.calls)
	return out
}
