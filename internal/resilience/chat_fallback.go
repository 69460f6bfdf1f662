package resilience

import (
	"context"

	"github.com/parlavo/parlavo/pkg/chat"
)

// ChatFallback wraps multiple [chat.Provider] backends behind a
// [FallbackGroup] and itself implements [chat.Provider]. Completions go to
// the primary backend first; on failure or an open circuit breaker the next
// registered fallback is tried.
type ChatFallback struct {
	group *FallbackGroup[chat.Provider]
}

var _ chat.Provider = (*ChatFallback)(nil)

// NewChatFallback creates a [ChatFallback] with the given primary backend.
func NewChatFallback(primary chat.Provider, cfg FallbackConfig) *ChatFallback {
	return &ChatFallback{
		group: NewFallbackGroup(primary, primary.Name(), cfg),
	}
}

// AddFallback registers an additional backend, tried after the primary.
func (cf *ChatFallback) AddFallback(fallback chat.Provider) {
	cf.group.AddFallback(fallback.Name(), fallback)
}

// Name identifies the composite backend in logs and metrics.
func (cf *ChatFallback) Name() string {
	return "fallback(" + cf.group.entries[0].name + ")"
}

// Complete forwards the request to the first healthy backend.
func (cf *ChatFallback) Complete(ctx context.Context, req chat.Request) (string, error) {
	return ExecuteWithResult(cf.group, func(p chat.Provider) (string, error) {
		return p.Complete(ctx, req)
	})
}
