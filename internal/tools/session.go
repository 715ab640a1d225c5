package tools

import (
	"context"
	"sync"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crewspec"
)

// Session memoizes resolutions for one compile pass, so a reference shared
// by several agents and tasks is fetched once and bound identically. It is
// safe for concurrent use; distinct references resolve in parallel.
type Session struct {
	resolver Resolver

	mu   sync.Mutex
	memo map[string]*sessionEntry
}

type sessionEntry struct {
	once sync.Once
	caps []Capability
	err  error
}

// NewSession starts a compile pass over resolver.
func NewSession(resolver Resolver) *Session {
	return &Session{resolver: resolver, memo: make(map[string]*sessionEntry)}
}

// Resolve returns the memoized result for ref, resolving it on first use.
func (s *Session) Resolve(ctx context.Context, ref crewspec.ToolReference) ([]Capability, error) {
	key := ref.Key()

	s.mu.Lock()
	e, ok := s.memo[key]
	if !ok {
		e = &sessionEntry{}
		s.memo[key] = e
	}
	s.mu.Unlock()

	e.once.Do(func() {
		e.caps, e.err = s.resolver.Resolve(ctx, ref)
	})
	return e.caps, e.err
}
