package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Registry tracks active sessions so a server can drain them on shutdown.
type Registry struct {
	sessions sync.Map
	count    atomic.Int64
	draining atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers s. It refuses new sessions while draining.
func (r *Registry) Add(s *Session) bool {
	if s == nil || r.draining.Load() {
		return false
	}
	if _, loaded := r.sessions.LoadOrStore(s.ID, s); loaded {
		return false
	}
	r.count.Add(1)
	return true
}

func (r *Registry) Get(id string) (*Session, bool) {
	if v, ok := r.sessions.Load(id); ok {
		return v.(*Session), true
	}
	return nil, false
}

func (r *Registry) Remove(id string) {
	if _, ok := r.sessions.LoadAndDelete(id); ok {
		r.count.Add(-1)
	}
}

// CloseAll closes every active session's connection. Sessions remove
// themselves once Run returns.
func (r *Registry) CloseAll() {
	r.sessions.Range(func(_, value any) bool {
		value.(*Session).Close()
		return true
	})
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
