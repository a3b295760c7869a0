package service

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var ErrAlreadyRegistered = errors.New("service already registered")

// Registry holds at most one handle per service name.
type Registry struct {
	mx      sync.RWMutex
	handles map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
	}
}

// Add registers h. A handle whose process is still alive is never replaced;
// a dead one is.
func (r *Registry) Add(h *Handle) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if prev, ok := r.handles[h.Name()]; ok && prev.Alive() {
		return fmt.Errorf("%s: %w", h.Name(), ErrAlreadyRegistered)
	}
	r.handles[h.Name()] = h
	return nil
}

func (r *Registry) Get(name string) (*Handle, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	h, ok := r.handles[name]
	return h, ok
}

// Remove unregisters the handle of name only if it is h, so a stale remove
// never drops a newer handle.
func (r *Registry) Remove(h *Handle) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if cur, ok := r.handles[h.Name()]; ok && cur == h {
		delete(r.handles, h.Name())
		return true
	}
	return false
}

// All returns the registered handles ordered by start time.
func (r *Registry) All() []*Handle {
	r.mx.RLock()
	defer r.mx.RUnlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b *Handle) int {
		return a.Started.Compare(b.Started)
	})
	return out
}

func (r *Registry) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.handles)
}
