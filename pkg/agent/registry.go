package agent

import (
	"context"
	"sync"
	"time"
)

// Registry owns per-conversation turn locks and the active process slot
// behind each one. All conversation concurrency state lives here; nothing
// is package-global.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem chan struct{} // capacity 1; holding the token means holding the turn lock

	mu        sync.Mutex
	proc      ProcessHandle
	cancelled bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func (r *Registry) entryFor(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		r.entries[id] = e
	}
	return e
}

// Acquire takes the turn lock for a conversation, waiting at most timeout.
// It never queues beyond that: on expiry the caller gets ErrBusy and must
// not run. The returned Guard must be released on every exit path.
func (r *Registry) Acquire(ctx context.Context, id string, timeout time.Duration) (*Guard, error) {
	e := r.entryFor(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
	case <-timer.C:
		return nil, ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	e.mu.Lock()
	e.proc = nil
	e.cancelled = false
	e.mu.Unlock()

	return &Guard{registry: r, id: id, e: e}, nil
}

// Cancel terminates the active process for a conversation, if any. The
// lock itself is untouched: the running turn observes the cancellation and
// releases normally. Returns true when a process was actually signalled.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	proc := e.proc
	if proc != nil {
		e.cancelled = true
	}
	e.mu.Unlock()

	if proc == nil {
		return false
	}
	proc.Terminate()
	return true
}

// Supersede is Cancel invoked on behalf of a newer message for the same
// conversation: the old turn dies so the new one can take the lock.
func (r *Registry) Supersede(id string) bool {
	return r.Cancel(id)
}

// Active returns the ids of conversations with a live process.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, e := range r.entries {
		e.mu.Lock()
		live := e.proc != nil
		e.mu.Unlock()
		if live {
			ids = append(ids, id)
		}
	}
	return ids
}

// CancelAll terminates every active process. Used at shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Cancel(id)
	}
}

// Guard is a held turn lock.
type Guard struct {
	registry *Registry
	id       string
	e        *entry
	released bool
	mu       sync.Mutex
}

// SetProcess registers the running process so Cancel/Supersede can reach it.
func (g *Guard) SetProcess(p ProcessHandle) {
	g.e.mu.Lock()
	g.e.proc = p
	g.e.mu.Unlock()
}

// ClearProcess detaches the process slot, typically after exit.
func (g *Guard) ClearProcess() {
	g.e.mu.Lock()
	g.e.proc = nil
	g.e.mu.Unlock()
}

// Cancelled reports whether this turn was cancelled or superseded.
func (g *Guard) Cancelled() bool {
	g.e.mu.Lock()
	defer g.e.mu.Unlock()
	return g.e.cancelled
}

// Release returns the turn lock. Safe to call more than once.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return
	}
	g.released = true

	g.e.mu.Lock()
	g.e.proc = nil
	g.e.mu.Unlock()

	<-g.e.sem
}
