package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/teslashibe/go-waterwatch/internal/metrics"
)

// ErrSessionActive is returned when a camera already has a live session.
// A second observer is rejected; the running session is never replaced.
var ErrSessionActive = errors.New("camera already has an active session")

// ErrStopped is the cancellation cause for sessions stopped through the
// registry rather than by their observer.
var ErrStopped = errors.New("session stopped by operator")

// ErrShutdown is the cancellation cause used when the server stops.
var ErrShutdown = errors.New("server shutting down")

type entry struct {
	session *Session
	cancel  context.CancelCauseFunc
}

// Registry tracks live sessions by camera id. It is the only state shared
// between sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]entry
	changed  chan struct{} // closed and replaced on every removal
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]entry),
		changed:  make(chan struct{}),
	}
}

// Register inserts s under id unless id is taken.
func (r *Registry) Register(id string, s *Session, cancel context.CancelCauseFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return ErrSessionActive
	}
	r.sessions[id] = entry{session: s, cancel: cancel}
	metrics.ActiveSessions.Inc()
	return nil
}

// Remove deletes id only while it still maps to s.
func (r *Registry) Remove(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok || e.session != s {
		return false
	}
	delete(r.sessions, id)
	metrics.ActiveSessions.Dec()

	close(r.changed)
	r.changed = make(chan struct{})
	return true
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	return e.session, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns a snapshot of every live session, sorted by camera id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		sessions = append(sessions, e.session)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CameraID < infos[j].CameraID })
	return infos
}

// Stop cancels the session registered under id. The session cleans up
// and removes itself.
func (r *Registry) Stop(id string) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		e.cancel(ErrStopped)
	}
	return ok
}

// StopAll cancels every live session with cause.
func (r *Registry) StopAll(cause error) {
	r.mu.Lock()
	entries := make([]entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.cancel(cause)
	}
}

// Wait blocks until no session is registered or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		if len(r.sessions) == 0 {
			r.mu.Unlock()
			return nil
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
