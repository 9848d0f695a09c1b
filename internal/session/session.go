// Package session tracks live gateway sessions.
//
// A Session binds one client connection's transport handle to at most one
// remote shell channel. The Registry is process-wide shared state: bridges
// for independent client connections create and remove entries
// concurrently, and teardown can be triggered from several event sources
// at once, so removal is guarded to run exactly once per session.
package session

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shellgate/shellgate/internal/provider"
)

var (
	ErrDuplicateSession = errors.New("session identifier already in use")
	ErrSessionNotFound  = errors.New("session not found")
	ErrNotConnected     = errors.New("session is not connected")
	ErrShellUnavailable = errors.New("session has no shell channel")
)

// Session is one live binding between a transport handle and an optional
// shell channel. The handle and channel are exclusively owned by the
// Session and released exactly once on removal.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu        sync.Mutex
	handle    provider.Handle
	channel   provider.Channel
	connected bool

	// closing gates resource release: the first CompareAndSwap winner
	// performs teardown, every later trigger is a no-op.
	closing atomic.Bool
}

// Connected reports whether the session still owns a live transport handle.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && !s.closing.Load()
}

// Channel returns the attached shell channel, or ErrShellUnavailable when
// none has been attached yet.
func (s *Session) Channel() (provider.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil {
		return nil, ErrShellUnavailable
	}
	return s.channel, nil
}

// Closing reports whether teardown has begun for this session.
func (s *Session) Closing() bool {
	return s.closing.Load()
}

// release closes the shell channel and disposes the transport handle.
// At-most-once: only the first caller does any work. Release errors are
// logged and swallowed so cleanup always completes.
func (s *Session) release() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	channel := s.channel
	handle := s.handle
	s.channel = nil
	s.connected = false
	s.mu.Unlock()

	if channel != nil {
		if err := channel.Close(); err != nil {
			log.Printf("[session] %s: close channel: %v", s.ID, err)
		}
	}
	if handle != nil {
		if err := handle.Dispose(); err != nil {
			log.Printf("[session] %s: dispose handle: %v", s.ID, err)
		}
	}
}

// Registry is the process-wide map of live sessions, keyed by identifier.
// The zero value is not usable; create one with NewRegistry. Absence of a
// key is the only representation of "no session"; removal leaves no
// tombstones.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create inserts a new connected session owning handle. The identifier
// must be fresh; a duplicate is a caller bug surfaced as
// ErrDuplicateSession rather than a silent overwrite.
func (r *Registry) Create(id string, handle provider.Handle) (*Session, error) {
	s := &Session{
		ID:        id,
		CreatedAt: time.Now(),
		handle:    handle,
		connected: true,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return nil, ErrDuplicateSession
	}
	r.sessions[id] = s
	return s, nil
}

// AttachShell binds an opened shell channel to the session. The channel
// must come from the session's own handle; channels are never shared or
// reassigned across sessions.
func (r *Registry) AttachShell(id string, ch provider.Channel) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.closing.Load() {
		return ErrNotConnected
	}
	s.channel = ch
	return nil
}

// Lookup returns the session for id, or nil when absent. Pure read.
func (r *Registry) Lookup(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Remove deletes the session and releases its resources. Idempotent: an
// absent identifier is a no-op, and concurrent triggers (explicit
// disconnect, channel close, channel error, transport close) release
// resources exactly once via the session's closing guard. Release never
// holds the registry lock, so unrelated sessions are not serialized
// against each other.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.release()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll removes every session. Used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.release()
	}
	if len(sessions) > 0 {
		log.Printf("[session] closed %d sessions on shutdown", len(sessions))
	}
}
