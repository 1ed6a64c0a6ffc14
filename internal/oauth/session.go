package oauth

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/makihq/maki-gateway/internal/credential"
)

// Session is one pending acquisition for a cloud-redirect flow. The admin
// surface shows the AuthURL to the operator and later delivers the code back
// through the exchange endpoint.
type Session struct {
	ID           string
	ProviderType credential.ProviderType
	AuthURL      string
	PKCE         PKCE
	State        string
	Deadline     time.Time

	// Flow extras (device flow, IdC client registration).
	DeviceCode string
	ClientID   string
	ClientSecret string
	Region     string
}

// SessionRegistry tracks pending acquisition sessions with deadlines.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	timeout  time.Duration
}

func NewSessionRegistry(timeout time.Duration) *SessionRegistry {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		timeout:  timeout,
	}
}

// Create registers a new pending session.
func (r *SessionRegistry) Create(s *Session) *Session {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.Deadline = time.Now().Add(r.timeout)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeLocked(time.Now())
	r.sessions[s.ID] = s
	return s
}

// Take removes and returns a session; expired sessions fail.
func (r *SessionRegistry) Take(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("unknown oauth session %s", id)
	}
	delete(r.sessions, id)
	if time.Now().After(s.Deadline) {
		return nil, ErrSessionExpired
	}
	return s, nil
}

// Peek returns a session without consuming it (device-flow polling).
func (r *SessionRegistry) Peek(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("unknown oauth session %s", id)
	}
	if time.Now().After(s.Deadline) {
		delete(r.sessions, id)
		return nil, ErrSessionExpired
	}
	return s, nil
}

func (r *SessionRegistry) purgeLocked(now time.Time) {
	for id, s := range r.sessions {
		if now.After(s.Deadline) {
			delete(r.sessions, id)
		}
	}
}
