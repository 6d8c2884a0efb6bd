package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/guardrail/internal/agent"
)

var (
	// ErrSessionNotFound is returned for unknown or expired session IDs.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionLimit is returned when the store is full of live sessions.
	ErrSessionLimit = errors.New("session limit reached")
)

// SessionStore keeps live sessions in memory and expires idle ones on a
// cron schedule. Vault contents never outlive their session. Each session
// belongs to the caller that created it; other callers see it as missing.
type SessionStore struct {
	mu       sync.Mutex
	factory  *agent.SessionFactory
	sessions map[string]*ownedSession
	ttl      time.Duration
	max      int
	cron     *cron.Cron
	now      func() time.Time
}

// NewSessionStore builds a store. ttl <= 0 disables expiry; max <= 0 means unbounded.
func NewSessionStore(factory *agent.SessionFactory, ttl time.Duration, max int) *SessionStore {
	return &SessionStore{
		factory:  factory,
		sessions: make(map[string]*ownedSession),
		ttl:      ttl,
		max:      max,
		cron:     cron.New(),
		now:      time.Now,
	}
}

// Factory returns the factory new sessions are built with.
func (st *SessionStore) Factory() *agent.SessionFactory { return st.factory }

type ownedSession struct {
	*agent.Session
	caller string
}

// Create builds and stores a new session owned by caller. A full store is
// swept once before giving up.
func (st *SessionStore) Create(caller string) (*agent.Session, error) {
	if st.full() && st.Sweep() == 0 {
		return nil, fmt.Errorf("%w: %d live sessions", ErrSessionLimit, st.max)
	}
	s, err := st.factory.New()
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.max > 0 && len(st.sessions) >= st.max {
		return nil, fmt.Errorf("%w: %d live sessions", ErrSessionLimit, st.max)
	}
	st.sessions[s.ID] = &ownedSession{Session: s, caller: caller}
	return s, nil
}

func (st *SessionStore) full() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.max > 0 && len(st.sessions) >= st.max
}

// Get returns a live session owned by caller. A session owned by someone
// else is reported as not found.
func (st *SessionStore) Get(id, caller string) (*agent.Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok || s.caller != caller {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.Session, nil
}

// Delete drops caller's session and its vault. Reports whether it existed.
func (st *SessionStore) Delete(id, caller string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok || s.caller != caller {
		return false
	}
	delete(st.sessions, id)
	return true
}

// Len returns the number of live sessions.
func (st *SessionStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Sweep removes sessions idle for longer than the TTL and returns how many
// were dropped. LastUsed blocks while a turn holds the session, so the
// candidates are checked outside the store lock.
func (st *SessionStore) Sweep() int {
	if st.ttl <= 0 {
		return 0
	}
	st.mu.Lock()
	candidates := make([]*agent.Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		candidates = append(candidates, s.Session)
	}
	st.mu.Unlock()

	cutoff := st.now().Add(-st.ttl)
	var expired []string
	for _, s := range candidates {
		if s.LastUsed().Before(cutoff) {
			expired = append(expired, s.ID)
		}
	}
	if len(expired) == 0 {
		return 0
	}

	st.mu.Lock()
	for _, id := range expired {
		delete(st.sessions, id)
	}
	remaining := len(st.sessions)
	st.mu.Unlock()

	log.Info().Int("expired", len(expired)).Int("remaining", remaining).Msg("sessions_swept")
	return len(expired)
}

// Start schedules Sweep every interval.
func (st *SessionStore) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	if _, err := st.cron.AddFunc("@every "+interval.String(), func() { st.Sweep() }); err != nil {
		return fmt.Errorf("scheduling session sweep: %w", err)
	}
	st.cron.Start()
	return nil
}

// Stop halts the sweeper and waits for a running sweep to finish.
func (st *SessionStore) Stop() {
	ctx := st.cron.Stop()
	<-ctx.Done()
}
