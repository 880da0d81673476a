// SPDX-License-Identifier: MIT

// Package session tracks inspection sessions and their working
// directories. Sessions are in-memory only; the directories under the
// data root outlive the process for later retrieval of results.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prodvision/aoid/internal/apierr"
	"github.com/prodvision/aoid/internal/log"
	"github.com/prodvision/aoid/internal/metrics"
)

// State of a session.
type State string

const (
	StateActive State = "active"
	StateClosed State = "closed"
)

// Session is one inspection session. ProductID is fixed at creation.
type Session struct {
	ID           string    `json:"session_id"`
	ProductID    string    `json:"product_id"`
	ClientTag    string    `json:"client_tag,omitempty"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager owns the session table and the working directories under
// sessionsDir.
type Manager struct {
	sessionsDir string
	ttl         time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	clock    clock
}

// NewManager builds a manager storing working dirs under sessionsDir.
// Sessions idle longer than ttl are closed by the reaper.
func NewManager(sessionsDir string, ttl time.Duration) *Manager {
	return &Manager{
		sessionsDir: sessionsDir,
		ttl:         ttl,
		sessions:    make(map[string]*Session),
		clock:       realClock{},
	}
}

// Create opens a new session for productID and provisions its input
// and output directories.
func (m *Manager) Create(productID, clientTag string) (*Session, error) {
	id := uuid.NewString()
	for _, sub := range []string{"input", "output"} {
		dir := filepath.Join(m.sessionsDir, id, sub)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create session dir %s: %w", dir, err)
		}
	}

	now := m.clock.Now()
	s := &Session{
		ID:           id,
		ProductID:    productID,
		ClientTag:    clientTag,
		State:        StateActive,
		CreatedAt:    now,
		LastActivity: now,
	}

	m.mu.Lock()
	m.sessions[id] = s
	active := m.countActiveLocked()
	m.mu.Unlock()

	metrics.SetActiveSessions(active)
	log.WithComponent("session").Info().
		Str("event", "session.created").
		Str("session_id", id).
		Str("product_id", productID).
		Msg("session created")
	return m.snapshot(s), nil
}

// Get returns the session by id regardless of state.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apierr.Newf(apierr.KindNotFound, "session %s not found", id)
	}
	return m.snapshot(s), nil
}

// Active returns the session by id, requiring it to be open. A closed
// session yields GONE so clients can tell expiry from a typo.
func (m *Manager) Active(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apierr.Newf(apierr.KindNotFound, "session %s not found", id)
	}
	if s.State != StateActive {
		return nil, apierr.Newf(apierr.KindGone, "session %s is closed", id)
	}
	return m.snapshot(s), nil
}

// Touch refreshes the idle timer of an active session.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.State == StateActive {
		s.LastActivity = m.clock.Now()
	}
}

// Close transitions the session to closed. Closing a closed session is
// a no-op so clients can retry safely.
func (m *Manager) Close(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, apierr.Newf(apierr.KindNotFound, "session %s not found", id)
	}
	if s.State == StateActive {
		s.State = StateClosed
		s.LastActivity = m.clock.Now()
	}
	snap := m.snapshot(s)
	active := m.countActiveLocked()
	m.mu.Unlock()

	metrics.SetActiveSessions(active)
	return snap, nil
}

// List returns all known sessions, newest first.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, m.snapshot(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Dir returns the session's working directory.
func (m *Manager) Dir(id string) string {
	return filepath.Join(m.sessionsDir, id)
}

// OutputDir returns the session's output directory.
func (m *Manager) OutputDir(id string) string {
	return filepath.Join(m.sessionsDir, id, "output")
}

// InputDir returns the session's input directory.
func (m *Manager) InputDir(id string) string {
	return filepath.Join(m.sessionsDir, id, "input")
}

// Run drives the reaper until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

// reap closes sessions idle longer than the TTL.
func (m *Manager) reap() {
	now := m.clock.Now()
	var reaped []string

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.State == StateActive && now.Sub(s.LastActivity) > m.ttl {
			s.State = StateClosed
			reaped = append(reaped, id)
		}
	}
	active := m.countActiveLocked()
	m.mu.Unlock()

	metrics.SetActiveSessions(active)
	for _, id := range reaped {
		metrics.IncSessionsReaped()
		log.WithComponent("session").Info().
			Str("event", "session.reaped").
			Str("session_id", id).
			Msg("idle session closed")
	}
}

func (m *Manager) countActiveLocked() int {
	n := 0
	for _, s := range m.sessions {
		if s.State == StateActive {
			n++
		}
	}
	return n
}

func (m *Manager) snapshot(s *Session) *Session {
	cp := *s
	return &cp
}
