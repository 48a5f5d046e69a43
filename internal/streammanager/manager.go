package streammanager

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"motionpipe/pkg/models"
)

// Manager keeps the in-memory registry of extraction sessions
type Manager struct {
	sessions map[string]*models.Session // sessionID -> Session
	mu       sync.RWMutex

	// Active live ingests
	live   map[string]string // streamKey -> sessionID
	liveMu sync.RWMutex
}

// New creates a new session manager
func New() *Manager {
	return &Manager{
		sessions: make(map[string]*models.Session),
		live:     make(map[string]string),
	}
}

// CreateSession registers a queued session with a fresh id
func (m *Manager) CreateSession(kind models.SessionKind, source string) *models.Session {
	session := models.NewSession(uuid.NewString(), kind, source)

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	return session
}

// StartLive creates a session for a live stream key. Only one publisher per
// key may be live at a time.
func (m *Manager) StartLive(streamKey string) (*models.Session, error) {
	m.liveMu.Lock()
	defer m.liveMu.Unlock()

	if id, exists := m.live[streamKey]; exists {
		if s, ok := m.GetSession(id); ok && s.GetState() == models.SessionStateExtracting {
			return nil, fmt.Errorf("stream %s is already live", streamKey)
		}
	}

	session := m.CreateSession(models.SessionKindLive, streamKey)
	m.live[streamKey] = session.ID
	return session, nil
}

// EndLive forgets the live mapping for a stream key
func (m *Manager) EndLive(streamKey string) {
	m.liveMu.Lock()
	defer m.liveMu.Unlock()
	delete(m.live, streamKey)
}

// LiveSession returns the session currently bound to a stream key
func (m *Manager) LiveSession(streamKey string) (*models.Session, bool) {
	m.liveMu.RLock()
	id, exists := m.live[streamKey]
	m.liveMu.RUnlock()
	if !exists {
		return nil, false
	}
	return m.GetSession(id)
}

// GetSession retrieves a session by id
func (m *Manager) GetSession(id string) (*models.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// GetAllSessions returns all sessions, oldest first
func (m *Manager) GetAllSessions() []*models.Session {
	m.mu.RLock()
	sessions := make([]*models.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// DeleteSession removes a session from the registry
func (m *Manager) DeleteSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// GetSessionCount returns the total number of sessions
func (m *Manager) GetSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetActiveCount returns the number of sessions still extracting
func (m *Manager) GetActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, session := range m.sessions {
		if session.GetState() == models.SessionStateExtracting {
			count++
		}
	}
	return count
}
