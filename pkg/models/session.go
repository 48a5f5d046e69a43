package models

import (
	"sync"
	"time"
)

// SessionState represents the extraction state of a submitted source
type SessionState string

const (
	SessionStateQueued     SessionState = "queued"
	SessionStateExtracting SessionState = "extracting"
	SessionStateCompleted  SessionState = "completed"
	SessionStateFailed     SessionState = "failed"
)

// SessionKind distinguishes file/URL submissions from live RTMP ingest
type SessionKind string

const (
	SessionKindURL  SessionKind = "url"
	SessionKindLive SessionKind = "live"
)

// Session is one video source being split into announced frames
type Session struct {
	ID         string      // uuid, also the frame folder name
	Kind       SessionKind // url or live
	Source     string      // URL or RTMP stream key
	State      SessionState
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt *time.Time
	Err        string

	Stats SessionStats

	mu sync.RWMutex
}

// SessionStats tracks extraction progress
type SessionStats struct {
	FramesExtracted uint64
	FramesAnnounced uint64
	BytesStored     uint64
	LastFrameTime   time.Time
}

// NewSession creates a queued session
func NewSession(id string, kind SessionKind, source string) *Session {
	return &Session{
		ID:        id,
		Kind:      kind,
		Source:    source,
		State:     SessionStateQueued,
		CreatedAt: time.Now(),
	}
}

// RecordFrame updates counters after a frame was stored and announced
func (s *Session) RecordFrame(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Stats.FramesExtracted++
	s.Stats.FramesAnnounced++
	s.Stats.BytesStored += uint64(size)
	s.Stats.LastFrameTime = time.Now()
}

// SetState safely updates the session state
func (s *Session) SetState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state

	switch state {
	case SessionStateExtracting:
		if s.StartedAt.IsZero() {
			s.StartedAt = time.Now()
		}
	case SessionStateCompleted, SessionStateFailed:
		now := time.Now()
		s.FinishedAt = &now
	}
}

// Fail marks the session failed with a reason
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if err != nil {
		s.Err = err.Error()
	}
	s.mu.Unlock()
	s.SetState(SessionStateFailed)
}

// GetState safely returns the current state
func (s *Session) GetState() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// Snapshot returns a copy of the mutable fields for reporting
func (s *Session) Snapshot() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SessionInfo{
		ID:     s.ID,
		Kind:   string(s.Kind),
		Source: s.Source,
		State:  string(s.State),
		Frames: s.Stats.FramesAnnounced,
		Bytes:  s.Stats.BytesStored,
		Error:  s.Err,
	}
	info.CreatedAt = s.CreatedAt.Format(time.RFC3339)
	if !s.StartedAt.IsZero() {
		info.StartedAt = s.StartedAt.Format(time.RFC3339)
	}
	if s.FinishedAt != nil {
		info.FinishedAt = s.FinishedAt.Format(time.RFC3339)
	}
	return info
}
