package streammanager

import (
	"testing"

	"motionpipe/pkg/models"
)

func TestCreateAndGetSession(t *testing.T) {
	m := New()
	a := m.CreateSession(models.SessionKindURL, "https://example.com/a.mp4")
	b := m.CreateSession(models.SessionKindURL, "https://example.com/b.mp4")

	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("session ids %q and %q", a.ID, b.ID)
	}
	if a.GetState() != models.SessionStateQueued {
		t.Errorf("new session state = %s", a.GetState())
	}

	got, ok := m.GetSession(a.ID)
	if !ok || got != a {
		t.Fatalf("GetSession() = %v, %v", got, ok)
	}
	if _, ok := m.GetSession("nope"); ok {
		t.Error("GetSession() found an unknown id")
	}

	all := m.GetAllSessions()
	if len(all) != 2 || m.GetSessionCount() != 2 {
		t.Fatalf("GetAllSessions() = %d sessions", len(all))
	}

	m.DeleteSession(a.ID)
	if m.GetSessionCount() != 1 {
		t.Errorf("count after delete = %d", m.GetSessionCount())
	}
}

func TestLiveSessions(t *testing.T) {
	m := New()

	s, err := m.StartLive("cam1")
	if err != nil {
		t.Fatalf("StartLive() error = %v", err)
	}
	if s.Kind != models.SessionKindLive || s.Source != "cam1" {
		t.Errorf("live session = %+v", s.Snapshot())
	}
	s.SetState(models.SessionStateExtracting)

	if _, err := m.StartLive("cam1"); err == nil {
		t.Fatal("second publisher on a live key was accepted")
	}
	if m.GetActiveCount() != 1 {
		t.Errorf("GetActiveCount() = %d, want 1", m.GetActiveCount())
	}
	if got, ok := m.LiveSession("cam1"); !ok || got != s {
		t.Errorf("LiveSession() = %v, %v", got, ok)
	}

	s.SetState(models.SessionStateCompleted)
	m.EndLive("cam1")
	if _, ok := m.LiveSession("cam1"); ok {
		t.Error("live mapping kept after EndLive")
	}
	if _, err := m.StartLive("cam1"); err != nil {
		t.Fatalf("StartLive() after end error = %v", err)
	}
}
