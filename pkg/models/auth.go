package models

import "time"

// PublishToken authorizes one RTMP live ingest
type PublishToken struct {
	Token       string    // The actual token string
	StreamKey   string    // Stream key this token is valid for
	CreatedAt   time.Time // When token was created
	ExpiresAt   time.Time // When token expires
	PublisherIP string    // IP address that requested the token
	IsUsed      bool      // Whether token has been used
}

// IsValid checks if the token is still valid
func (t *PublishToken) IsValid() bool {
	return !t.IsUsed && time.Now().Before(t.ExpiresAt)
}

// SubmitRequest asks the streamer to extract frames from a video URL
type SubmitRequest struct {
	VideoURL string `json:"video_url" binding:"required"`
}

// SubmitResponse is returned with 202 Accepted
type SubmitResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

// LiveRequest represents a request to create a live ingest token
type LiveRequest struct {
	StreamKey string `json:"stream_key" binding:"required"`
	ExpiresIn int    `json:"expires_in"` // Seconds until expiration
}

// LiveResponse carries the RTMP publish URL for a live source
type LiveResponse struct {
	PublishURL string `json:"publish_url"`
	StreamKey  string `json:"stream_key"`
	Token      string `json:"token"`
	ExpiresAt  string `json:"expires_at"`
}

// SessionInfo is the API view of a session
type SessionInfo struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Source     string `json:"source"`
	State      string `json:"state"`
	Frames     uint64 `json:"frames"`
	Bytes      uint64 `json:"bytes"`
	CreatedAt  string `json:"created_at"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SessionListResponse represents a list of sessions
type SessionListResponse struct {
	Sessions []SessionInfo `json:"sessions"`
	Total    int           `json:"total"`
}

// SessionFramesResponse lists the stored frames of one session
type SessionFramesResponse struct {
	SessionID string   `json:"session_id"`
	Frames    []string `json:"frames"`
	Total     int      `json:"total"`
}
