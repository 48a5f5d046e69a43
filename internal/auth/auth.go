package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"motionpipe/pkg/models"
)

var (
	// ErrInvalidToken is returned for unknown tokens
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned for expired or already used tokens
	ErrTokenExpired = errors.New("token expired or already used")
	// ErrWrongStream is returned when a token belongs to another stream key
	ErrWrongStream = errors.New("token not valid for this stream")
)

// Manager issues and checks one-time live ingest tokens
type Manager struct {
	tokens map[string]*models.PublishToken // token -> PublishToken
	mu     sync.Mutex

	defaultExpiration time.Duration
	maxExpiration     time.Duration
	now               func() time.Time
}

// New creates an auth manager. Zero durations fall back to 1h and 24h.
func New(defaultExpiration, maxExpiration time.Duration) *Manager {
	if defaultExpiration <= 0 {
		defaultExpiration = time.Hour
	}
	if maxExpiration <= 0 {
		maxExpiration = 24 * time.Hour
	}
	return &Manager{
		tokens:            make(map[string]*models.PublishToken),
		defaultExpiration: defaultExpiration,
		maxExpiration:     maxExpiration,
		now:               time.Now,
	}
}

// GeneratePublishToken creates a token for a stream key. expiresIn is in
// seconds; zero uses the default, and the maximum is enforced.
func (m *Manager) GeneratePublishToken(streamKey string, expiresIn int, publisherIP string) (*models.PublishToken, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	expiration := m.defaultExpiration
	if expiresIn > 0 {
		expiration = time.Duration(expiresIn) * time.Second
	}
	if expiration > m.maxExpiration {
		expiration = m.maxExpiration
	}

	now := m.now()
	token := &models.PublishToken{
		Token:       hex.EncodeToString(tokenBytes),
		StreamKey:   streamKey,
		CreatedAt:   now,
		ExpiresAt:   now.Add(expiration),
		PublisherIP: publisherIP,
	}

	m.mu.Lock()
	m.tokens[token.Token] = token
	m.mu.Unlock()

	return token, nil
}

// Redeem validates a token for streamKey and marks it used in one step
func (m *Manager) Redeem(tokenString, streamKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, exists := m.tokens[tokenString]
	if !exists {
		return ErrInvalidToken
	}
	if token.IsUsed || !m.now().Before(token.ExpiresAt) {
		return ErrTokenExpired
	}
	if token.StreamKey != streamKey {
		return ErrWrongStream
	}

	token.IsUsed = true
	return nil
}

// RevokeToken revokes a token
func (m *Manager) RevokeToken(tokenString string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, tokenString)
}

// CleanupExpiredTokens removes all expired tokens
func (m *Manager) CleanupExpiredTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for tokenString, token := range m.tokens {
		if now.After(token.ExpiresAt) {
			delete(m.tokens, tokenString)
			removed++
		}
	}
	return removed
}

// RunCleanup calls CleanupExpiredTokens every interval until ctx is done
func (m *Manager) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupExpiredTokens()
		}
	}
}

// GetTokenCount returns the number of stored tokens
func (m *Manager) GetTokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}
