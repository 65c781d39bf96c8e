// Package credstore persists session credentials across process restarts.
package credstore

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/kaguchat/internal/model"
)

// Store persists the access token, user id and CSRF token.
type Store interface {
	// Save persists all three fields, replacing any previous record.
	Save(ctx context.Context, c model.Credentials) error
	// Load returns the persisted credentials or empty ones. It never fails.
	Load(ctx context.Context) model.Credentials
	// Clear removes the persisted record. Idempotent.
	Clear(ctx context.Context) error
}

// tokenExpiry reads the exp claim without verifying the signature.
// Opaque (non-JWT) tokens report ok=false.
func tokenExpiry(tok string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	_, _, err := jwt.NewParser().ParseUnverified(tok, &claims)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// expired reports whether tok is a JWT whose exp is in the past.
func expired(tok string, now time.Time) bool {
	exp, ok := tokenExpiry(tok)
	return ok && now.After(exp)
}

// MemoryStore keeps credentials in process memory.
type MemoryStore struct {
	mu sync.Mutex
	c  model.Credentials
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Save(_ context.Context, c model.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c = model.NewCredentials(c.AccessToken, c.UserID, c.CSRFToken)
	return nil
}

func (m *MemoryStore) Load(context.Context) model.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expired(m.c.AccessToken, time.Now()) {
		return model.Credentials{}
	}
	return m.c
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c = model.Credentials{}
	return nil
}
