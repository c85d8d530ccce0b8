package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process store. Useful for embedding and tests.
type Memory struct {
	mu      sync.RWMutex
	nextID  int64
	creds   []Credential
	tokens  []AccessToken
	listErr error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// AddCredential appends a credential.
func (m *Memory) AddCredential(_ context.Context, label, secret string) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c := Credential{ID: m.nextID, Label: label, Secret: secret}
	m.creds = append(m.creds, c)
	return c, nil
}

// RemoveCredential deletes the credential with the given id.
func (m *Memory) RemoveCredential(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.IndexFunc(m.creds, func(c Credential) bool { return c.ID == id })
	if i < 0 {
		return ErrNotFound
	}
	m.creds = slices.Delete(m.creds, i, i+1)
	return nil
}

// ListCredentials returns a copy of the credentials in insertion order.
func (m *Memory) ListCredentials(_ context.Context) ([]Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return slices.Clone(m.creds), nil
}

// AddToken stores a caller-chosen token secret.
func (m *Memory) AddToken(secret string) AccessToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := AccessToken{ID: m.nextID, Secret: secret, CreatedAt: time.Now().UTC()}
	m.tokens = append(m.tokens, t)
	return t
}

// IssueToken generates and stores a random token.
func (m *Memory) IssueToken(_ context.Context) (AccessToken, error) {
	return m.AddToken(uuid.NewString()), nil
}

// TokenExists reports whether secret is a stored token.
func (m *Memory) TokenExists(_ context.Context, secret string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tokens {
		if t.Secret == secret {
			return true, nil
		}
	}
	return false, nil
}

// ListTokens returns stored tokens, newest first.
func (m *Memory) ListTokens(_ context.Context) ([]AccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Clone(m.tokens)
	slices.Reverse(out)
	return out, nil
}

// RevokeToken deletes the token with the given id.
func (m *Memory) RevokeToken(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.IndexFunc(m.tokens, func(t AccessToken) bool { return t.ID == id })
	if i < 0 {
		return ErrNotFound
	}
	m.tokens = slices.Delete(m.tokens, i, i+1)
	return nil
}

// Ping always succeeds unless a list failure is injected.
func (m *Memory) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listErr
}

// FailListing makes ListCredentials and Ping return err until called with nil.
func (m *Memory) FailListing(err error) {
	m.mu.Lock()
	m.listErr = err
	m.mu.Unlock()
}
