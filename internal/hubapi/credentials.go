// Package hubapi talks to the hub's REST API and owns the credential shape shared
// with the push channel.
package hubapi

import (
	"errors"
	"strings"
	"sync"
)

// Credentials identify one hub: base URL plus long-lived bearer token.
type Credentials struct {
	BaseURL string
	Token   string
}

// Valid reports whether both fields are set.
func (c Credentials) Valid() bool {
	return c.BaseURL != "" && c.Token != ""
}

// CredentialSource is re-read on every request and connection attempt so that a
// rotated token takes effect without restarting.
type CredentialSource interface {
	Credentials() (Credentials, error)
}

// ErrNoCredentials is returned when no hub has been configured yet.
var ErrNoCredentials = errors.New("no hub credentials available")

// CredentialStore is a mutable CredentialSource.
type CredentialStore struct {
	mu    sync.RWMutex
	creds Credentials
}

// NewCredentialStore creates a store holding creds (which may be empty).
func NewCredentialStore(creds Credentials) *CredentialStore {
	s := &CredentialStore{}
	s.Set(creds)
	return s
}

// Set replaces the stored credentials.
func (s *CredentialStore) Set(creds Credentials) {
	creds.BaseURL = strings.TrimSuffix(creds.BaseURL, "/")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
}

// Clear forgets the stored credentials.
func (s *CredentialStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{}
}

// Credentials implements CredentialSource.
func (s *CredentialStore) Credentials() (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.creds.Valid() {
		return Credentials{}, ErrNoCredentials
	}
	return s.creds, nil
}

// WebSocketURL derives the push-channel URL from the REST base URL.
func WebSocketURL(baseURL string) string {
	u := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/websocket"
}
