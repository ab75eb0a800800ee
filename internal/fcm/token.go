// Package fcm manages OAuth bearer tokens for the FCM v1 API.
package fcm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
)

// messagingScope authorizes the v1 messages:send endpoint.
const messagingScope = "https://www.googleapis.com/auth/firebase.messaging"

// earlyRefresh treats tokens this close to expiry as already stale so hot
// paths never race the deadline.
const earlyRefresh = 30 * time.Second

// ErrNoCredentials is returned when the service-account file is missing.
var ErrNoCredentials = errors.New("no service account credentials configured")

// Manager caches one access token for concurrent readers and collapses
// refreshes into a single in-flight request.
type Manager struct {
	mu    sync.RWMutex
	token *oauth2.Token

	group singleflight.Group
	fetch func(ctx context.Context) (*oauth2.Token, error)
}

// NewManagerFromFile loads service-account JSON from the given path,
// typically GOOGLE_APPLICATION_CREDENTIALS.
func NewManagerFromFile(path string) (*Manager, error) {
	if path == "" {
		return nil, ErrNoCredentials
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service account file: %w", err)
	}
	return NewManager(data)
}

// NewManager builds a manager from service-account JSON.
func NewManager(credentialsJSON []byte) (*Manager, error) {
	cfg, err := google.JWTConfigFromJSON(credentialsJSON, messagingScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account: %w", err)
	}
	return &Manager{
		fetch: func(ctx context.Context) (*oauth2.Token, error) {
			return cfg.TokenSource(ctx).Token()
		},
	}, nil
}

// GetToken returns a valid bearer token, refreshing first when the cached
// one is absent or near expiry.
func (m *Manager) GetToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	token := m.token
	m.mu.RUnlock()

	if usable(token) {
		return token.AccessToken, nil
	}
	if err := m.UpdateToken(ctx); err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token.AccessToken, nil
}

// UpdateToken forces a refresh. Concurrent callers share one fetch.
func (m *Manager) UpdateToken(ctx context.Context) error {
	_, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		token, err := m.fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch access token: %w", err)
		}
		m.mu.Lock()
		m.token = token
		m.mu.Unlock()
		return nil, nil
	})
	return err
}

func usable(token *oauth2.Token) bool {
	return token != nil &&
		token.AccessToken != "" &&
		(token.Expiry.IsZero() || time.Until(token.Expiry) > earlyRefresh)
}
