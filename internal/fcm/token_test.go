package fcm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestManager(fetch func(ctx context.Context) (*oauth2.Token, error)) *Manager {
	return &Manager{fetch: fetch}
}

func TestGetTokenFetchesOnceWhileValid(t *testing.T) {
	var fetches int32
	m := newTestManager(func(context.Context) (*oauth2.Token, error) {
		n := atomic.AddInt32(&fetches, 1)
		return &oauth2.Token{
			AccessToken: fmt.Sprintf("token-%d", n),
			Expiry:      time.Now().Add(time.Hour),
		}, nil
	})

	ctx := context.Background()
	first, err := m.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", first)

	second, err := m.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", second, "cached token reused")
	assert.EqualValues(t, 1, atomic.LoadInt32(&fetches))
}

func TestGetTokenRefreshesNearExpiry(t *testing.T) {
	var fetches int32
	m := newTestManager(func(context.Context) (*oauth2.Token, error) {
		n := atomic.AddInt32(&fetches, 1)
		return &oauth2.Token{
			AccessToken: fmt.Sprintf("token-%d", n),
			// Inside the early-refresh margin: stale on the next read.
			Expiry: time.Now().Add(5 * time.Second),
		}, nil
	})

	ctx := context.Background()
	_, err := m.GetToken(ctx)
	require.NoError(t, err)
	_, err = m.GetToken(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&fetches))
}

func TestUpdateTokenReplacesCachedToken(t *testing.T) {
	var fetches int32
	m := newTestManager(func(context.Context) (*oauth2.Token, error) {
		n := atomic.AddInt32(&fetches, 1)
		return &oauth2.Token{
			AccessToken: fmt.Sprintf("token-%d", n),
			Expiry:      time.Now().Add(time.Hour),
		}, nil
	})

	ctx := context.Background()
	first, err := m.GetToken(ctx)
	require.NoError(t, err)

	// Reactive refresh after a 401.
	require.NoError(t, m.UpdateToken(ctx))
	second, err := m.GetToken(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	var fetches int32
	release := make(chan struct{})
	m := newTestManager(func(context.Context) (*oauth2.Token, error) {
		atomic.AddInt32(&fetches, 1)
		<-release
		return &oauth2.Token{
			AccessToken: "token",
			Expiry:      time.Now().Add(time.Hour),
		}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.UpdateToken(context.Background())
		}()
	}
	// Let the callers pile onto the single flight, then release it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&fetches), "one in-flight refresh")
}

func TestNewManagerRejectsBadJSON(t *testing.T) {
	_, err := NewManager([]byte("not json"))
	assert.Error(t, err)

	_, err = NewManagerFromFile("")
	assert.ErrorIs(t, err, ErrNoCredentials)
}
