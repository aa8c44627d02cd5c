package collab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessTokenIsCachedAndDeduplicated(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/google/token", r.URL.Path)
		assert.Equal(t, "Bearer user-tok", r.Header.Get("Authorization"))
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte(`{"accessToken":"ya29","expiresAt":"2099-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithToken("user-tok"))
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := c.AccessToken(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "ya29", tok.AccessToken)
		}()
	}
	wg.Wait()
	_, err := c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExpiredTokenRefetches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"accessToken":"ya29","expiresAt":"2026-01-01T00:00:30Z"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	_, err := c.AccessToken(context.Background())
	require.NoError(t, err)
	_, err = c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCredentialErrorsAreDistinct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/google/token":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"token_expired","error":"refresh token revoked"}`))
		case "/api/google/docs/doc-1/permissions":
			w.WriteHeader(http.StatusPreconditionFailed)
			_, _ = w.Write([]byte(`{"code":"not_connected","error":"connect google first"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.True(t, Reconnect(err))

	_, err = c.ListPermissions(context.Background(), "doc-1")
	assert.ErrorIs(t, err, ErrNotConnected)

	err = c.MakePublic(context.Background(), "doc-1")
	require.Error(t, err)
	assert.False(t, Reconnect(err))
}

func TestShareDefaultsToWriter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{"id":"p-1","email":"a@b.c","role":"writer","type":"user"}`))
	}))
	defer srv.Close()

	perm, err := New(srv.URL).Share(context.Background(), "doc-1", "a@b.c", "")
	require.NoError(t, err)
	assert.Equal(t, "writer", perm.Role)
}
