package subscription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_CurrentTier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/subscriptions/user-1/tier", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tier":"pro"}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL)
	tier, err := client.CurrentTier(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, TierPro, tier)
}

func TestHTTPClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL)
	_, err := client.CurrentTier(context.Background(), "user-1")
	assert.Error(t, err)
}

func TestHTTPClient_EmptyTierRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL)
	_, err := client.CurrentTier(context.Background(), "user-1")
	assert.Error(t, err)
}

func TestHTTPClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL)
	for i := 0; i < 3; i++ {
		_, err := client.CurrentTier(context.Background(), "user-1")
		require.Error(t, err)
	}

	// The breaker is open now, so the next call fails fast without
	// reaching the server.
	_, err := client.CurrentTier(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStaticSource(t *testing.T) {
	src := NewStaticSource(map[string]Tier{"user-1": TierEnterprise}, TierFree)

	tier, err := src.CurrentTier(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, TierEnterprise, tier)

	tier, err = src.CurrentTier(context.Background(), "someone-else")
	require.NoError(t, err)
	assert.Equal(t, TierFree, tier)
}
