package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostSuccess(t *testing.T) {
	var gotAuth, gotContentType, gotUA string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotUA = r.Header.Get("User-Agent")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"accepted"}`))
	}))
	defer srv.Close()

	pool := NewPool(Config{AuthToken: "secret"})
	defer pool.CloseAll()

	result, err := pool.Post(context.Background(), "agent-1", srv.URL, "/builds",
		[]byte(`{"build_id":"b-1"}`), nil)
	require.NoError(t, err)

	assert.True(t, result.OK())
	assert.Equal(t, http.StatusAccepted, result.StatusCode)
	assert.JSONEq(t, `{"status":"accepted"}`, string(result.Body))
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
	assert.Contains(t, gotUA, "steward/")
	assert.Equal(t, map[string]string{"build_id": "b-1"}, gotBody)
}

func TestPostNoAuthHeaderWithoutToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pool := NewPool(Config{})
	defer pool.CloseAll()

	_, err := pool.Post(context.Background(), "agent-1", srv.URL, "/builds", []byte(`{}`), nil)
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestNon2xxIsResultNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	pool := NewPool(Config{})
	defer pool.CloseAll()

	result, err := pool.Post(context.Background(), "agent-1", srv.URL, "/builds", []byte(`{}`), nil)
	require.NoError(t, err)
	assert.False(t, result.OK())
	assert.Equal(t, http.StatusServiceUnavailable, result.StatusCode)
}

func TestFailureCounting(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	pool := NewPool(Config{MaxConsecutiveFailures: 3})
	defer pool.CloseAll()
	ctx := context.Background()

	// Success: healthy, last_success set.
	_, err := pool.Post(ctx, "agent-1", srv.URL, "/builds", []byte(`{}`), nil)
	require.NoError(t, err)

	stats := pool.Stats()
	require.Len(t, stats, 1)
	assert.True(t, stats[0].Healthy)
	assert.Equal(t, 0, stats[0].ConsecutiveFailures)
	assert.NotNil(t, stats[0].LastSuccessAt)

	// 5xx and 4xx both count as transport failures.
	status.Store(http.StatusInternalServerError)
	_, _ = pool.Post(ctx, "agent-1", srv.URL, "/builds", []byte(`{}`), nil)
	status.Store(http.StatusBadRequest)
	_, _ = pool.Post(ctx, "agent-1", srv.URL, "/builds", []byte(`{}`), nil)

	stats = pool.Stats()
	assert.Equal(t, 2, stats[0].ConsecutiveFailures)
	assert.True(t, stats[0].Healthy, "still below threshold")

	status.Store(http.StatusBadGateway)
	_, _ = pool.Post(ctx, "agent-1", srv.URL, "/builds", []byte(`{}`), nil)

	stats = pool.Stats()
	assert.Equal(t, 3, stats[0].ConsecutiveFailures)
	assert.False(t, stats[0].Healthy)

	// A success resets the count.
	status.Store(http.StatusOK)
	_, err = pool.Post(ctx, "agent-1", srv.URL, "/builds", []byte(`{}`), nil)
	require.NoError(t, err)

	stats = pool.Stats()
	assert.Equal(t, 0, stats[0].ConsecutiveFailures)
	assert.True(t, stats[0].Healthy)
}

func TestNetworkErrorCounts(t *testing.T) {
	// Point at a closed port.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	pool := NewPool(Config{})
	defer pool.CloseAll()

	_, err := pool.Post(context.Background(), "agent-1", endpoint, "/builds", []byte(`{}`), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent-1")

	stats := pool.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].ConsecutiveFailures)
}

func TestRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	pool := NewPool(Config{RequestTimeout: 50 * time.Millisecond})
	defer pool.CloseAll()

	_, err := pool.Post(context.Background(), "agent-1", srv.URL, "/builds", []byte(`{}`), nil)
	require.Error(t, err)
}

func TestEndpointChangeReplacesClient(t *testing.T) {
	srv1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv1.Close()
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv2.Close()

	pool := NewPool(Config{})
	defer pool.CloseAll()
	ctx := context.Background()

	_, err := pool.Post(ctx, "agent-1", srv1.URL, "/builds", []byte(`{}`), nil)
	require.NoError(t, err)
	_, err = pool.Post(ctx, "agent-1", srv2.URL, "/builds", []byte(`{}`), nil)
	require.NoError(t, err)

	stats := pool.Stats()
	require.Len(t, stats, 1, "re-registered endpoint must replace, not duplicate")
	assert.Equal(t, srv2.URL, stats[0].Endpoint)
}

func TestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/health", r.URL.Path)
		_, _ = w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	pool := NewPool(Config{})
	defer pool.CloseAll()

	result, err := pool.Get(context.Background(), "agent-1", srv.URL, "/health", nil)
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, "ok", string(result.Body))
}

func TestClosePool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pool := NewPool(Config{})
	_, err := pool.Post(context.Background(), "agent-1", srv.URL, "/builds", []byte(`{}`), nil)
	require.NoError(t, err)
	require.Len(t, pool.Stats(), 1)

	pool.ClosePool("agent-1")
	assert.Empty(t, pool.Stats())

	pool.CloseAll()
}
