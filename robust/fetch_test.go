package robust

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func matchSetServer(t *testing.T, failures int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	payload, err := EncodeMatchSet(smallSet(), true)
	require.NoError(t, err)

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, matchSetAccept, r.Header.Get("Accept"))
		if attempts.Add(1) <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv, &attempts
}

func TestFetchMatchSet_Success(t *testing.T) {
	srv, attempts := matchSetServer(t, 0)

	m, err := FetchMatchSet(context.Background(), srv.URL, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	assert.Equal(t, "small", m.ID)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestFetchMatchSet_RetriesServerErrors(t *testing.T) {
	srv, attempts := matchSetServer(t, 2)

	m, err := FetchMatchSet(context.Background(), srv.URL,
		WithHTTPClient(srv.Client()), WithBaseBackoff(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 4, m.Len())
	assert.Equal(t, int32(3), attempts.Load())
}

func TestFetchMatchSet_AllAttemptsFail(t *testing.T) {
	srv, attempts := matchSetServer(t, 100)

	_, err := FetchMatchSet(context.Background(), srv.URL,
		WithHTTPClient(srv.Client()), WithMaxRetries(2), WithBaseBackoff(time.Millisecond))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 attempts failed")
	assert.Equal(t, int32(2), attempts.Load())
}

func TestFetchMatchSet_DecodeErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		_, _ = w.Write([]byte("not a match set"))
	}))
	defer srv.Close()

	_, err := FetchMatchSet(context.Background(), srv.URL, WithHTTPClient(srv.Client()))
	assert.ErrorIs(t, err, ErrInvalidDataset)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestFetchMatchSet_StatusClassification(t *testing.T) {
	tests := []struct {
		status       int
		wantAttempts int32
		permanent    bool
	}{
		{http.StatusNotFound, 1, true},
		{http.StatusForbidden, 1, true},
		{http.StatusTooManyRequests, 3, false},
		{http.StatusRequestTimeout, 3, false},
		{http.StatusBadGateway, 3, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var attempts atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				attempts.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := FetchMatchSet(context.Background(), srv.URL,
				WithHTTPClient(srv.Client()), WithBaseBackoff(time.Millisecond))
			require.Error(t, err)
			assert.Equal(t, tt.permanent, errors.Is(err, ErrMatchSetUnavailable))
			assert.Equal(t, tt.wantAttempts, attempts.Load())
		})
	}
}

func TestFetchMatchSet_OversizedBodyRejected(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		_, _ = w.Write([]byte("{"))
		_, _ = w.Write(bytes.Repeat([]byte(" "), maxMatchSetBytes))
	}))
	defer srv.Close()

	_, err := FetchMatchSet(context.Background(), srv.URL, WithHTTPClient(srv.Client()))
	assert.ErrorIs(t, err, ErrInvalidDataset)
	assert.Contains(t, err.Error(), "exceeds")
	assert.Equal(t, int32(1), attempts.Load())
}

func TestFetchMatchSet_IDFromURL(t *testing.T) {
	set := smallSet()
	set.ID = ""
	payload, err := EncodeMatchSet(set, true)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	m, err := FetchMatchSet(context.Background(), srv.URL+"/sets/cam1.json.z", WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	assert.Equal(t, "cam1", m.ID)
}

func TestMatchSetIDFromURL(t *testing.T) {
	tests := map[string]string{
		"https://host/sets/cam1.json":   "cam1",
		"https://host/sets/cam2.json.z": "cam2",
		"https://host/sets/cam3":        "cam3",
		"https://host:8080/":            "host",
		"http://host":                   "host",
	}
	for in, want := range tests {
		assert.Equal(t, want, matchSetIDFromURL(in), "matchSetIDFromURL(%q)", in)
	}
}

func TestFetchMatchSet_ContextCancelled(t *testing.T) {
	srv, _ := matchSetServer(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := FetchMatchSet(ctx, srv.URL,
		WithHTTPClient(srv.Client()), WithBaseBackoff(time.Hour), WithTimeout(time.Second))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchMatchSet_EmptyURL(t *testing.T) {
	_, err := FetchMatchSet(context.Background(), "")
	assert.Error(t, err)
}

func TestOpenMatchSet(t *testing.T) {
	assert.True(t, IsURL("https://host/set.json"))
	assert.True(t, IsURL("http://host/set.json"))
	assert.False(t, IsURL("/tmp/set.json"))

	path := filepath.Join(t.TempDir(), "set.json")
	require.NoError(t, SaveMatchSet(path, smallSet()))
	m, err := OpenMatchSet(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "small", m.ID)

	srv, _ := matchSetServer(t, 0)
	m, err = OpenMatchSet(context.Background(), srv.URL, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	assert.Equal(t, "small", m.ID)
}
