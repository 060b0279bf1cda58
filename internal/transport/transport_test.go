package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransportPostsBodyWithBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "alice", user)
		assert.Equal(t, "secret", pass)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"zarafa":{}}`, string(body))
		_, _ = w.Write([]byte(`{"zarafa":{"ok":{}}}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, Username: "alice", Password: "secret"})
	got, err := tr.RoundTrip(context.Background(), []byte(`{"zarafa":{}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"zarafa":{"ok":{}}}`, string(got))
}

func TestHTTPTransportPrefersSessionToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, Username: "alice", SessionToken: "tok"})
	_, err := tr.RoundTrip(context.Background(), []byte(`{}`))
	require.NoError(t, err)
}

func TestHTTPTransportRetriesWhenBusy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"zarafa":{}}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, MaxRetries: 3})
	_, err := tr.RoundTrip(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPTransportGivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, MaxRetries: 1})
	_, err := tr.RoundTrip(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries (1) exceeded")

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
}

func TestHTTPTransportStatusErrors(t *testing.T) {
	tests := []struct {
		status   int
		wantAuth bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, true},
		{http.StatusInternalServerError, false},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			_, err := NewHTTPTransport(HTTPConfig{URL: srv.URL}).RoundTrip(context.Background(), nil)
			require.Error(t, err)
			assert.Equal(t, tt.wantAuth, IsAuthError(err))
			if !tt.wantAuth {
				var se *StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, tt.status, se.StatusCode)
				assert.Equal(t, "nope", se.Body)
			}
		})
	}
}

func TestFuncAdapter(t *testing.T) {
	var tr Transport = Func(func(_ context.Context, body []byte) ([]byte, error) {
		return append([]byte("echo:"), body...), nil
	})
	got, err := tr.RoundTrip(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "echo:x", string(got))
}

func TestPushListenerDeliversFramesAndReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"frame":`+strconv.Itoa(int(n))+`}`))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x1})
		conn.Close()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	l := NewPushListener(url, http.Header{"Authorization": {"Bearer tok"}}, nil)
	l.SetBackoff(time.Millisecond, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frames := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx, func(b []byte) {
			select {
			case frames <- string(b):
			default:
			}
		})
	}()

	assert.Equal(t, `{"frame":1}`, <-frames)
	assert.Equal(t, `{"frame":2}`, <-frames)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPushListenerStopsOnAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	l := NewPushListener("ws"+strings.TrimPrefix(srv.URL, "http"), nil, nil)
	err := l.Run(context.Background(), func([]byte) {})
	assert.True(t, IsAuthError(err))
}

func TestHTTPTransportDoesNotWaitAfterLastAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "10")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, MaxRetries: 0})
	start := time.Now()
	_, err := tr.RoundTrip(context.Background(), []byte(`{}`))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries (0) exceeded")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRetryAfterDuration(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{64, 30 * time.Second},
		{1000, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryAfterDuration(resp, tt.attempt), "attempt %d", tt.attempt)
	}

	resp.Header.Set("Retry-After", "7")
	assert.Equal(t, 7*time.Second, retryAfterDuration(resp, 9))
}
