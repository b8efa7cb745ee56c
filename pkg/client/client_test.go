package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	json := func(w http.ResponseWriter, code int, body string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}
	mux.HandleFunc("GET /api/healthz", func(w http.ResponseWriter, _ *http.Request) {
		json(w, 200, `{"success":true}`)
	})
	mux.HandleFunc("POST /api/streams/{id}/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			json(w, 401, `{"success":false,"error":"invalid or expired token"}`)
			return
		}
		if r.PathValue("id") == "busy" {
			json(w, 409, `{"success":false,"error":"stream is already live"}`)
			return
		}
		json(w, 200, `{"success":true,"status":"live"}`)
	})
	mux.HandleFunc("GET /api/streams/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		json(w, 200, `{"success":true,"active":true,"stream":{"id":"`+r.PathValue("id")+`","status":"live"}}`)
	})
	mux.HandleFunc("GET /api/streams/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("lines") != "2" {
			json(w, 400, `{"success":false,"error":"lines"}`)
			return
		}
		json(w, 200, `{"success":true,"id":"s1","lines":["a","b"],"active":true,"retained":true}`)
	})
	mux.HandleFunc("DELETE /api/rotations/{id}", func(w http.ResponseWriter, _ *http.Request) {
		json(w, 404, `{"success":false,"error":"not found"}`)
	})
	mux.HandleFunc("POST /api/sync", func(w http.ResponseWriter, _ *http.Request) {
		json(w, 200, `{"success":true,"result":{"marked_offline":3,"marked_live":1}}`)
	})
	mux.HandleFunc("GET /api/active", func(w http.ResponseWriter, _ *http.Request) {
		json(w, 200, `{"success":true,"encoders":[{"key":"s1","kind":"stream","pid":7}]}`)
	})
	up := websocket.Upgrader{}
	mux.HandleFunc("GET /api/streams/{id}/logs/follow", func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for _, l := range []string{"one", "two"} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(l))
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "encoder not running")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, srv *httptest.Server, token string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: srv.URL + "/api/", Token: token, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestClientCalls(t *testing.T) {
	srv := newTestServer(t)
	c := newClient(t, srv, "tok")
	ctx := context.Background()

	assert.True(t, c.IsReachable(ctx))
	require.NoError(t, c.StartStream(ctx, "s1"))

	st, err := c.StreamStatus(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, "live", st.Stream.Status)

	logs, err := c.StreamLogs(ctx, "s1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, logs.Lines)

	res, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{MarkedOffline: 3, MarkedLive: 1}, res)

	enc, err := c.Active(ctx)
	require.NoError(t, err)
	require.Len(t, enc, 1)
	assert.Equal(t, 7, enc[0].PID)
}

func TestClientErrors(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	err := newClient(t, srv, "").StartStream(ctx, "s1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	err = newClient(t, srv, "tok").StartStream(ctx, "busy")
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Conflict())
	assert.Equal(t, "stream is already live", apiErr.Message)

	err = newClient(t, srv, "tok").DeleteRotation(ctx, "r1")
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.NotFound())
}

func TestFollowLogs(t *testing.T) {
	srv := newTestServer(t)
	var got []string
	err := newClient(t, srv, "tok").FollowLogs(context.Background(), "s1", func(line string) error {
		got = append(got, line)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestUnreachable(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: time.Second})
	require.NoError(t, err)
	if c.IsReachable(context.Background()) {
		t.Fatal("expected unreachable daemon")
	}
}

func TestBadCACert(t *testing.T) {
	_, err := New(Config{TLS: &TLSClientConfig{CACert: "/nonexistent/ca.pem"}})
	if err == nil {
		t.Fatal("expected CA read error")
	}
}
