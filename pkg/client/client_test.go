package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/api"})
}

func TestDeploySubmits(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/deploy", r.URL.Path)
		assert.Equal(t, "admin", r.URL.Query().Get("target"))
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(JobResponse{JobID: "j1"})
	})
	id, err := c.Deploy(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, "j1", id)
}

func TestSyncModulesBody(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string][]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"core", "store"}, body["modules"])
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(JobResponse{JobID: "j2"})
	})
	id, err := c.SyncModules(context.Background(), []string{"core", "store"})
	require.NoError(t, err)
	assert.Equal(t, "j2", id)
}

func TestInstallToolSubmits(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/prerequisites/psql/install", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(JobResponse{JobID: "j9"})
	})
	id, err := c.InstallTool(context.Background(), "psql")
	require.NoError(t, err)
	assert.Equal(t, "j9", id)
}

func TestErrorResponse(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "a job of this kind is already running"})
	})
	_, err := c.Install(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Contains(t, apiErr.Error(), "already running")
}

func TestWaitJobPolls(t *testing.T) {
	var calls atomic.Int32
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/jobs/j3", r.URL.Path)
		phase := PhaseRunning
		if calls.Add(1) >= 3 {
			phase = PhaseSucceeded
		}
		_ = json.NewEncoder(w).Encode(Job{ID: "j3", Phase: phase})
	})
	j, err := c.WaitJob(context.Background(), "j3", 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, PhaseSucceeded, j.Phase)
	assert.EqualValues(t, 3, calls.Load())
}

func TestWaitJobContextCancel(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Job{ID: "j4", Phase: PhaseRunning})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.WaitJob(ctx, "j4", 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsReachable(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/healthz", r.URL.Path)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	assert.True(t, c.IsReachable(context.Background()))
	assert.False(t, New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: 200 * time.Millisecond}).IsReachable(context.Background()))
}

func TestMigrationStatusAndDevStatus(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/migration/status":
			assert.Equal(t, "prod", r.URL.Query().Get("env"))
			_, _ = w.Write([]byte(`{"initialized":false,"reason":"Database is not initialized"}`))
		case "/api/dev/status":
			_, _ = w.Write([]byte(`[{"id":"api","status":"running","pid":42}]`))
		}
	})
	st, err := c.MigrationStatus(context.Background(), "prod")
	require.NoError(t, err)
	assert.False(t, st.Initialized)
	assert.Equal(t, "Database is not initialized", st.Reason)

	rows, err := c.DevStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 42, rows[0].PID)
}
