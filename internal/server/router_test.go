package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/atpinstall/internal/app"
	"github.com/loykin/atpinstall/internal/config"
	"github.com/loykin/atpinstall/internal/event"
	"github.com/loykin/atpinstall/internal/history/sqlite"
	"github.com/loykin/atpinstall/internal/job"
	"github.com/loykin/atpinstall/internal/migration"
	"github.com/loykin/atpinstall/internal/modules"
	"github.com/loykin/atpinstall/internal/runner"
)

type fakeRunner struct {
	mu   sync.Mutex
	cmds []string
}

func (f *fakeRunner) Run(_ context.Context, c runner.Command) (runner.Result, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, c.String())
	f.mu.Unlock()
	switch {
	case strings.HasPrefix(c.String(), "yarn migrationStatus"):
		return runner.Result{Stdout: "$ node status\n{\"initialized\": true}\nDone in 0.4s\n"}, nil
	case len(c.Args) == 1 && c.Args[0] == "--version":
		return runner.Result{Stdout: "v1.0.0\n"}, nil
	}
	return runner.Result{}, nil
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

func setupRouter(t *testing.T, withMetrics bool) (*app.App, http.Handler, *fakeRunner) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sink, err := sqlite.New(":memory:")
	require.NoError(t, err)
	cfg := &config.AppConfig{
		ProjectName: "acme",
		Destination: t.TempDir(),
		Modules:     modules.DefaultCatalog().RequiredIDs(),
	}
	fr := &fakeRunner{}
	a, err := app.New(app.Options{Config: cfg, Runner: fr, History: sink})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a, NewRouter(a, "/api", withMetrics).Handler(), fr
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	_, h, _ := setupRouter(t, false)
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/api/healthz", nil).Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/healthz", nil).Code)
}

func TestMetricsOnlyWhenEnabled(t *testing.T) {
	_, h, _ := setupRouter(t, false)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/metrics", nil).Code)
	_, h, _ = setupRouter(t, true)
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/api/metrics", nil).Code)
}

func TestDeploySubmitsJob(t *testing.T) {
	a, h, fr := setupRouter(t, false)
	rec := doReq(t, h, http.MethodPost, "/api/deploy?target=admin", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[jobResp](t, rec)
	require.NotEmpty(t, resp.JobID)

	j, err := a.Jobs.Wait(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.PhaseSucceeded, j.Phase)
	assert.Equal(t, "admin", j.Target)
	assert.Equal(t, []string{"yarn deploy"}, fr.commands())

	got := decode[job.Job](t, doReq(t, h, http.MethodGet, "/api/jobs/"+resp.JobID, nil))
	assert.Equal(t, job.PhaseSucceeded, got.Phase)

	hist := doReq(t, h, http.MethodGet, "/api/history?limit=5", nil)
	require.Equal(t, http.StatusOK, hist.Code)
	assert.Contains(t, hist.Body.String(), resp.JobID)
}

func TestDevValidation(t *testing.T) {
	_, h, _ := setupRouter(t, false)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodPost, "/api/dev/mobile/start", nil).Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodPost, "/api/dev/api/jump", nil).Code)

	rec := doReq(t, h, http.MethodPost, "/api/dev/api/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rows := decode[[]map[string]any](t, doReq(t, h, http.MethodGet, "/api/dev/status", nil))
	require.Len(t, rows, 3)
	assert.Equal(t, "stopped", rows[0]["status"])
}

func TestEnsureValidation(t *testing.T) {
	_, h, fr := setupRouter(t, false)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodPost, "/api/aws/ensure/vpc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodPost, "/api/aws/ensure/bucket?name=a/b", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodPost, "/api/aws/ensure/distribution?name=mobile", nil).Code)
	assert.Empty(t, fr.commands())
}

func TestMigrationStatus(t *testing.T) {
	_, h, _ := setupRouter(t, false)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/api/migration/status?env=staging", nil).Code)

	rec := doReq(t, h, http.MethodGet, "/api/migration/status?env=local", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, migration.Status{Initialized: true}, decode[migration.Status](t, rec))

	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodPost, "/api/migration/rollback", nil).Code)
}

func TestModules(t *testing.T) {
	_, h, _ := setupRouter(t, false)
	resp := decode[modulesResp](t, doReq(t, h, http.MethodGet, "/api/modules", nil))
	assert.NotEmpty(t, resp.Catalog)
	assert.Equal(t, modules.DefaultCatalog().RequiredIDs(), resp.Selected)

	rec := doReq(t, h, http.MethodPost, "/api/modules/sync", syncReq{Modules: []string{"nope"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "nope")

	req := httptest.NewRequest(http.MethodPost, "/api/modules/sync", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	bad := httptest.NewRecorder()
	h.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestPrerequisites(t *testing.T) {
	_, h, _ := setupRouter(t, false)
	rows := decode[[]runner.ToolStatus](t, doReq(t, h, http.MethodGet, "/api/prerequisites", nil))
	require.Len(t, rows, len(runner.Prerequisites))
	for _, r := range rows {
		assert.True(t, r.Installed, r.ID)
		assert.Equal(t, "v1.0.0", r.Version)
	}
}

func TestInstallTool(t *testing.T) {
	a, h, fr := setupRouter(t, false)
	rec := doReq(t, h, http.MethodPost, "/api/prerequisites/git/install", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	j, err := a.Jobs.Wait(context.Background(), decode[jobResp](t, rec).JobID)
	require.NoError(t, err)
	assert.Equal(t, job.PhaseSucceeded, j.Phase)
	assert.Equal(t, job.KindTool, j.Kind)
	assert.Contains(t, fr.commands(), "winget install --id Git.Git -e --source winget --accept-source-agreements --accept-package-agreements")

	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodPost, "/api/prerequisites/cobol/install", nil).Code)
}

func TestJobNotFound(t *testing.T) {
	_, h, _ := setupRouter(t, false)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/jobs/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodDelete, "/api/jobs/missing", nil).Code)
}

func TestEventStream(t *testing.T) {
	a, h, _ := setupRouter(t, false)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Eventually(t, func() bool { return a.Hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	a.Hub.Emit(event.NewLog(event.LogInfo, "test", "hello"))

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if strings.HasPrefix(sc.Text(), "data:") {
			break
		}
	}
	assert.Contains(t, lines, "event:log")
	assert.Contains(t, lines[len(lines)-1], `"message":"hello"`)
}
