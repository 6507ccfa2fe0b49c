package atpinstall

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFacade(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atp.json")
	cfg := &Config{ProjectName: "acme", Destination: t.TempDir()}
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "acme", loaded.ProjectName)
	assert.Equal(t, "127.0.0.1:7420", loaded.Server.Addr)

	inst, err := New(Options{Config: loaded, ConfigPath: path})
	require.NoError(t, err)
	defer func() { _ = inst.Close(context.Background()) }()

	h := NewHTTPHandler(inst, "/x", true)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.NotEmpty(t, DefaultCatalog())
	assert.Equal(t, "127.0.0.1:0", NewHTTPServer("127.0.0.1:0", "", inst, false).Addr)
}

func TestRegisterMetricsTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))
	assert.NoError(t, RegisterMetrics(reg))
}
