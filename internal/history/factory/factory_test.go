package factory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/atpinstall/internal/history"
)

func TestFactoryDSNErrors(t *testing.T) {
	for _, dsn := range []string{"", "   ", "invalid://test", "mysql://u@h/db"} {
		_, err := NewSinkFromDSN(dsn)
		assert.Error(t, err, dsn)
	}
}

func TestFactorySQLite(t *testing.T) {
	dir := t.TempDir()
	for _, dsn := range []string{
		"sqlite://:memory:",
		":memory:",
		"sqlite://" + filepath.Join(dir, "a.db"),
		filepath.Join(dir, "b.db"),
	} {
		t.Run(dsn, func(t *testing.T) {
			sink, err := NewSinkFromDSN(dsn)
			require.NoError(t, err)
			t.Cleanup(func() { _ = sink.Close() })

			now := time.Now()
			require.NoError(t, sink.Send(context.Background(), history.Record{ID: "1", Kind: "install", Target: "all", StartedAt: now, FinishedAt: now, Success: true}))
			r, ok := sink.(history.Reader)
			require.True(t, ok)
			got, err := r.Recent(context.Background(), 5)
			require.NoError(t, err)
			assert.Len(t, got, 1)
		})
	}
}

func TestParseClickHouseDSN(t *testing.T) {
	opts, table, err := parseClickHouseDSN("clickhouse://alice:pw@ch.local:9440/metrics?table=atp_history&dial_timeout=2s")
	require.NoError(t, err)
	assert.Equal(t, "atp_history", table)
	assert.Equal(t, []string{"ch.local:9440"}, opts.Addr)
	assert.Equal(t, "metrics", opts.Auth.Database)
	assert.Equal(t, "alice", opts.Auth.Username)
	assert.Equal(t, "pw", opts.Auth.Password)
	assert.Equal(t, 2*time.Second, opts.DialTimeout)
	_, leaked := opts.Settings["table"]
	assert.False(t, leaked)

	opts, table, err = parseClickHouseDSN("clickhouse://")
	require.NoError(t, err)
	assert.Empty(t, table)
	assert.Equal(t, []string{"localhost:9000"}, opts.Addr)
}
