package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/atpinstall/internal/history"
)

func TestSQLiteSink_SendAndRecent(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	ctx := context.Background()

	start := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	require.NoError(t, sink.Send(ctx, history.Record{ID: "a", Kind: "install", Target: "all", StartedAt: start, FinishedAt: start.Add(time.Second), Success: true}))
	require.NoError(t, sink.Send(ctx, history.Record{ID: "b", Kind: "deploy", Target: "admin", StartedAt: start, FinishedAt: start.Add(2 * time.Second), Error: "yarn deploy failed"}))

	got, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "admin", got[0].Target)
	assert.False(t, got[0].Success)
	assert.Equal(t, "yarn deploy failed", got[0].Error)
	assert.True(t, got[1].Success)
	assert.Empty(t, got[1].Error)
	assert.True(t, got[1].StartedAt.Equal(start))
	assert.Equal(t, time.Second, got[1].Duration())

	one, err := sink.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestSQLiteSink_FilePersists(t *testing.T) {
	p := filepath.Join(t.TempDir(), "h.db")
	sink, err := New("sqlite://" + p)
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), history.Record{ID: "x", Kind: "moduleSync", StartedAt: time.Now(), FinishedAt: time.Now(), Success: true}))
	require.NoError(t, sink.Close())

	again, err := New(p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = again.Close() })
	got, err := again.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "moduleSync", got[0].Kind)
}

func TestSQLiteSink_CancelledContext(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, sink.Send(ctx, history.Record{ID: "c", StartedAt: time.Now(), FinishedAt: time.Now()}))
}

func TestNew_Empty(t *testing.T) {
	_, err := New("  ")
	require.Error(t, err)
}
