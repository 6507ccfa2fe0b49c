package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindPlaceholders(t *testing.T) {
	pg := &SQLSink{dialect: DialectPostgres}
	assert.Equal(t, "VALUES($1, $2, $10)", pg.bind("VALUES(?, ?, $10)"))
	q := "a ? b ? c ? d ? e ? f ? g ? h ? i ? j ? k ?"
	assert.Equal(t, "a $1 b $2 c $3 d $4 e $5 f $6 g $7 h $8 i $9 j $10 k $11", pg.bind(q))

	lite := &SQLSink{dialect: DialectSQLite}
	assert.Equal(t, "VALUES(?, ?)", lite.bind("VALUES(?, ?)"))
}

type memSink struct {
	recs   []Record
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, r Record) error {
	m.recs = append(m.recs, r)
	return m.err
}

func (m *memSink) Close() error { m.closed = true; return nil }

type readerSink struct{ memSink }

func (r *readerSink) Recent(context.Context, int) ([]Record, error) { return r.recs, nil }

func TestFanout(t *testing.T) {
	a := &memSink{}
	b := &memSink{err: errors.New("down")}
	c := &readerSink{}
	f := Fanout{a, b, c}

	rec := Record{ID: "1", Kind: "deploy", StartedAt: time.Now(), FinishedAt: time.Now()}
	err := f.Send(context.Background(), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Len(t, a.recs, 1)
	assert.Len(t, c.recs, 1)

	got, err := f.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.NoError(t, f.Close())
	assert.True(t, a.closed && b.closed && c.closed)

	none, err := Fanout{a}.Recent(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, none)
}
