package logsink

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/taskboard/internal/board"
	"github.com/loykin/taskboard/internal/board/memory"
)

func TestLog_WritesRow(t *testing.T) {
	ctx := context.Background()
	st := memory.New(nil)
	defer func() { _ = st.Close() }()
	s := New(st, "L", slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), false)
	at := time.Date(2024, 5, 1, 10, 0, 0, 123, time.UTC)
	s.now = func() time.Time { return at }

	require.NoError(t, s.Log(ctx, "demo [7]", Info, "hi"))
	rows, err := st.Rows(ctx, "L")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "demo [7]", rows[0].String(FieldName))
	assert.Equal(t, "Info", rows[0].String(FieldLevel))
	assert.Equal(t, "hi", rows[0].String(FieldMessage))
	assert.Equal(t, "2024-05-01T10:00:00.000000123Z", rows[0].String(FieldLogOn))
}

func TestLog_ConsoleMirrorFollowsDebug(t *testing.T) {
	ctx := context.Background()
	st := memory.New(nil)
	defer func() { _ = st.Close() }()
	var buf bytes.Buffer
	s := New(st, "L", slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), false)

	s.Info(ctx, "quiet %d", 1)
	assert.Empty(t, buf.String())

	s.SetDebug(true)
	assert.True(t, s.Debugging())
	s.Warn(ctx, "loud %s", "now")
	assert.Contains(t, buf.String(), "loud now")
	assert.Contains(t, buf.String(), "host=Main")
	assert.Contains(t, buf.String(), "level=WARN")

	rows, _ := st.Rows(ctx, "L")
	require.Len(t, rows, 2)
	assert.Equal(t, "Warning", rows[1].String(FieldLevel))
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	st := memory.New(nil)
	defer func() { _ = st.Close() }()
	s := New(st, "L", nil, false)
	s.Info(ctx, "a")
	s.Error(ctx, "b")
	s.Debug(ctx, "c")
	n, err := s.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	rows, _ := st.Rows(ctx, "L")
	assert.Empty(t, rows)
}

type failingStore struct{ board.Store }

func (failingStore) Insert(context.Context, string, board.Fields, []board.Block) (board.Row, error) {
	return board.Row{}, errors.New("boom")
}

func TestLog_StoreFailureIsReturnedAndLogged(t *testing.T) {
	var buf bytes.Buffer
	s := New(failingStore{}, "L", slog.New(slog.NewTextHandler(&buf, nil)), false)
	err := s.Log(context.Background(), Host, Error, "x")
	require.Error(t, err)
	assert.Contains(t, buf.String(), "log table write failed")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"Debug": Debug, "INFO": Info, "warn": Warning, "Warning": Warning, "error": Error} {
		got, ok := ParseLevel(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	got, ok := ParseLevel("fatal")
	assert.False(t, ok)
	assert.Equal(t, Info, got)
}
