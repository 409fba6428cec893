package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/taskboard/internal/board"
	"github.com/loykin/taskboard/internal/board/memory"
)

func TestParse(t *testing.T) {
	for _, ok := range []string{"*/5 * * * *", "0 */2 * * * *", "@hourly", "@every 90s"} {
		_, err := Parse(ok)
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{"", "every minute", "61 * * * *"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestSetSyncRemove(t *testing.T) {
	st := memory.New(nil)
	defer func() { _ = st.Close() }()
	s := New(st, "T", nil)

	a := board.Row{ID: "a", Fields: board.Fields{"name": "a", "schedule": "@every 1m"}}
	b := board.Row{ID: "b", Fields: board.Fields{"name": "b", "schedule": "bad expr"}}
	m := board.Row{ID: "m", Fields: board.Fields{"name": "Main", "schedule": "@every 1m"}}
	c := board.Row{ID: "c", Fields: board.Fields{"name": "c"}}
	s.Sync([]board.Row{a, b, m, c})
	assert.Equal(t, map[string]string{"a": "@every 1m"}, s.Entries())
	assert.Len(t, s.cron.Entries(), 1)

	a.Fields["schedule"] = "@every 2m"
	s.Set(a)
	assert.Equal(t, "@every 2m", s.Entries()["a"])
	assert.Len(t, s.cron.Entries(), 1)

	s.Sync([]board.Row{c})
	assert.Empty(t, s.Entries())
	assert.Empty(t, s.cron.Entries())
}

func TestTickRaisesRunFlag(t *testing.T) {
	ctx := context.Background()
	st := memory.New(nil)
	defer func() { _ = st.Close() }()
	r, err := st.Insert(ctx, "T", board.Fields{"name": "demo", "run": false, "schedule": "@every 1h"}, nil)
	require.NoError(t, err)

	s := New(st, "T", nil)
	s.Start()
	defer s.Stop()
	s.Set(r)

	entries := s.cron.Entries()
	require.Len(t, entries, 1)
	assert.Len(t, s.Next(), 1)
	entries[0].Job.Run()

	got, err := st.Get(ctx, "T", r.ID)
	require.NoError(t, err)
	assert.True(t, got.Bool("run"))
}

func TestTickOnRemovedRowIsHarmless(t *testing.T) {
	st := memory.New(nil)
	defer func() { _ = st.Close() }()
	s := New(st, "T", nil)
	s.Set(board.Row{ID: "gone", Fields: board.Fields{"name": "gone", "schedule": "@daily"}})
	entries := s.cron.Entries()
	require.Len(t, entries, 1)
	entries[0].Job.Run()
}
