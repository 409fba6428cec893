package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/taskboard/internal/board"
)

func TestPostgres_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("board"),
		postgres.WithUsername("board"),
		postgres.WithPassword("board"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(dsn, Options{PollInterval: time.Hour})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	tbl := &recorder{}
	s.Subscribe("T", "", "rows", tbl.handle)

	r, err := s.Insert(ctx, "T", board.Fields{"name": "demo", "activate": false}, []board.Block{{Type: board.BlockCode, Title: "echo hi"}})
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, "T", r.ID, board.Fields{"activate": true}))
	got, err := s.Get(ctx, "T", r.ID)
	require.NoError(t, err)
	assert.True(t, got.Bool("activate"))

	require.NoError(t, s.Poll(ctx))
	require.Eventually(t, func() bool { return len(tbl.snapshot()) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Delete(ctx, "T", r.ID))
	rows, err := s.Rows(ctx, "T")
	require.NoError(t, err)
	assert.Empty(t, rows)

	// writers of different fields of one row must not overwrite each other
	assertConcurrentMerge(t, s)
}
