package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/taskboard/internal/board/memory"
	"github.com/loykin/taskboard/internal/server"
)

func newTestClient(t *testing.T, token string, terminated func() bool) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := memory.New(nil)
	t.Cleanup(func() { _ = st.Close() })
	h := server.NewRouter(server.Options{
		Store:      st,
		BasePath:   "/api",
		Token:      "tok",
		Running:    func() map[string]int { return map[string]int{"demo": 7} },
		Terminated: terminated,
	}).Handler()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	c, err := New(Config{BaseURL: ts.URL + "/api/", Token: token})
	require.NoError(t, err)
	return c
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "tok", nil)

	row, err := c.Insert(ctx, "T", InsertRequest{
		Fields:   map[string]any{"name": "demo", "status": "Uninitialized"},
		Children: []Block{{Type: "code", Title: "echo hi"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, row.ID)

	found, err := c.FindByName(ctx, "T", "demo")
	require.NoError(t, err)
	assert.Equal(t, row.ID, found.ID)

	updated, err := c.Update(ctx, "T", row.ID, map[string]any{"run": true})
	require.NoError(t, err)
	assert.Equal(t, true, updated.Fields["run"])

	withKids, err := c.SetChildren(ctx, "T", row.ID, []Block{{Type: "code", Title: "echo bye"}})
	require.NoError(t, err)
	require.Len(t, withKids.Children, 1)
	assert.Equal(t, "echo bye", withKids.Children[0].Title)

	procs, err := c.Processes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, procs["demo"])

	require.NoError(t, c.Delete(ctx, "T", row.ID))
	_, err = c.Row(ctx, "T", row.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = c.FindByName(ctx, "T", "demo")
	assert.True(t, errors.Is(err, ErrNotFound))

	rows, err := c.Rows(ctx, "T")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestClientWrongToken(t *testing.T) {
	c := newTestClient(t, "nope", nil)
	_, err := c.Rows(context.Background(), "T")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestClientHealth(t *testing.T) {
	down := false
	c := newTestClient(t, "", func() bool { return down })
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)

	down = true
	h, err = c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Terminated)
}
