package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/taskboard/pkg/client"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestServeRunsTaskEndToEnd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	dir := t.TempDir()
	addr := freeAddr(t)
	cfg := map[string]any{
		"task_table": "Tasks",
		"log_table":  "Logs",
		"runtime":    "/bin/sh",
		"script_ext": ".sh",
		"task_dir":   filepath.Join(dir, "task"),
		"debounce":   0,
		"metrics":    false,
		"http_addr":  addr,
		"log_format": "json",
	}
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, b, 0o644))

	done := make(chan error, 1)
	go func() { done <- runServe(context.Background(), ServeFlags{ConfigPath: path}, io.Discard) }()

	ctx := context.Background()
	c, err := client.New(client.Config{BaseURL: "http://" + addr + "/api"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		h, err := c.Health(ctx)
		return err == nil && h.Status == "ok"
	}, 5*time.Second, 20*time.Millisecond)

	row, err := c.Insert(ctx, "Tasks", client.InsertRequest{
		Fields: map[string]any{
			"name": "demo", "status": "Uninitialized",
			"activate": true, "run": false, "kill": false,
		},
		Children: []client.Block{{Type: "code", Title: `echo '{"message":"hi","level":"Info"}'`}},
	})
	require.NoError(t, err)

	status := func() string {
		r, err := c.Row(ctx, "Tasks", row.ID)
		if err != nil {
			return ""
		}
		s, _ := r.Fields["status"].(string)
		return s
	}
	require.Eventually(t, func() bool { return status() == "Activated" }, 5*time.Second, 20*time.Millisecond)
	_, err = c.Update(ctx, "Tasks", row.ID, map[string]any{"run": true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return status() == "Completed" }, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		logs, err := c.Rows(ctx, "Logs")
		if err != nil {
			return false
		}
		for _, l := range logs {
			if l.Fields["message"] == "hi" && l.Fields["level"] == "Info" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	main, err := c.FindByName(ctx, "Tasks", "Main")
	require.NoError(t, err)
	_, err = c.Update(ctx, "Tasks", main.ID, map[string]any{"kill": true})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after Main kill")
	}
}
