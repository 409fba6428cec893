package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/taskboard/internal/board"
	"github.com/loykin/taskboard/internal/env"
)

// ErrNoScript is returned when a row carries no code block to materialize.
var ErrNoScript = errors.New("process: no code block")

// MaxLineSize bounds a single child output line.
const MaxLineSize = 1 << 20

// Runner materializes task scripts and runs them as child processes.
type Runner struct {
	Dir     string // script directory, created on demand
	Runtime string // interpreter; empty executes the script directly
	Ext     string // script file extension including the dot
	Table   *Table
	// Env composes the child environment; nil inherits os.Environ.
	Env *env.Env
	// Writers optionally returns a sink for the raw output of a task.
	Writers func(name string) (io.WriteCloser, error)
	// OnStart is called once the child is running and tracked.
	OnStart func(name string, pid int)

	once sync.Once
	wg   sync.WaitGroup
}

// Result describes a finished run.
type Result struct {
	PID      int
	Host     string
	ExitErr  error
	Duration time.Duration
	// Released is false when the handle had already been removed by a kill.
	Released bool
}

// ScriptPath returns the file that Materialize writes for name.
func (r *Runner) ScriptPath(name string) string {
	return filepath.Join(r.Dir, name+r.Ext)
}

// Materialize writes the code blocks of a row, joined by newlines in order,
// to the task's script file.
func (r *Runner) Materialize(name string, blocks []board.Block) (string, error) {
	if !IsSafeName(name) {
		return "", fmt.Errorf("invalid task name %q", name)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == board.BlockCode {
			parts = append(parts, b.Title)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%s: %w", name, ErrNoScript)
	}
	if err := os.MkdirAll(r.Dir, 0o750); err != nil {
		return "", fmt.Errorf("create script dir: %w", err)
	}
	path := r.ScriptPath(name)
	body := strings.Join(parts, "\n")
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	// #nosec G306 -- scripts must be executable when Runtime is empty
	if err := os.WriteFile(path, []byte(body), 0o750); err != nil {
		return "", fmt.Errorf("write script %s: %w", path, err)
	}
	return path, nil
}

func (r *Runner) command(ctx context.Context, path string, config []byte) *exec.Cmd {
	if r.Runtime == "" {
		// #nosec G204
		return exec.CommandContext(ctx, path, string(config))
	}
	fields := strings.Fields(r.Runtime)
	args := append(fields[1:], path, string(config))
	// #nosec G204
	return exec.CommandContext(ctx, fields[0], args...)
}

// Launch runs the materialized script of name with the serialized config as
// its only argument and blocks until the child exits. Stdout and stderr are
// merged and decoded line by line into fn. The returned error covers only
// failures to start; a started child always yields a Result.
func (r *Runner) Launch(ctx context.Context, name string, config []byte, fn LineFunc) (Result, error) {
	r.wg.Add(1)
	defer r.wg.Done()
	path, err := filepath.Abs(r.ScriptPath(name))
	if err != nil {
		return Result{}, err
	}
	if _, err := os.Stat(path); err != nil {
		return Result{}, fmt.Errorf("script for %s: %w", name, err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("output pipe: %w", err)
	}
	cmd := r.command(ctx, path, config)
	cmd.Dir = filepath.Dir(path)
	if r.Env != nil {
		cmd.Env = r.Env.Merge("TASKBOARD_TASK=" + name)
	} else {
		cmd.Env = append(os.Environ(), "TASKBOARD_TASK="+name)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	configureSysProcAttr(cmd)
	cmd.Cancel = func() error { return terminateGroup(cmd.Process.Pid) }

	started := time.Now()
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return Result{}, fmt.Errorf("start %s: %w", name, err)
	}
	// the child holds its own copy of the write end
	_ = pw.Close()

	pid := cmd.Process.Pid
	if err := r.table().Track(name, pid); err != nil {
		_ = killGroup(pid)
		_ = cmd.Wait()
		_ = pr.Close()
		return Result{}, err
	}
	if r.OnStart != nil {
		r.OnStart(name, pid)
	}

	res := Result{PID: pid, Host: HostTag(name, pid)}
	r.scan(name, res.Host, pr, fn)
	_ = pr.Close()
	res.ExitErr = cmd.Wait()
	res.Released = r.table().Release(name, pid)
	res.Duration = time.Since(started)
	return res, nil
}

func (r *Runner) scan(name, host string, rd io.Reader, fn LineFunc) {
	var raw io.WriteCloser
	if r.Writers != nil {
		if w, err := r.Writers(name); err == nil && w != nil {
			raw = w
			defer func() { _ = raw.Close() }()
		}
	}
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	for sc.Scan() {
		text := sc.Text()
		if raw != nil {
			_, _ = io.WriteString(raw, text+"\n")
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		level, msg, ok := Decode(text)
		if fn != nil {
			fn(Line{Host: host, Level: level, Message: msg, Raw: !ok})
		}
	}
	if err := sc.Err(); err != nil {
		if fn != nil {
			fn(Line{Host: host, Level: LevelError, Message: "output read failed: " + err.Error(), Raw: true})
		}
		// keep draining so the child never blocks on a full pipe
		_, _ = io.Copy(io.Discard, rd)
	}
}

func (r *Runner) table() *Table {
	r.once.Do(func() {
		if r.Table == nil {
			r.Table = NewTable()
		}
	})
	return r.Table
}

// Wait blocks until every Launch call has returned or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsSafeName reports whether s can be used as a file name component.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func IsSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
