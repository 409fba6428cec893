package manager

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/taskboard/internal/board"
	"github.com/loykin/taskboard/internal/history"
	"github.com/loykin/taskboard/internal/logsink"
	"github.com/loykin/taskboard/internal/metrics"
	"github.com/loykin/taskboard/internal/process"
	"github.com/loykin/taskboard/internal/task"
)

// killGateTimeout bounds how long a kill waits for a pending launch to be
// tracked before it gives up on the signal.
const killGateTimeout = 5 * time.Second

// reconcile reads the current row and handles its raised flags in order:
// activate, run, kill. Each flag is lowered before its action runs, so a
// flag raised again while the action is in flight is seen as a new command.
func (m *Manager) reconcile(ctx context.Context, id string) {
	m.withRow(id, func() {
		r, err := m.store.Get(ctx, m.table, id)
		if err != nil {
			if !errors.Is(err, board.ErrNotFound) {
				m.logger.Warn("row read failed", "row", id, "error", err)
			}
			return
		}
		if r.Name() == task.MainRow {
			m.handleMain(ctx, r)
			return
		}
		for _, f := range task.Flags {
			if !r.Bool(f) {
				continue
			}
			if err := m.store.Update(ctx, m.table, r.ID, board.Fields{f: false}); err != nil {
				m.logger.Warn("flag clear failed", "task", r.Name(), "flag", f, "error", err)
				return
			}
			status := task.ParseStatus(r.String(task.FieldStatus))
			switch f {
			case task.FieldActivate:
				status = m.activate(ctx, r, status)
			case task.FieldRun:
				status = m.run(ctx, r, status)
			case task.FieldKill:
				status = m.kill(ctx, r, status)
			}
			r.Fields[task.FieldStatus] = string(status)
		}
	})
}

func (m *Manager) handleMain(ctx context.Context, r board.Row) {
	if r.Bool(task.FieldActivate) {
		_ = m.store.Update(ctx, m.table, r.ID, board.Fields{task.FieldActivate: false})
	}
	if r.Bool(task.FieldRun) {
		_ = m.store.Update(ctx, m.table, r.ID, board.Fields{task.FieldRun: false})
		n, err := m.sink.Clear(ctx)
		if err != nil {
			m.logger.Warn("log table clear incomplete", "error", err)
		}
		m.sink.Info(ctx, "Log table cleared (%d entries)", n)
	}
	if r.Bool(task.FieldKill) {
		_ = m.store.Update(ctx, m.table, r.ID, board.Fields{task.FieldKill: false})
		_ = m.Shutdown(ctx, "Main kill")
	}
}

// activate writes the script of r. It returns the resulting status.
func (m *Manager) activate(ctx context.Context, r board.Row, status task.Status) task.Status {
	if !task.CanActivate(status) {
		m.logger.Debug("activate ignored", "task", r.Name(), "status", status)
		return status
	}
	name := r.Name()
	path, err := m.runner.Materialize(name, r.Children)
	if err != nil {
		_ = m.setStatus(ctx, r, status, task.Error)
		m.sink.Error(ctx, "Activation of %s failed: %v", name, err)
		m.emit(history.Event{Type: history.EventFailed, Task: name, Status: string(task.Error), Message: err.Error()})
		return task.Error
	}
	_ = m.setStatus(ctx, r, status, task.Activated)
	m.sink.Info(ctx, "Task %s activated (%s)", name, path)
	m.emit(history.Event{Type: history.EventActivated, Task: name, Status: string(task.Activated)})
	return task.Activated
}

// run marks r Running and launches its script in the background.
func (m *Manager) run(ctx context.Context, r board.Row, status task.Status) task.Status {
	if !task.CanRun(status) || m.closing.Load() {
		m.logger.Debug("run ignored", "task", r.Name(), "status", status)
		return status
	}
	name := r.Name()
	cfg, err := m.cfg.JSON()
	if err != nil {
		_ = m.setStatus(ctx, r, status, task.Error)
		m.sink.Error(ctx, "Run of %s failed: %v", name, err)
		return task.Error
	}
	if err := m.setStatus(ctx, r, status, task.Running); err != nil {
		return status
	}
	g := &gate{ch: make(chan struct{})}
	m.mu.Lock()
	m.gates[name] = g
	m.mu.Unlock()

	m.runs.Add(1)
	go func() {
		defer m.runs.Done()
		m.execute(r, g, cfg)
	}()
	return task.Running
}

// execute blocks on one child run and records its outcome.
func (m *Manager) execute(r board.Row, g *gate, cfg []byte) {
	name := r.Name()
	ctx := context.Background()
	res, err := m.runner.Launch(m.runCtx, name, cfg, m.forward)

	g.open()
	m.mu.Lock()
	if m.gates[name] == g {
		delete(m.gates, name)
	}
	m.mu.Unlock()

	if err != nil {
		if m.closing.Load() {
			return
		}
		m.withRow(r.ID, func() {
			_ = m.setStatus(ctx, r, task.Running, task.Error)
		})
		m.logger.Error("task start failed", "task", name, "error", err)
		m.sink.Error(ctx, "Task %s failed to start: %v", name, err)
		m.emit(history.Event{Type: history.EventFailed, Task: name, Status: string(task.Error), Message: err.Error()})
		return
	}

	metrics.ObserveRunDuration(name, res.Duration.Seconds())
	metrics.SetRunning(m.runner.Table.Len())
	if !res.Released || m.closing.Load() {
		// a kill or the shutdown sequence already settled the row
		return
	}
	m.withRow(r.ID, func() {
		_ = m.setStatus(ctx, r, task.Running, task.Completed)
	})
	msg := ""
	if res.ExitErr != nil {
		msg = res.ExitErr.Error()
		m.logger.Warn("task exited with error", "task", name, "pid", res.PID, "error", res.ExitErr)
		m.sink.Warn(ctx, "Task %s exited: %v", res.Host, res.ExitErr)
	} else {
		m.logger.Info("task completed", "task", name, "pid", res.PID, "duration", res.Duration)
	}
	m.emit(history.Event{Type: history.EventCompleted, Task: name, PID: res.PID, Host: res.Host, Status: string(task.Completed), Message: msg})
}

// forward appends one child output line to the log table.
func (m *Manager) forward(l process.Line) {
	level, ok := logsink.ParseLevel(l.Level)
	if l.Raw || !ok {
		level = logsink.Error
	}
	_ = m.sink.Log(context.Background(), l.Host, level, l.Message)
}

func (m *Manager) onStart(name string, pid int) {
	m.mu.Lock()
	g := m.gates[name]
	m.mu.Unlock()
	if g != nil {
		g.open()
	}
	host := process.HostTag(name, pid)
	metrics.IncRun(name)
	metrics.SetRunning(m.runner.Table.Len())
	m.logger.Info("task started", "task", name, "pid", pid)
	m.emit(history.Event{Type: history.EventStarted, Task: name, PID: pid, Host: host, Status: string(task.Running)})
}

// kill terminates the process group of r and marks it Completed.
func (m *Manager) kill(ctx context.Context, r board.Row, status task.Status) task.Status {
	if !task.CanKill(status) {
		m.logger.Debug("kill ignored", "task", r.Name(), "status", status)
		return status
	}
	name := r.Name()
	m.mu.Lock()
	g := m.gates[name]
	m.mu.Unlock()
	if g != nil {
		select {
		case <-g.ch:
		case <-ctx.Done():
		case <-time.After(killGateTimeout):
			m.logger.Warn("task not tracked in time", "task", name)
		}
	}

	pid, err := m.runner.Table.Terminate(name)
	switch {
	case errors.Is(err, process.ErrNotTracked):
		m.logger.Warn("kill of untracked task", "task", name)
		m.sink.Warn(ctx, "Kill of %s: no tracked process", name)
	case err != nil:
		m.logger.Error("kill failed", "task", name, "pid", pid, "error", err)
		m.sink.Error(ctx, "Kill of %s [%d] failed: %v", name, pid, err)
	}
	_ = m.setStatus(ctx, r, status, task.Completed)
	m.sink.Info(ctx, "Task %s killed", name)
	metrics.IncKill(name)
	metrics.SetRunning(m.runner.Table.Len())
	m.emit(history.Event{Type: history.EventKilled, Task: name, PID: pid, Status: string(task.Completed)})
	return task.Completed
}

// autorun re-activates and runs row id after a supervisor start.
func (m *Manager) autorun(ctx context.Context, id string) {
	m.withRow(id, func() {
		r, err := m.store.Get(ctx, m.table, id)
		if err != nil {
			return
		}
		status := task.ParseStatus(r.String(task.FieldStatus))
		if status == task.Running {
			_ = m.setStatus(ctx, r, task.Running, task.Completed)
			status = task.Completed
		}
		if m.activate(ctx, r, status) == task.Activated {
			m.run(ctx, r, task.Activated)
		}
	})
}

func (m *Manager) setStatus(ctx context.Context, r board.Row, from, to task.Status) error {
	if err := m.store.Update(ctx, m.table, r.ID, board.Fields{task.FieldStatus: string(to)}); err != nil {
		m.logger.Warn("status update failed", "task", r.Name(), "status", to, "error", err)
		return err
	}
	metrics.RecordTransition(r.Name(), string(from), string(to))
	m.logger.Debug("status changed", "task", r.Name(), "from", from, "to", to)
	return nil
}
