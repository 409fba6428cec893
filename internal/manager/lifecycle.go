package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/taskboard/internal/board"
	"github.com/loykin/taskboard/internal/history"
	"github.com/loykin/taskboard/internal/task"
)

// drainTimeout bounds how long Shutdown waits for child goroutines after
// their processes were signalled.
const drainTimeout = 5 * time.Second

// Shutdown runs the termination sequence once: stop accepting runs,
// terminate every tracked process, mark Running rows Completed, delete the
// Main row and set the termination flag. Later calls return the first
// result without doing anything.
func (m *Manager) Shutdown(ctx context.Context, reason string) error {
	m.shutdownOnce.Do(func() {
		m.shutdownErr = m.shutdown(context.WithoutCancel(ctx), reason)
		m.terminated.Store(true)
		close(m.done)
	})
	return m.shutdownErr
}

func (m *Manager) shutdown(ctx context.Context, reason string) error {
	m.closing.Store(true)
	m.logger.Info("supervisor shutting down", "reason", reason)
	if m.sched != nil {
		m.sched.Stop()
	}

	var errs []error
	if err := m.runner.Table.TerminateAll(); err != nil {
		m.logger.Error("terminate tasks", "error", err)
		errs = append(errs, err)
	}
	m.cancelRun()
	wctx, cancel := context.WithTimeout(ctx, drainTimeout)
	if err := m.Wait(wctx); err != nil {
		m.logger.Warn("task goroutines still running", "error", err)
	}
	cancel()

	rows, err := m.store.Rows(ctx, m.table)
	if err != nil {
		errs = append(errs, fmt.Errorf("read %s: %w", m.table, err))
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, r := range rows {
		if r.Name() == task.MainRow || task.ParseStatus(r.String(task.FieldStatus)) != task.Running {
			continue
		}
		g.Go(func() error {
			var err error
			m.withRow(r.ID, func() {
				err = m.setStatus(gctx, r, task.Running, task.Completed)
			})
			if err == nil {
				m.emit(history.Event{Type: history.EventCompleted, Task: r.Name(), Status: string(task.Completed), Message: "shutdown"})
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	m.store.Unsubscribe(m.table, "", subTaskRows)
	if id := m.MainID(); id != "" {
		if err := m.store.Delete(ctx, m.table, id); err != nil && !errors.Is(err, board.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete Main row: %w", err))
		}
	}
	m.sink.Info(ctx, "Supervisor shut down: %s", reason)
	m.logger.Info("supervisor shut down", "reason", reason)
	return errors.Join(errs...)
}

// HandleSignals runs Shutdown on SIGINT or SIGTERM. It returns once a
// signal was handled, ctx is done or the manager shut down otherwise.
func (m *Manager) HandleSignals(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			_ = m.Shutdown(ctx, "signal "+sig.String())
		case <-ctx.Done():
		case <-m.done:
		}
	}()
}
