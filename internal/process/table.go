package process

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotTracked is returned when no process is associated with a task.
	ErrNotTracked = errors.New("process: task not tracked")
	// ErrAlreadyTracked is returned when a task already owns a process.
	ErrAlreadyTracked = errors.New("process: task already tracked")
)

// Table is the live process-handle map: task name to the pid of its process
// group leader. At most one entry exists per task.
type Table struct {
	// Grace, when positive, escalates a terminated group to SIGKILL if it is
	// still alive after the delay. Terminate never waits for it.
	Grace time.Duration

	mu    sync.Mutex
	procs map[string]int
}

func NewTable() *Table { return &Table{procs: make(map[string]int)} }

// Track associates pid with name.
func (t *Table) Track(name string, pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.procs == nil {
		t.procs = make(map[string]int)
	}
	if cur, ok := t.procs[name]; ok {
		return fmt.Errorf("%s (pid %d): %w", name, cur, ErrAlreadyTracked)
	}
	t.procs[name] = pid
	return nil
}

// Release removes the entry for name only when it still belongs to pid and
// reports whether it did. A false result means the task was terminated (or
// re-launched) while the process was running.
func (t *Table) Release(name string, pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.procs[name]; ok && cur == pid {
		delete(t.procs, name)
		return true
	}
	return false
}

// PID returns the tracked pid for name.
func (t *Table) PID(name string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pid, ok := t.procs[name]
	return pid, ok
}

// Has reports whether name owns a process.
func (t *Table) Has(name string) bool {
	_, ok := t.PID(name)
	return ok
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

// Snapshot returns a copy of the map.
func (t *Table) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.procs))
	for k, v := range t.procs {
		out[k] = v
	}
	return out
}

// Names returns the tracked task names in sorted order.
func (t *Table) Names() []string {
	t.mu.Lock()
	names := make([]string, 0, len(t.procs))
	for k := range t.procs {
		names = append(names, k)
	}
	t.mu.Unlock()
	sort.Strings(names)
	return names
}

// Terminate sends SIGTERM to the process group of name and removes the entry
// whether or not the signal could be delivered. It does not wait for exit.
func (t *Table) Terminate(name string) (int, error) {
	t.mu.Lock()
	pid, ok := t.procs[name]
	delete(t.procs, name)
	t.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, ErrNotTracked)
	}
	if err := terminateGroup(pid); err != nil {
		return pid, fmt.Errorf("terminate %s (pid %d): %w", name, pid, err)
	}
	t.escalate(pid)
	return pid, nil
}

// TerminateAll terminates every tracked task, continuing past failures.
func (t *Table) TerminateAll() error {
	var errs []error
	for _, name := range t.Names() {
		if _, err := t.Terminate(name); err != nil && !errors.Is(err, ErrNotTracked) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Table) escalate(pid int) {
	if t.Grace <= 0 {
		return
	}
	time.AfterFunc(t.Grace, func() {
		if processExists(pid) {
			_ = killGroup(pid)
		}
	})
}
