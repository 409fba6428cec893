package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/taskboard/internal/board"
	"github.com/loykin/taskboard/internal/task"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse validates a schedule expression: five cron fields with an optional
// leading seconds field, or a descriptor such as "@hourly" or "@every 1m".
func Parse(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return s, nil
}

type entry struct {
	expr string
	id   cron.EntryID
}

// Scheduler raises the run flag of task rows that carry a schedule. The run
// itself goes through the normal flag handling, so a tick on a task that is
// not runnable is ignored there.
type Scheduler struct {
	cron    *cron.Cron
	store   board.Store
	table   string
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]entry // row id → cron entry
}

func New(store board.Store, table string, logger *slog.Logger, opts ...cron.Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]cron.Option{cron.WithParser(parser)}, opts...)
	return &Scheduler{
		cron:    cron.New(opts...),
		store:   store,
		table:   table,
		logger:  logger,
		timeout: 10 * time.Second,
		entries: make(map[string]entry),
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron and waits for running ticks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Sync makes the installed entries match rows: rows with a schedule are
// added or updated, every other known row is dropped.
func (s *Scheduler) Sync(rows []board.Row) {
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		seen[r.ID] = true
		s.Set(r)
	}
	s.mu.Lock()
	var stale []string
	for id := range s.entries {
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.Remove(id)
	}
}

// Set installs, replaces or removes the entry of one row according to its
// schedule field. Invalid expressions are logged and leave no entry.
func (s *Scheduler) Set(r board.Row) {
	expr := strings.TrimSpace(r.String(task.FieldSchedule))
	if expr == "" || r.Name() == task.MainRow {
		s.Remove(r.ID)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[r.ID]; ok {
		if cur.expr == expr {
			return
		}
		s.cron.Remove(cur.id)
		delete(s.entries, r.ID)
	}
	sched, err := Parse(expr)
	if err != nil {
		s.logger.Warn("task schedule ignored", "task", r.Name(), "error", err)
		return
	}
	id := s.cron.Schedule(sched, s.job(r.ID, r.Name()))
	s.entries[r.ID] = entry{expr: expr, id: id}
	s.logger.Debug("task scheduled", "task", r.Name(), "schedule", expr)
}

// Remove drops the entry of a row, if any.
func (s *Scheduler) Remove(rowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[rowID]; ok {
		s.cron.Remove(cur.id)
		delete(s.entries, rowID)
	}
}

// Entries returns row id → expression of the installed schedules.
func (s *Scheduler) Entries() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.entries))
	for id, e := range s.entries {
		out[id] = e.expr
	}
	return out
}

// Next returns the next activation times in ascending order.
func (s *Scheduler) Next() []time.Time {
	var out []time.Time
	for _, e := range s.cron.Entries() {
		if !e.Next.IsZero() {
			out = append(out, e.Next)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (s *Scheduler) job(rowID, name string) cron.FuncJob {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.store.Update(ctx, s.table, rowID, board.Fields{task.FieldRun: true}); err != nil {
			s.logger.Warn("scheduled run not raised", "task", name, "error", err)
			return
		}
		s.logger.Debug("scheduled run raised", "task", name)
	}
}
