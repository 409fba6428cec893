package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/taskboard/internal/board"
	"github.com/loykin/taskboard/internal/config"
	"github.com/loykin/taskboard/internal/history"
	"github.com/loykin/taskboard/internal/logsink"
	"github.com/loykin/taskboard/internal/process"
	"github.com/loykin/taskboard/internal/scheduler"
	"github.com/loykin/taskboard/internal/task"
)

// Subscription ids used on the task table.
const (
	subTaskRows = "task-rows"
	subTaskRow  = "task-row"
)

// Options wires a Manager. Store, Config, Runner and Sink are required.
type Options struct {
	Store     board.Store
	Config    *config.Manager
	Runner    *process.Runner
	Sink      *logsink.Sink
	Logger    *slog.Logger
	History   *history.Dispatcher  // optional
	Scheduler *scheduler.Scheduler // optional
	// Debounce is the minimum spacing between two handled flag edits of the
	// same row.
	Debounce time.Duration
}

// Manager reconciles the task table with local child processes and owns
// the Main control row and the shutdown sequence.
type Manager struct {
	store  board.Store
	cfg    *config.Manager
	runner *process.Runner
	sink   *logsink.Sink
	logger *slog.Logger
	hist   *history.Dispatcher
	sched  *scheduler.Scheduler
	table  string

	debounce atomic.Int64

	mu     sync.Mutex
	locks  map[string]*sync.Mutex // row id → handling lock
	gates  map[string]*gate       // task name → start gate of a pending run
	mainID string

	runCtx    context.Context
	cancelRun context.CancelFunc
	runs      sync.WaitGroup

	started      atomic.Bool
	closing      atomic.Bool
	terminated   atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
}

// gate is closed once a launched task is tracked, or failed to start.
type gate struct {
	once sync.Once
	ch   chan struct{}
}

func (g *gate) open() { g.once.Do(func() { close(g.ch) }) }

// New validates opts and builds a Manager. It installs Runner.OnStart.
func New(opts Options) (*Manager, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("manager: store is required")
	case opts.Config == nil:
		return nil, errors.New("manager: config is required")
	case opts.Runner == nil:
		return nil, errors.New("manager: runner is required")
	case opts.Sink == nil:
		return nil, errors.New("manager: log sink is required")
	}
	if opts.Runner.Table == nil {
		opts.Runner.Table = process.NewTable()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	table := opts.Config.TaskTable()
	if table == "" {
		return nil, fmt.Errorf("manager: %w: %s", config.ErrMissingKey, config.KeyTaskTable)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:     opts.Store,
		cfg:       opts.Config,
		runner:    opts.Runner,
		sink:      opts.Sink,
		logger:    logger.With("component", "manager"),
		hist:      opts.History,
		sched:     opts.Scheduler,
		table:     table,
		locks:     make(map[string]*sync.Mutex),
		gates:     make(map[string]*gate),
		runCtx:    ctx,
		cancelRun: cancel,
		done:      make(chan struct{}),
	}
	m.debounce.Store(int64(opts.Debounce))
	prev := opts.Runner.OnStart
	opts.Runner.OnStart = func(name string, pid int) {
		if prev != nil {
			prev(name, pid)
		}
		m.onStart(name, pid)
	}
	return m, nil
}

// Start makes sure the Main row exists and is Running, subscribes to the
// task table and every row in it, and launches autorun rows.
func (m *Manager) Start(ctx context.Context) error {
	if m.terminated.Load() {
		return errors.New("manager: already shut down")
	}
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("manager: already started")
	}
	if err := m.ensureMain(ctx); err != nil {
		return err
	}
	m.store.Subscribe(m.table, "", subTaskRows, m.onTable)
	rows, err := m.store.Rows(ctx, m.table)
	if err != nil {
		return fmt.Errorf("read %s: %w", m.table, err)
	}
	for _, r := range rows {
		m.store.Subscribe(m.table, r.ID, subTaskRow, m.onRow)
	}
	if m.sched != nil {
		m.sched.Sync(rows)
		m.sched.Start()
	}

	tasks, autorun := 0, 0
	for _, r := range rows {
		if r.Name() == task.MainRow {
			continue
		}
		tasks++
		m.normalize(ctx, r)
		if r.Bool(task.FieldAutorun) {
			autorun++
			id := r.ID
			m.runs.Add(1)
			go func() {
				defer m.runs.Done()
				m.autorun(m.runCtx, id)
			}()
			continue
		}
		if task.ParseStatus(r.String(task.FieldStatus)) == task.Running {
			// nothing can be running before the supervisor itself
			m.withRow(r.ID, func() {
				_ = m.setStatus(ctx, r, task.Running, task.Completed)
			})
		}
		if hasFlag(r) {
			m.reconcile(ctx, r.ID)
		}
	}
	m.logger.Info("supervisor started", "table", m.table, "tasks", tasks, "autorun", autorun)
	m.sink.Info(ctx, "Supervisor started (%d tasks, %d autorun)", tasks, autorun)
	return nil
}

func (m *Manager) ensureMain(ctx context.Context) error {
	r, err := board.FindByName(ctx, m.store, m.table, task.MainRow)
	switch {
	case err == nil:
		if err := m.store.Update(ctx, m.table, r.ID, board.Fields{
			task.FieldStatus:   string(task.Running),
			task.FieldActivate: false,
			task.FieldRun:      false,
			task.FieldKill:     false,
		}); err != nil {
			return fmt.Errorf("reset Main row: %w", err)
		}
	case errors.Is(err, board.ErrNotFound):
		r, err = m.store.Insert(ctx, m.table, board.Fields{
			task.FieldName:     task.MainRow,
			task.FieldStatus:   string(task.Running),
			task.FieldActivate: false,
			task.FieldRun:      false,
			task.FieldKill:     false,
		}, nil)
		if err != nil {
			return fmt.Errorf("create Main row: %w", err)
		}
	default:
		return err
	}
	m.mu.Lock()
	m.mainID = r.ID
	m.mu.Unlock()
	return nil
}

// normalize rewrites a status outside the legal set as Uninitialized.
func (m *Manager) normalize(ctx context.Context, r board.Row) {
	raw := r.String(task.FieldStatus)
	if task.Status(raw).Valid() {
		return
	}
	if err := m.store.Update(ctx, m.table, r.ID, board.Fields{task.FieldStatus: string(task.Uninitialized)}); err != nil {
		m.logger.Warn("status normalize failed", "row", r.ID, "error", err)
		return
	}
	m.logger.Debug("status normalized", "task", r.Name(), "was", raw)
}

// onTable keeps one field subscription per row, including rows added after
// Start. Subscribing an id that is already present replaces the handler.
func (m *Manager) onTable(ctx context.Context, e board.Event) {
	switch e.Kind {
	case board.RowAdded:
		m.store.Subscribe(m.table, e.RowID, subTaskRow, m.onRow)
		r, err := m.store.Get(ctx, m.table, e.RowID)
		if err != nil {
			return
		}
		if r.Name() == task.MainRow {
			return
		}
		m.normalize(ctx, r)
		if m.sched != nil {
			m.sched.Set(r)
		}
		// a row created with a raised flag is a command
		if hasFlag(r) {
			m.reconcile(ctx, r.ID)
		}
	case board.RowRemoved:
		if m.sched != nil {
			m.sched.Remove(e.RowID)
		}
		m.mu.Lock()
		isMain := e.RowID == m.mainID
		m.mu.Unlock()
		if isMain && !m.closing.Load() {
			m.logger.Warn("Main row removed by operator")
		}
	}
}

// onRow handles one field change of a task row. Only raised flags trigger
// the state machine; each handled edit is followed by the debounce delay.
func (m *Manager) onRow(ctx context.Context, e board.Event) {
	if e.Kind != board.FieldChanged {
		return
	}
	if _, ok := e.Changed(task.FieldSchedule); ok && m.sched != nil {
		if r, err := m.store.Get(ctx, m.table, e.RowID); err == nil {
			m.sched.Set(r)
		}
	}
	raised := false
	for _, f := range task.Flags {
		if v, ok := e.Changed(f); ok && truthy(v) {
			raised = true
		}
	}
	if !raised {
		return
	}
	m.reconcile(ctx, e.RowID)
	if d := time.Duration(m.debounce.Load()); d > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(d):
		}
	}
}

// ConfigChanged applies live overlay edits that concern the manager.
func (m *Manager) ConfigChanged(key string, value any) {
	switch key {
	case config.KeyDebug:
		m.sink.SetDebug(truthy(value))
	case config.KeyDebounce:
		m.debounce.Store(int64(m.cfg.Duration(config.KeyDebounce)))
	}
}

// SetDebounce changes the spacing between handled edits of one row.
func (m *Manager) SetDebounce(d time.Duration) { m.debounce.Store(int64(d)) }

// Done is closed once the shutdown sequence has finished.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Terminated reports the global termination flag.
func (m *Manager) Terminated() bool { return m.terminated.Load() }

// MainID returns the id of the Main control row.
func (m *Manager) MainID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mainID
}

// Running returns task name → pid of the tracked processes.
func (m *Manager) Running() map[string]int { return m.runner.Table.Snapshot() }

// Wait blocks until every task goroutine has returned or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return m.runner.Wait(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drops the manager's subscriptions. It does not kill tasks; call
// Shutdown for that.
func (m *Manager) Close() {
	m.store.Unsubscribe(m.table, "", subTaskRows)
	if rows, err := m.store.Rows(context.Background(), m.table); err == nil {
		for _, r := range rows {
			m.store.Unsubscribe(m.table, r.ID, subTaskRow)
		}
	}
	if m.sched != nil {
		m.sched.Stop()
	}
}

func (m *Manager) rowLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// withRow runs fn while holding the handling lock of row id, so a
// read-clear-act sequence never interleaves with another one.
func (m *Manager) withRow(id string, fn func()) {
	l := m.rowLock(id)
	l.Lock()
	defer l.Unlock()
	fn()
}

func (m *Manager) emit(e history.Event) {
	if m.hist != nil {
		m.hist.Emit(e)
	}
}

func truthy(v any) bool {
	return board.Row{Fields: board.Fields{"v": v}}.Bool("v")
}

func hasFlag(r board.Row) bool {
	for _, f := range task.Flags {
		if r.Bool(f) {
			return true
		}
	}
	return false
}
