package board

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

type subKey struct {
	table string
	row   string
	sub   string
}

// Registry is the single dispatcher for change notifications.
// Every subscription owns a mailbox drained by its own goroutine, so a slow
// handler on one row never delays delivery to other rows while events for
// the same subscription stay strictly ordered.
//
// Re-subscribing an existing key swaps the handler in place: pending events
// are kept and no event can be delivered twice for the same key.
type Registry struct {
	mu     sync.Mutex
	subs   map[subKey]*mailbox
	logger *slog.Logger
	closed bool
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{subs: make(map[subKey]*mailbox), logger: logger}
}

// Subscribe installs or replaces the handler for (table, rowID, subID).
func (r *Registry) Subscribe(table, rowID, subID string, h Handler) {
	k := subKey{table: table, row: rowID, sub: subID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if m, ok := r.subs[k]; ok {
		m.setHandler(h)
		return
	}
	m := newMailbox(k, h)
	r.subs[k] = m
	r.wg.Add(1)
	go m.run(r.logger, &r.wg)
}

// Unsubscribe removes the handler for (table, rowID, subID) and discards
// any events it has not consumed yet.
func (r *Registry) Unsubscribe(table, rowID, subID string) {
	k := subKey{table: table, row: rowID, sub: subID}
	r.mu.Lock()
	m, ok := r.subs[k]
	delete(r.subs, k)
	r.mu.Unlock()
	if ok {
		m.stop()
	}
}

// DropRow removes every row level subscription attached to rowID.
func (r *Registry) DropRow(table, rowID string) {
	r.mu.Lock()
	var stopped []*mailbox
	for k, m := range r.subs {
		if k.table == table && k.row == rowID {
			delete(r.subs, k)
			stopped = append(stopped, m)
		}
	}
	r.mu.Unlock()
	for _, m := range stopped {
		m.stop()
	}
}

// Dispatch routes e to its subscribers without blocking. Row added/removed
// events go to table level subscriptions; field changes go to the row's
// subscriptions. A removed row loses its row level subscriptions.
func (r *Registry) Dispatch(e Event) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	row := e.RowID
	if e.Kind == RowAdded || e.Kind == RowRemoved {
		row = ""
	}
	for k, m := range r.subs {
		if k.table == e.Table && k.row == row {
			m.push(e)
		}
	}
	r.mu.Unlock()
	if e.Kind == RowRemoved {
		r.DropRow(e.Table, e.RowID)
	}
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close stops every mailbox and waits for their goroutines to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[subKey]*mailbox)
	r.mu.Unlock()
	for _, m := range subs {
		m.stop()
	}
	r.wg.Wait()
}

type mailbox struct {
	key    subKey
	mu     sync.Mutex
	h      Handler
	queue  []Event
	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func newMailbox(k subKey, h Handler) *mailbox {
	ctx, cancel := context.WithCancel(context.Background())
	return &mailbox{key: k, h: h, notify: make(chan struct{}, 1), ctx: ctx, cancel: cancel}
}

func (m *mailbox) setHandler(h Handler) {
	m.mu.Lock()
	m.h = h
	m.mu.Unlock()
}

func (m *mailbox) push(e Event) {
	m.mu.Lock()
	m.queue = append(m.queue, e)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop() (Event, Handler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return Event{}, nil, false
	}
	e := m.queue[0]
	m.queue[0] = Event{}
	m.queue = m.queue[1:]
	return e, m.h, true
}

func (m *mailbox) stop() { m.cancel() }

func (m *mailbox) run(logger *slog.Logger, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.notify:
		}
		for {
			if m.ctx.Err() != nil {
				return
			}
			e, h, ok := m.pop()
			if !ok {
				break
			}
			m.deliver(logger, h, e)
		}
	}
}

// deliver runs the handler and keeps the mailbox alive if it panics.
func (m *mailbox) deliver(logger *slog.Logger, h Handler, e Event) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("subscription handler panicked",
				"table", m.key.table, "row", m.key.row, "subscription", m.key.sub,
				"event", e.Kind.String(), "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
		}
	}()
	if h != nil {
		h(m.ctx, e)
	}
}
