package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/taskboard/internal/board"
)

// Store is an in-process board. Writes dispatch change events immediately
// through the registry, which makes it the reference adapter for tests and
// for running the supervisor with only the HTTP operator API in front.
type Store struct {
	mu     sync.RWMutex
	tables map[string][]*board.Row
	reg    *board.Registry
	now    func() time.Time
}

// New returns an empty store.
func New(logger *slog.Logger) *Store {
	return &Store{
		tables: make(map[string][]*board.Row),
		reg:    board.NewRegistry(logger),
		now:    time.Now,
	}
}

func (s *Store) Rows(_ context.Context, table string) ([]board.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.tables[table]
	out := make([]board.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *Store) Get(_ context.Context, table, id string) (board.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r := s.find(table, id); r != nil {
		return r.Clone(), nil
	}
	return board.Row{}, fmt.Errorf("%s/%s: %w", table, id, board.ErrNotFound)
}

func (s *Store) Insert(_ context.Context, table string, fields board.Fields, children []board.Block) (board.Row, error) {
	r := &board.Row{
		ID:        uuid.NewString(),
		Table:     table,
		Fields:    fields.Clone(),
		Children:  append([]board.Block(nil), children...),
		CreatedAt: s.now().UTC(),
	}
	s.mu.Lock()
	s.tables[table] = append(s.tables[table], r)
	out := r.Clone()
	s.mu.Unlock()
	s.reg.Dispatch(board.Event{Kind: board.RowAdded, Table: table, RowID: r.ID})
	return out, nil
}

func (s *Store) Update(_ context.Context, table, id string, fields board.Fields) error {
	s.mu.Lock()
	r := s.find(table, id)
	if r == nil {
		s.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", table, id, board.ErrNotFound)
	}
	merged := r.Fields.Clone()
	for k, v := range fields {
		merged[k] = v
	}
	changes := board.Diff(r.Fields, merged)
	r.Fields = merged
	s.mu.Unlock()
	if len(changes) > 0 {
		s.reg.Dispatch(board.Event{Kind: board.FieldChanged, Table: table, RowID: id, Changes: changes})
	}
	return nil
}

func (s *Store) SetChildren(_ context.Context, table, id string, children []board.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(table, id)
	if r == nil {
		return fmt.Errorf("%s/%s: %w", table, id, board.ErrNotFound)
	}
	r.Children = append([]board.Block(nil), children...)
	return nil
}

func (s *Store) Delete(_ context.Context, table, id string) error {
	s.mu.Lock()
	rows := s.tables[table]
	idx := -1
	for i, r := range rows {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", table, id, board.ErrNotFound)
	}
	s.tables[table] = append(rows[:idx:idx], rows[idx+1:]...)
	s.mu.Unlock()
	s.reg.Dispatch(board.Event{Kind: board.RowRemoved, Table: table, RowID: id})
	return nil
}

func (s *Store) Subscribe(table, rowID, subID string, h board.Handler) {
	s.reg.Subscribe(table, rowID, subID, h)
}

func (s *Store) Unsubscribe(table, rowID, subID string) {
	s.reg.Unsubscribe(table, rowID, subID)
}

// Subscriptions reports the number of live subscriptions.
func (s *Store) Subscriptions() int { return s.reg.Len() }

func (s *Store) Close() error {
	s.reg.Close()
	return nil
}

func (s *Store) find(table, id string) *board.Row {
	for _, r := range s.tables[table] {
		if r.ID == id {
			return r
		}
	}
	return nil
}
