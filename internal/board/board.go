package board

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when a row does not exist in the addressed table.
var ErrNotFound = errors.New("board: row not found")

// BlockCode marks a content block holding executable script text.
const BlockCode = "code"

// Fields holds the named, typed values of a row.
type Fields map[string]any

// Block is one content block attached to a row. Only code blocks are
// executable; other types (text, heading, ...) are kept for operators.
type Block struct {
	Type  string `json:"type"`
	Title string `json:"title"`
}

// Row is a snapshot of a record in a table.
type Row struct {
	ID        string    `json:"id"`
	Table     string    `json:"table"`
	Fields    Fields    `json:"fields"`
	Children  []Block   `json:"children,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// String returns the field as a string; non-string values are formatted.
func (r Row) String(field string) string {
	v, ok := r.Fields[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Bool returns the field as a boolean. Strings are parsed case-insensitively
// so that boards which only store text columns still drive flags.
func (r Row) Bool(field string) bool {
	switch v := r.Fields[field].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

// Name returns the row's name field.
func (r Row) Name() string { return r.String("name") }

// Clone returns a deep copy of the row so callers can't mutate store state.
func (r Row) Clone() Row {
	out := r
	out.Fields = r.Fields.Clone()
	if r.Children != nil {
		out.Children = append([]Block(nil), r.Children...)
	}
	return out
}

// Clone copies the map.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// EventKind enumerates change notifications.
type EventKind int

const (
	RowAdded EventKind = iota
	RowRemoved
	FieldChanged
)

func (k EventKind) String() string {
	switch k {
	case RowAdded:
		return "row_added"
	case RowRemoved:
		return "row_removed"
	case FieldChanged:
		return "field_changed"
	default:
		return "unknown"
	}
}

// Change describes one field whose value changed.
type Change struct {
	Field string
	Old   any
	New   any
}

// Event is delivered to subscribers of a table or a row.
type Event struct {
	Kind    EventKind
	Table   string
	RowID   string
	Changes []Change
}

// Changed reports whether field is part of the event and returns its new value.
func (e Event) Changed(field string) (any, bool) {
	for _, c := range e.Changes {
		if c.Field == field {
			return c.New, true
		}
	}
	return nil, false
}

// Handler consumes events. Handlers run on the subscription's own goroutine.
type Handler func(ctx context.Context, e Event)

// Store is the record store contract the supervisor is built against.
// Tables are addressed by logical name. Subscribe with an empty rowID
// subscribes to table level events (row added/removed); with a rowID it
// subscribes to that row's field changes. Subscribing twice with the same
// (table, rowID, subID) replaces the previous handler.
type Store interface {
	Rows(ctx context.Context, table string) ([]Row, error)
	Get(ctx context.Context, table, id string) (Row, error)
	Insert(ctx context.Context, table string, fields Fields, children []Block) (Row, error)
	Update(ctx context.Context, table, id string, fields Fields) error
	SetChildren(ctx context.Context, table, id string, children []Block) error
	Delete(ctx context.Context, table, id string) error
	Subscribe(table, rowID, subID string, h Handler)
	Unsubscribe(table, rowID, subID string)
	Close() error
}

// FindByName returns the first row of table whose name field equals name.
func FindByName(ctx context.Context, s Store, table, name string) (Row, error) {
	rows, err := s.Rows(ctx, table)
	if err != nil {
		return Row{}, err
	}
	for _, r := range rows {
		if r.Name() == name {
			return r, nil
		}
	}
	return Row{}, fmt.Errorf("%s/%s: %w", table, name, ErrNotFound)
}

// Diff computes the field changes between two field sets.
func Diff(old, cur Fields) []Change {
	var out []Change
	for k, nv := range cur {
		ov, ok := old[k]
		if !ok || !equal(ov, nv) {
			out = append(out, Change{Field: k, Old: ov, New: nv})
		}
	}
	for k, ov := range old {
		if _, ok := cur[k]; !ok {
			out = append(out, Change{Field: k, Old: ov, New: nil})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func equal(a, b any) bool {
	// JSON scalar values compare directly; anything else falls back to formatting.
	switch a.(type) {
	case nil, bool, string, float64, int, int64:
		switch b.(type) {
		case nil, bool, string, float64, int, int64:
			return a == b
		}
	}
	return fmt.Sprintf("%#v", a) == fmt.Sprintf("%#v", b)
}
