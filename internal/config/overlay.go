package config

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/taskboard/internal/board"
)

// Fields of a global_configs row.
const (
	FieldName     = "name"
	FieldDataType = "data_type"
	FieldValue    = "value"
)

const (
	subConfigRows = "config-rows"
	subConfigRow  = "config-row"
)

// listTarget extracts the text between the first "(" and the last ")", the
// link target of a Markdown style "[label](target)" value.
var listTarget = regexp.MustCompile(`\((.*)\)`)

// Coerce converts a raw overlay value according to its declared data type:
// "int" parses an integer, "bool" is true only for a case-insensitive
// "true", a value starting with "[" yields its parenthesized target, and
// everything else passes through as a string.
func Coerce(dataType string, value any) (any, error) {
	s := strings.TrimSpace(toString(value))
	switch strings.ToLower(strings.TrimSpace(dataType)) {
	case "int":
		n, err := strconv.Atoi(s)
		if err != nil {
			if f, ferr := strconv.ParseFloat(s, 64); ferr == nil && f == float64(int(f)) {
				return int(f), nil
			}
			return nil, fmt.Errorf("coerce %q as int: %w", s, err)
		}
		return n, nil
	case "bool":
		return strings.EqualFold(s, "true"), nil
	}
	if strings.HasPrefix(s, "[") {
		if m := listTarget.FindStringSubmatch(s); m != nil {
			return m[1], nil
		}
	}
	return toString(value), nil
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// apply coerces one overlay row into the live map.
func (m *Manager) apply(r board.Row) (string, any, error) {
	key := strings.ToLower(strings.TrimSpace(r.String(FieldName)))
	if key == "" {
		return "", nil, fmt.Errorf("config row %s has no name", r.ID)
	}
	val, err := Coerce(r.String(FieldDataType), r.Fields[FieldValue])
	if err != nil {
		return key, nil, err
	}
	m.Set(key, val)
	return key, val, nil
}

// Overlay reads every row of the global_configs table into the live map.
// Rows that fail coercion are reported to logger and skipped. It returns
// the number of keys applied; without a configured table it does nothing.
func (m *Manager) Overlay(ctx context.Context, store board.Store, logger *slog.Logger) (int, error) {
	table := m.GlobalConfigs()
	if table == "" {
		return 0, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	rows, err := store.Rows(ctx, table)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", table, err)
	}
	n := 0
	for _, r := range rows {
		key, _, err := m.apply(r)
		if err != nil {
			logger.Warn("config overlay row skipped", "row", r.ID, "key", key, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// ChangeFunc is told about every live overlay update.
type ChangeFunc func(key string, value any)

// Watch keeps the live map in sync with the global_configs table: every
// row gets a field subscription, rows added later are subscribed as they
// appear, and handling of one row is spaced by debounce.
func (m *Manager) Watch(ctx context.Context, store board.Store, debounce time.Duration, logger *slog.Logger, onChange ChangeFunc) error {
	table := m.GlobalConfigs()
	if table == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &watcher{m: m, store: store, table: table, debounce: debounce, logger: logger, onChange: onChange}
	store.Subscribe(table, "", subConfigRows, w.onTable)
	rows, err := store.Rows(ctx, table)
	if err != nil {
		return fmt.Errorf("read %s: %w", table, err)
	}
	for _, r := range rows {
		store.Subscribe(table, r.ID, subConfigRow, w.onRow)
	}
	return nil
}

type watcher struct {
	m        *Manager
	store    board.Store
	table    string
	debounce time.Duration
	logger   *slog.Logger
	onChange ChangeFunc
}

func (w *watcher) onTable(ctx context.Context, e board.Event) {
	if e.Kind != board.RowAdded {
		return
	}
	w.store.Subscribe(w.table, e.RowID, subConfigRow, w.onRow)
	// a row created with its values already set counts as an edit
	w.refresh(ctx, e.RowID)
}

func (w *watcher) onRow(ctx context.Context, e board.Event) {
	if e.Kind != board.FieldChanged {
		return
	}
	w.refresh(ctx, e.RowID)
	if w.debounce > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(w.debounce):
		}
	}
}

func (w *watcher) refresh(ctx context.Context, id string) {
	r, err := w.store.Get(ctx, w.table, id)
	if err != nil {
		w.logger.Warn("config row read failed", "row", id, "error", err)
		return
	}
	key, val, err := w.m.apply(r)
	if err != nil {
		w.logger.Warn("config update skipped", "row", id, "key", key, "error", err)
		return
	}
	w.logger.Debug("config updated", "key", key)
	if w.onChange != nil {
		w.onChange(key, val)
	}
}
