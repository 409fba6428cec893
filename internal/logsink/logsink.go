package logsink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loykin/taskboard/internal/board"
	"github.com/loykin/taskboard/internal/metrics"
)

// Host is the host tag of entries written by the supervisor itself.
const Host = "Main"

// Log table fields.
const (
	FieldName    = "name"
	FieldLevel   = "level"
	FieldLogOn   = "log_on"
	FieldMessage = "message"
)

// Level is a board log level.
type Level string

const (
	Debug   Level = "Debug"
	Info    Level = "Info"
	Warning Level = "Warning"
	Error   Level = "Error"
)

// ParseLevel maps a level name (case-insensitive, "warn" accepted) onto a
// Level. Unknown names read as Info with ok false.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, true
	case "info":
		return Info, true
	case "warning", "warn":
		return Warning, true
	case "error":
		return Error, true
	}
	return Info, false
}

func (l Level) slog() slog.Level {
	switch l {
	case Debug:
		return slog.LevelDebug
	case Warning:
		return slog.LevelWarn
	case Error:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Sink appends log entries to the board's log table. Entries are mirrored
// to the console logger while debug is enabled.
type Sink struct {
	store  board.Store
	table  string
	logger *slog.Logger
	debug  atomic.Bool
	now    func() time.Time
}

// New builds a sink writing to table.
func New(store board.Store, table string, logger *slog.Logger, debug bool) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{store: store, table: table, logger: logger, now: time.Now}
	s.debug.Store(debug)
	return s
}

// SetDebug toggles the console mirror; the config watcher calls it on edits.
func (s *Sink) SetDebug(v bool) { s.debug.Store(v) }

// Debugging reports whether the console mirror is on.
func (s *Sink) Debugging() bool { return s.debug.Load() }

// Log appends one entry. Store failures are returned and also reported on
// the console logger, which is the only place left to see them.
func (s *Sink) Log(ctx context.Context, host string, level Level, message string) error {
	if s.debug.Load() {
		s.logger.Log(ctx, level.slog(), message, "host", host)
	}
	metrics.IncLogLine(string(level))
	_, err := s.store.Insert(ctx, s.table, board.Fields{
		FieldName:    host,
		FieldLevel:   string(level),
		FieldLogOn:   s.now().UTC().Format(time.RFC3339Nano),
		FieldMessage: message,
	}, nil)
	if err != nil {
		s.logger.Error("log table write failed", "table", s.table, "host", host, "error", err)
		return fmt.Errorf("log sink: %w", err)
	}
	return nil
}

func (s *Sink) Debug(ctx context.Context, format string, args ...any) {
	_ = s.Log(ctx, Host, Debug, fmt.Sprintf(format, args...))
}

func (s *Sink) Info(ctx context.Context, format string, args ...any) {
	_ = s.Log(ctx, Host, Info, fmt.Sprintf(format, args...))
}

func (s *Sink) Warn(ctx context.Context, format string, args ...any) {
	_ = s.Log(ctx, Host, Warning, fmt.Sprintf(format, args...))
}

func (s *Sink) Error(ctx context.Context, format string, args ...any) {
	_ = s.Log(ctx, Host, Error, fmt.Sprintf(format, args...))
}

// Clear removes every row of the log table and returns how many went.
func (s *Sink) Clear(ctx context.Context) (int, error) {
	rows, err := s.store.Rows(ctx, s.table)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, r := range rows {
		if err := s.store.Delete(ctx, s.table, r.ID); err != nil && !errors.Is(err, board.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
