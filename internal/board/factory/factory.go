package factory

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/taskboard/internal/board"
	"github.com/loykin/taskboard/internal/board/memory"
	"github.com/loykin/taskboard/internal/board/sqlstore"
)

// NewFromDSN selects a board implementation based on DSN.
// Supported:
//   - memory:  "memory://" (in-process, lost on exit)
//   - sqlite:  "sqlite:///<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string, poll time.Duration, logger *slog.Logger) (board.Store, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty board DSN")
	}
	if strings.HasPrefix(strings.ToLower(d), "memory://") {
		return memory.New(logger), nil
	}
	return sqlstore.Open(d, sqlstore.Options{PollInterval: poll, Logger: logger})
}
