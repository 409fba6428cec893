package process

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Log levels understood by the child protocol.
const (
	LevelDebug   = "Debug"
	LevelInfo    = "Info"
	LevelWarning = "Warning"
	LevelError   = "Error"
)

// Line is one decoded output line of a child process.
type Line struct {
	Host    string
	Level   string
	Message string
	// Raw is false when the line followed the JSON protocol.
	Raw bool
}

// LineFunc receives lines in the order the child wrote them.
type LineFunc func(Line)

type record struct {
	Message *string `json:"message"`
	Level   string  `json:"level"`
}

// Decode parses one protocol line {"message": ..., "level": ...} where level
// is Debug, Info, Warning or Error. Anything else, including a missing or
// unknown level, is returned verbatim at Error level with ok false.
func Decode(line string) (level, message string, ok bool) {
	var rec record
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") || json.Unmarshal([]byte(trimmed), &rec) != nil || rec.Message == nil {
		return LevelError, line, false
	}
	switch rec.Level {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		return rec.Level, *rec.Message, true
	}
	return LevelError, line, false
}

// HostTag labels log lines of one process: "<name> [<pid>]".
func HostTag(name string, pid int) string {
	return name + " [" + strconv.Itoa(pid) + "]"
}
