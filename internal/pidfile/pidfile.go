// Package pidfile records the supervisor pid together with the process start
// time so a stale file left by a crash is not mistaken for a live instance.
package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrRunning is returned by Acquire when another live process owns the file.
var ErrRunning = errors.New("pidfile: supervisor already running")

type meta struct {
	StartUnix int64 `json:"start_unix"`
}

// Write stores pid on the first line and its start time as JSON on the second.
func Write(path string, pid int) error {
	b, err := json.Marshal(meta{StartUnix: procStartUnix(pid)})
	if err != nil {
		return err
	}
	// #nosec G306 G304 -- operator supplied path, world readable like /run pid files
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"+string(b)+"\n"), 0o644)
}

// Read parses a file written by Write. Plain single-line pid files are
// accepted with a zero start time.
func Read(path string) (pid int, startUnix int64, err error) {
	// #nosec G304
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err = strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if len(lines) >= 2 {
		var m meta
		if json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m) == nil {
			startUnix = m.StartUnix
		}
	}
	return pid, startUnix, nil
}

// Alive reports the pid recorded in path and whether it still runs. A
// missing file is not an error. A recorded start time that differs from the
// live process means the pid was reused.
func Alive(path string) (bool, int, error) {
	pid, start, err := Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, 0, nil
		}
		return false, 0, err
	}
	if start > 0 {
		if cur := procStartUnix(pid); cur > 0 && cur != start {
			return false, pid, nil
		}
	}
	return pidAlive(pid), pid, nil
}

// Acquire writes pid to path unless a different live process already owns it.
func Acquire(path string, pid int) error {
	alive, owner, err := Alive(path)
	if err != nil {
		return err
	}
	if alive && owner != pid {
		return fmt.Errorf("%w with pid %d (%s)", ErrRunning, owner, path)
	}
	return Write(path, pid)
}

// Remove deletes path; an empty path or a missing file is not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
