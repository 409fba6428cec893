package task

import "strings"

// MainRow is the name of the supervisor's own control row. It never spawns a
// process: its flags drive administrative actions instead.
const MainRow = "Main"

// Field names of a task row.
const (
	FieldName     = "name"
	FieldStatus   = "status"
	FieldActivate = "activate"
	FieldRun      = "run"
	FieldKill     = "kill"
	FieldAutorun  = "autorun"
	FieldSchedule = "schedule"
)

// Flags are the edge-triggered command fields in handling order: activation
// must precede running and killing is the final word.
var Flags = []string{FieldActivate, FieldRun, FieldKill}

// IsFlag reports whether field is one of the command flags.
func IsFlag(field string) bool {
	for _, f := range Flags {
		if f == field {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a task row.
type Status string

const (
	Uninitialized Status = "Uninitialized"
	Activated     Status = "Activated"
	Running       Status = "Running"
	Completed     Status = "Completed"
	Error         Status = "Error"
)

// Statuses lists every legal value.
var Statuses = []Status{Uninitialized, Activated, Running, Completed, Error}

func (s Status) String() string { return string(s) }

// Valid reports whether s is one of the legal statuses.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// ParseStatus maps a stored value onto a Status. Matching ignores case and
// surrounding space; empty or unknown values read as Uninitialized so a
// freshly created row is always in a legal state.
func ParseStatus(v string) Status {
	v = strings.TrimSpace(v)
	for _, s := range Statuses {
		if strings.EqualFold(string(s), v) {
			return s
		}
	}
	return Uninitialized
}

// CanActivate: a running task keeps its script file until it exits.
func CanActivate(s Status) bool { return s != Running }

// CanRun: only a materialized script that is not already running may start.
func CanRun(s Status) bool { return s == Activated || s == Completed }

// CanKill: only a running task has a process to terminate.
func CanKill(s Status) bool { return s == Running }
