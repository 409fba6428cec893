// Package env composes the environment handed to task children.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers supervisor-wide variables over a base environment.
type Env struct {
	Var  Var // global overrides (K->V)
	base Var // cached base, os.Environ unless set by FromList
}

func New(vars map[string]string) *Env {
	e := &Env{Var: make(Var, len(vars))}
	for k, v := range vars {
		e.Set(k, v)
	}
	return e
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.FromList(os.Environ())
}

// FromList replaces the base with "K=V" entries.
func (e *Env) FromList(kvs []string) {
	base := make(Var, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	e.base = base
}

func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetList applies "K=V" entries as globals, skipping malformed ones.
func (e *Env) SetList(kvs []string) {
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok {
			e.Set(k, v)
		}
	}
}

func (e *Env) Unset(k string) {
	delete(e.Var, k)
}

// Merge returns base, then globals, then perTask ("K=V") applied in that
// order, sorted by key. Values may reference ${VAR} or $VAR from the
// composed set; unknown references expand to the empty string. Expansion
// is a single pass.
func (e *Env) Merge(perTask ...string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(perTask))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		m[k] = v
	}
	for _, kv := range perTask {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+os.Expand(m[k], func(name string) string { return m[name] }))
	}
	return out
}
