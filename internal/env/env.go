// Package env composes the environment handed to encoder processes.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env holds operator-configured variables layered over the OS environment.
type Env struct {
	Var  Var
	base Var
}

func New(vars map[string]string) *Env {
	e := &Env{Var: make(Var, len(vars))}
	for k, v := range vars {
		if k != "" {
			e.Var[k] = v
		}
	}
	return e
}

func (e *Env) fromOS() Var {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	return base
}

// Overlay returns the configured variables plus perEncoder entries ("K=V"),
// sorted by key, with ${VAR} references expanded against the OS environment
// and the overlay itself. The OS environment is not included in the result.
func (e *Env) Overlay(perEncoder []string) []string {
	if e == nil {
		e = &Env{}
	}
	if e.base == nil {
		e.base = e.fromOS()
	}
	over := make(Var, len(e.Var)+len(perEncoder))
	for k, v := range e.Var {
		over[k] = v
	}
	for _, kv := range perEncoder {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			over[k] = v
		}
	}
	lookup := func(k string) string {
		if v, ok := over[k]; ok {
			return v
		}
		return e.base[k]
	}
	keys := make([]string, 0, len(over))
	for k := range over {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(over[k], lookup))
	}
	return out
}

// expand replaces ${VAR} once; unknown names expand to "".
func expand(s string, lookup func(string) string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		b.WriteString(lookup(s[i+2 : i+2+j]))
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
