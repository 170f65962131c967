// Package env composes the environment handed to the server process.
package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers variables: an optional OS base, then env files, then explicit pairs.
type Env struct {
	base Var
	vars Var
}

func New() *Env {
	return &Env{vars: make(Var)}
}

// WithOS uses the current process environment as the base layer.
func (e *Env) WithOS() *Env {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	e.base = base
	return e
}

// WithSet sets K=V on top of the base.
func (e *Env) WithSet(k, v string) *Env {
	if k != "" {
		e.vars[k] = v
	}
	return e
}

// WithPairs applies "K=V" entries in order. Malformed entries are skipped.
func (e *Env) WithPairs(kvs []string) *Env {
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			e.vars[k] = v
		}
	}
	return e
}

// WithFile applies the variables of a .env file.
func (e *Env) WithFile(path string) (*Env, error) {
	m, err := ParseFile(path)
	if err != nil {
		return e, err
	}
	for k, v := range m {
		e.vars[k] = v
	}
	return e, nil
}

// Empty reports whether no variable has been configured at all.
func (e *Env) Empty() bool { return len(e.base) == 0 && len(e.vars) == 0 }

// Merge returns the composed environment plus extra overrides, sorted by key,
// with ${VAR} references expanded against the composed map (one pass, no recursion).
func (e *Env) Merge(extra []string) []string {
	m := make(Var, len(e.base)+len(e.vars)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for _, kv := range extra {
		if k, v, ok := split(kv); ok {
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
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
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
		name := s[i+2 : i+2+j]
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}

func split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

// ParseFile reads KEY=VALUE lines. Blank lines and # comments are ignored,
// an optional "export " prefix and surrounding quotes are stripped.
func ParseFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := split(line)
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		m[k] = v
	}
	return m, nil
}
