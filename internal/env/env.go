package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// DefaultPath is the PATH of spawned processes unless the base or a layer
// sets one.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Env composes the environment of spawned unit processes. Layers are
// applied in order: the base (DefaultPath, or the manager's own environment
// after FromOS), manager wide variables, then the unit's Environment entries.
type Env struct {
	Var Var // manager wide variables (K->V)
	env Var // base
}

func New() *Env {
	return &Env{
		Var: make(Var),
		env: Var{"PATH": DefaultPath},
	}
}

// FromList builds an Env whose manager wide variables are the "K=V" entries
// of kvs; malformed entries are skipped.
func FromList(kvs []string) *Env {
	e := New()
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			e.Var[k] = v
		}
	}
	return e
}

// FromOS replaces the base with the current process environment.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	e.env = base
}

// Set sets a manager wide variable.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Merge composes the final "K=V" list, sorted by key. Later layers win;
// ${VAR} references are expanded once against the composed map.
func (e *Env) Merge(layers ...[]string) []string {
	m := make(Var, len(e.env)+len(e.Var))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for _, l := range layers {
		for _, kv := range l {
			if k, v, ok := split(kv); ok {
				m[k] = v
			}
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
