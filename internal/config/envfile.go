package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// GlobalEnv is the manager wide environment of spawned processes as sorted
// "K=V" entries. The OS environment (use_os_env) is overridden by env_files
// in order, then by env.
func (c Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	if c.UseOSEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
				m[k] = v
			}
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := readEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return pairs(m), nil
}

// LoadEnvFile parses a .env file into sorted "K=V" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := readEnvFile(path)
	if err != nil {
		return nil, err
	}
	return pairs(m), nil
}

func pairs(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// readEnvFile accepts KEY=VALUE lines with an optional "export " prefix.
// Values may be single quoted (literal) or double quoted (Go escapes).
// Blank lines and lines starting with # are skipped.
func readEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	m := make(map[string]string)
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("%s:%d: expected KEY=VALUE", path, n)
		}
		v, err = unquote(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		m[k] = v
	}
	return m, sc.Err()
}

func unquote(v string) (string, error) {
	if len(v) < 2 {
		return v, nil
	}
	switch {
	case v[0] == '\'' && v[len(v)-1] == '\'':
		return v[1 : len(v)-1], nil
	case v[0] == '"' && v[len(v)-1] == '"':
		return strconv.Unquote(v)
	}
	return v, nil
}
