// Package unitfile finds and parses unit definition files. A unit file is a
// TOML document named after the unit (e.g. "web.service") with a [Unit]
// section, an optional [Install] section and a type specific section.
// Drop-ins in "<name>.d/*.toml" are merged on top in lexical order.
package unitfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// ErrNotFound is returned when no lookup path holds a fragment for the unit.
var ErrNotFound = errors.New("unit file not found")

// File is a parsed, merged unit definition.
type File struct {
	Name  string
	Paths []string // fragment first, then drop-ins in merge order
	v     *viper.Viper
}

// Lookup searches unit files in an ordered list of directories; the first
// directory holding the fragment wins. Drop-ins are collected from every
// directory.
type Lookup struct {
	Paths []string
}

// NewLookup returns a Lookup over paths, ignoring empty entries.
func NewLookup(paths []string) *Lookup {
	l := &Lookup{}
	for _, p := range paths {
		if strings.TrimSpace(p) != "" {
			l.Paths = append(l.Paths, filepath.Clean(p))
		}
	}
	return l
}

// Fragment returns the path of the unit's main file.
func (l *Lookup) Fragment(name string) (string, error) {
	for _, dir := range l.Paths {
		p := filepath.Join(dir, name)
		fi, err := os.Stat(p)
		if err == nil && fi.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, ErrNotFound)
}

// DropIns returns the unit's drop-in files sorted by file name. A drop-in with
// the same file name in an earlier lookup path shadows later ones.
func (l *Lookup) DropIns(name string) []string {
	seen := map[string]string{}
	for i := len(l.Paths) - 1; i >= 0; i-- {
		matches, _ := filepath.Glob(filepath.Join(l.Paths[i], name+".d", "*.toml"))
		for _, m := range matches {
			seen[filepath.Base(m)] = m
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, seen[n])
	}
	return out
}

// Load finds, parses and merges the unit's files.
func (l *Lookup) Load(name string) (*File, error) {
	frag, err := l.Fragment(name)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("toml")
	v.SetConfigFile(frag)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("parse %s: %w", frag, err)
	}
	f := &File{Name: name, Paths: []string{frag}, v: v}
	for _, d := range l.DropIns(name) {
		if err := f.merge(d); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *File) merge(path string) error {
	r, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	if err := f.v.MergeConfig(r); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	f.Paths = append(f.Paths, path)
	return nil
}

// Parse reads a single fragment from r.
func Parse(name string, r io.Reader) (*File, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return &File{Name: name, v: v}, nil
}

// Has reports whether the section exists.
func (f *File) Has(section string) bool {
	return f.v.IsSet(section)
}

// Decode unmarshals a section into out. A missing section leaves out as is.
func (f *File) Decode(section string, out any) error {
	sub := f.v.Sub(section)
	if sub == nil {
		return nil
	}
	if err := sub.Unmarshal(out); err != nil {
		return fmt.Errorf("%s [%s]: %w", f.Name, section, err)
	}
	return nil
}

// UnitName checks that name has a known suffix and returns the suffix
// without the dot.
func UnitName(name string) (string, error) {
	base := filepath.Base(name)
	if base != name || base == "" || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("invalid unit name %q", name)
	}
	ext := filepath.Ext(base)
	if len(ext) < 2 || len(ext) == len(base) {
		return "", fmt.Errorf("invalid unit name %q", name)
	}
	return ext[1:], nil
}
