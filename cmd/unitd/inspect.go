package main

import (
	"fmt"
	"io"
	"slices"
	"sort"

	"github.com/loykin/unitd"
)

func runInspect(w io.Writer, cfgPath string, flags InspectFlags) error {
	home := flags.Home
	if home == "" {
		cfg, err := unitd.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		home = cfg.Reliability.Home
	}
	st, tables, err := unitd.Inspect(home)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "home:       %s\n", st.Home)
	_, _ = fmt.Fprintf(w, "generation: %s\n", st.Generation)
	_, _ = fmt.Fprintf(w, "enable:     %t\n", st.Enable)
	_, _ = fmt.Fprintf(w, "last unit:  %s\n", orNone(st.LastUnit))
	_, _ = fmt.Fprintf(w, "last frame: %s\n", orNone(st.LastFrame))

	names := make([]string, 0, len(tables))
	for name := range tables {
		if len(flags.Tables) == 0 || slices.Contains(flags.Tables, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		rows := tables[name]
		_, _ = fmt.Fprintf(w, "\n[%s] %d rows\n", name, len(rows))
		keys := make([]string, 0, len(rows))
		for k := range rows {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if flags.Values {
				_, _ = fmt.Fprintf(w, "  %s = %s\n", k, rows[k])
			} else {
				_, _ = fmt.Fprintf(w, "  %s\n", k)
			}
		}
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
