package env

import (
	"sort"
	"strings"
	"testing"
)

// FuzzFromListMerge checks that any input composes into a sorted list of
// unique, non-empty keys and that inputs without '$' are copied verbatim.
func FuzzFromListMerge(f *testing.F) {
	f.Add("A=1\nB=${A}-x", "C=${B}-y")
	f.Add("FOO=bar", "FOO=${FOO}")
	f.Add("X=$Y\n=nokey\nnoeq", "Y=${X}")

	f.Fuzz(func(t *testing.T, manager, unit string) {
		mgr := strings.Split(manager, "\n")
		per := strings.Split(unit, "\n")
		if len(mgr) > 32 || len(per) > 32 {
			t.Skip()
		}
		out := FromList(mgr).Merge(per)
		if !sort.StringsAreSorted(out) {
			t.Fatalf("not sorted: %q", out)
		}
		seen := make(map[string]bool, len(out))
		for _, kv := range out {
			k, _, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				t.Fatalf("bad pair %q", kv)
			}
			if seen[k] {
				t.Fatalf("duplicate key %q in %q", k, out)
			}
			seen[k] = true
		}
		if strings.Contains(manager+unit, "$") {
			return
		}
		// the last definition of a key wins
		want := map[string]string{}
		for _, kv := range append(mgr, per...) {
			if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
				want[k] = v
			}
		}
		for _, kv := range out {
			k, v, _ := strings.Cut(kv, "=")
			if w, ok := want[k]; ok && w != v {
				t.Fatalf("%s = %q, want %q", k, v, w)
			}
		}
	})
}
