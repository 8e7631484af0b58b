package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loykin/unitd/internal/reli"
	"github.com/loykin/unitd/internal/store"
	"github.com/loykin/unitd/pkg/client"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHelpMentionsCommands(t *testing.T) {
	out, err := run(t, "--help")
	if err != nil {
		t.Fatalf("help should succeed: %v", err)
	}
	for _, sub := range []string{"serve", "units", "status", "inspect", "history", "auth", "version"} {
		if !strings.Contains(out, sub) {
			t.Fatalf("help output missing %q: %s", sub, out)
		}
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != "unitd dev" {
		t.Fatalf("unexpected version output: %q", out)
	}
}

func TestUnitsTable(t *testing.T) {
	srv := newFakeDaemon(t)
	out, err := run(t, "units", "--api-url", srv.URL+"/api")
	if err != nil {
		t.Fatalf("units: %v", err)
	}
	if !strings.Contains(out, "db.service") || !strings.Contains(out, "listening") {
		t.Fatalf("unexpected output: %s", out)
	}
	if !strings.Contains(out, "2 units listed.") {
		t.Fatalf("missing summary: %s", out)
	}
}

func TestUnitsJSONFiltered(t *testing.T) {
	srv := newFakeDaemon(t)
	out, err := run(t, "units", "--api-url", srv.URL+"/api", "--type", "service", "--json")
	if err != nil {
		t.Fatalf("units: %v", err)
	}
	var units []client.UnitStatus
	if err := json.Unmarshal([]byte(out), &units); err != nil {
		t.Fatalf("parse %q: %v", out, err)
	}
	if len(units) != 1 || units[0].ID != "db.service" {
		t.Fatalf("unexpected units: %+v", units)
	}
}

func TestStatusPrintsDependencies(t *testing.T) {
	srv := newFakeDaemon(t)
	out, err := run(t, "status", "db.service", "--api-url", srv.URL+"/api")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"Active: active (running)", "PID: 4242", "After: network.target", "WantedBy: default.target"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if _, err := run(t, "status"); err == nil {
		t.Fatalf("status without a unit must fail")
	}
	if _, err := run(t, "status", "ghost.service", "--api-url", srv.URL+"/api"); err == nil {
		t.Fatalf("status of an unknown unit must fail")
	}
}

func TestInspectHome(t *testing.T) {
	home := t.TempDir()
	rl, err := reli.New(reli.Config{Home: home})
	if err != nil {
		t.Fatalf("reli: %v", err)
	}
	tbl := store.NewKV[string, string]("demo")
	rl.HistoryRegister("demo", tbl)
	tbl.Insert("a.service", "active")
	rl.SetLastUnit("a.service")
	rl.Commit()

	// the lock is held; inspect must still read
	out, err := run(t, "inspect", "--home", home, "--values")
	_ = rl.Close()
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, want := range []string{"last unit:  a.service", "[demo] 1 rows", `a.service = "active"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	if _, err := run(t, "inspect", "--home", filepath.Join(home, "missing")); err == nil {
		t.Fatalf("inspect of a missing home must fail")
	}
}
