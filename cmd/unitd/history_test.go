package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/unitd/internal/history"
	"github.com/loykin/unitd/internal/history/sqlite"
)

func seedHistory(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "history.db")
	sink, err := sqlite.New(db)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, to := range []string{"activating", "active"} {
		e := history.Event{Type: history.EventChanged, OccurredAt: at.Add(time.Duration(i) * time.Second), Unit: "web.service", UnitType: "service", To: to, Pids: []int{70 + i}}
		if err := sink.Send(context.Background(), e); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return db
}

func TestHistoryFromDSN(t *testing.T) {
	db := seedHistory(t)
	out, err := run(t, "history", "web.service", "--dsn", "sqlite://"+db, "-n", "1")
	if err != nil {
		t.Fatalf("history: %v\n%s", err, out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "active") || !strings.Contains(lines[1], "71") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestHistoryFromConfigJSON(t *testing.T) {
	db := seedHistory(t)
	cfg := filepath.Join(t.TempDir(), "unitd.toml")
	body := "[[history]]\ndsn = \"opensearch://127.0.0.1:9/idx\"\n[[history]]\ndsn = \"" + db + "\"\n"
	if err := os.WriteFile(cfg, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "--config", cfg, "history", "web.service", "--json")
	if err != nil {
		t.Fatalf("history: %v\n%s", err, out)
	}
	var evs []history.Event
	if err := json.Unmarshal([]byte(out), &evs); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(evs) != 2 || evs[0].To != "active" {
		t.Fatalf("unexpected events: %+v", evs)
	}
}

func TestHistoryNoReadableSink(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "unitd.toml")
	if err := os.WriteFile(cfg, []byte("[[history]]\ndsn = \"opensearch://127.0.0.1:9/idx\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "--config", cfg, "history", "web.service"); err == nil {
		t.Fatal("expected error")
	}
}
