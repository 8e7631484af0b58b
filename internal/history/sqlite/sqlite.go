// Package sqlite stores history events in a local SQLite file. It is the
// default sink for bare paths and the one `unitd history` can read back.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/unitd/internal/history"
)

const table = "unit_history"

type Sink struct {
	db *sql.DB
}

// New opens the database named by dsn: "sqlite:///path/file.db",
// "sqlite://:memory:", a bare path or ":memory:".
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if len(dsn) >= len("sqlite://") && strings.EqualFold(dsn[:len("sqlite://")], "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if dsn != ":memory:" && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer; also keeps a :memory: database alive
	db.SetMaxOpenConns(1)

	s := &Sink{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite history: %w", err)
	}
	return s, nil
}

func (s *Sink) migrate(ctx context.Context) error {
	for _, q := range []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			occurred_at TIMESTAMP NOT NULL,
			event       TEXT NOT NULL,
			unit        TEXT NOT NULL,
			unit_type   TEXT NOT NULL,
			from_state  TEXT NOT NULL,
			to_state    TEXT NOT NULL,
			sub_state   TEXT NOT NULL DEFAULT '',
			invocation  TEXT NOT NULL DEFAULT '',
			pids        TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + table + `_unit ON ` + table + `(unit, occurred_at)`,
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	pids, err := json.Marshal(orEmpty(e.Pids))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, history.InsertSQL(table, history.Question), e.Row(string(pids))...)
	return err
}

// Recent returns up to limit events of unit, newest first.
func (s *Sink) Recent(ctx context.Context, unit string, limit int) ([]history.Event, error) {
	rows, err := s.db.QueryContext(ctx, history.SelectSQL(table, history.Question), unit, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			e    history.Event
			typ  string
			at   time.Time
			pids string
		)
		if err := rows.Scan(&at, &typ, &e.Unit, &e.UnitType, &e.From, &e.To, &e.SubState, &e.Invocation, &pids); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.OccurredAt = at.UTC()
		if err := json.Unmarshal([]byte(pids), &e.Pids); err != nil {
			return nil, fmt.Errorf("pids of %s: %w", e.Unit, err)
		}
		if len(e.Pids) == 0 {
			e.Pids = nil
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error { return s.db.Close() }

func orEmpty(p []int) []int {
	if p == nil {
		return []int{}
	}
	return p
}
