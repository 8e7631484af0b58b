// Package clickhouse appends history events to a MergeTree table.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/unitd/internal/history"
)

const dialTimeout = 10 * time.Second

type Sink struct {
	conn  driver.Conn
	table string
}

// Schema is the DDL of table.
func Schema(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
		occurred_at DateTime64(6, 'UTC'),
		event       LowCardinality(String),
		unit        String,
		unit_type   LowCardinality(String),
		from_state  LowCardinality(String),
		to_state    LowCardinality(String),
		sub_state   LowCardinality(String),
		invocation  String,
		pids        Array(UInt32)
	) ENGINE = MergeTree()
	ORDER BY (unit, occurred_at)`
}

// New connects with opts, checks the server answers and creates table.
func New(opts *clickhouse.Options, table string) (*Sink, error) {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = dialTimeout
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse history: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse history: ping: %w", err)
	}
	if err := conn.Exec(ctx, Schema(table)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse history: create %s: %w", table, err)
	}
	return &Sink{conn: conn, table: table}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	pids := make([]uint32, len(e.Pids))
	for i, p := range e.Pids {
		pids[i] = uint32(p)
	}
	if err := s.conn.Exec(ctx, history.InsertSQL(s.table, history.Question), e.Row(pids)...); err != nil {
		return fmt.Errorf("clickhouse insert: %w", err)
	}
	return nil
}

// Count returns the stored events of unit.
func (s *Sink) Count(ctx context.Context, unit string) (uint64, error) {
	var n uint64
	err := s.conn.QueryRow(ctx, "SELECT count() FROM "+s.table+" WHERE unit = ?", unit).Scan(&n)
	return n, err
}

func (s *Sink) Close() error { return s.conn.Close() }
