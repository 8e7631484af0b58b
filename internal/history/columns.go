package history

import (
	"fmt"
	"strings"
)

// Columns is the column order shared by the SQL sinks.
var Columns = []string{
	"occurred_at", "event", "unit", "unit_type",
	"from_state", "to_state", "sub_state", "invocation", "pids",
}

// InsertSQL returns the INSERT statement of table with one placeholder per
// column. ph renders the placeholder of the 1-based column n.
func InsertSQL(table string, ph func(n int) string) string {
	marks := make([]string, len(Columns))
	for i := range marks {
		marks[i] = ph(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(Columns, ", "), strings.Join(marks, ", "))
}

// SelectSQL returns the query for the newest events of one unit. Its two
// placeholders are the unit and the row limit.
func SelectSQL(table string, ph func(n int) string) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE unit = %s ORDER BY occurred_at DESC LIMIT %s",
		strings.Join(Columns, ", "), table, ph(1), ph(2))
}

// Row returns the values of e in Columns order; pids is the sink's encoding
// of e.Pids.
func (e Event) Row(pids any) []any {
	return []any{e.OccurredAt.UTC(), string(e.Type), e.Unit, e.UnitType, e.From, e.To, e.SubState, e.Invocation, pids}
}

// Question is the "?" placeholder of sqlite and clickhouse.
func Question(int) string { return "?" }

// Dollar is the "$n" placeholder of postgres.
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }
