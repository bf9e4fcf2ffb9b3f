package sqlexec

import (
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Row is one result row as an ordered column -> value mapping. Lookups are
// case-insensitive so callers are not tied to how the server cased an alias.
type Row struct {
	columns []string
	values  []any
}

// NewRow builds a row from parallel column and value slices.
func NewRow(columns []string, values []any) Row {
	return Row{columns: columns, values: values}
}

// Columns returns the column names in result order.
func (r Row) Columns() []string {
	return r.columns
}

// Value returns the raw value for key and whether the column exists.
func (r Row) Value(key string) (any, bool) {
	for i, c := range r.columns {
		if c == key {
			return r.values[i], true
		}
	}
	for i, c := range r.columns {
		if strings.EqualFold(c, key) {
			return r.values[i], true
		}
	}
	return nil, false
}

// String returns the value for key formatted as text, or "" for NULL/missing.
func (r Row) String(key string) string {
	v, ok := r.Value(key)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

// Int64 returns the value for key as an integer. ok is false for NULL,
// missing columns and non-numeric values.
func (r Row) Int64(key string) (int64, bool) {
	v, ok := r.Value(key)
	if !ok || v == nil {
		return 0, false
	}
	return toInt64(v)
}

// NullInt64 is Int64 shaped for binding back into a statement.
func (r Row) NullInt64(key string) sql.NullInt64 {
	n, ok := r.Int64(key)
	return sql.NullInt64{Int64: n, Valid: ok}
}

// Map copies the row into a plain map.
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r.columns))
	for i, c := range r.columns {
		m[c] = r.values[i]
	}
	return m
}

// ResultSet is the canonical shape every query result is normalized to.
type ResultSet struct {
	Columns []string
	Rows    []Row
}

// Len returns the number of rows.
func (rs *ResultSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Rows)
}

// First returns the first row, if any.
func (rs *ResultSet) First() (Row, bool) {
	if rs.Len() == 0 {
		return Row{}, false
	}
	return rs.Rows[0], true
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return v
	}
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		if t > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case float32:
		return int64(t), true
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	case []byte:
		n, err := strconv.ParseInt(strings.TrimSpace(string(t)), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
