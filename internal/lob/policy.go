package lob

import (
	"fmt"
	"strings"

	"dmsprep/internal/sqlexec"
)

// MaxVarcharWidth is the widest non-MAX variable-text column SQL Server allows.
const MaxVarcharWidth = 8000

// BuildAlterColumnSQL derives the ALTER statement for a column from its
// observed maximum length. A nil or zero length shrinks the column to
// CHAR(1), lengths above MaxVarcharWidth keep a large-text type, and
// anything else becomes VARCHAR sized to the observed maximum.
func BuildAlterColumnSQL(schema, table, column string, maxLen *int64) (string, error) {
	tableName, err := sqlexec.QuoteName(schema, table)
	if err != nil {
		return "", err
	}
	columnName, err := sqlexec.QuoteName(column)
	if err != nil {
		return "", err
	}

	var def string
	switch {
	case maxLen == nil || *maxLen <= 0:
		def = "CHAR(1) NULL"
	case *maxLen > MaxVarcharWidth:
		def = "TEXT NULL"
	default:
		def = fmt.Sprintf("VARCHAR(%d) NULL", *maxLen)
	}
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s", tableName, columnName, def), nil
}

// MaxLengthSQL returns the query measuring the longest value in a column.
// ok is false for data types that cannot be measured.
func MaxLengthSQL(schema, table, column, dataType string) (query string, ok bool, err error) {
	tableName, err := sqlexec.QuoteName(schema, table)
	if err != nil {
		return "", false, err
	}
	columnName, err := sqlexec.QuoteName(column)
	if err != nil {
		return "", false, err
	}

	switch strings.ToLower(dataType) {
	case "varchar", "nvarchar":
		return fmt.Sprintf("SELECT MAX(LEN(%s)) AS MaxLen FROM %s", columnName, tableName), true, nil
	case "text", "ntext":
		return fmt.Sprintf("SELECT MAX(LEN(CAST(%s AS NVARCHAR(MAX)))) AS MaxLen FROM %s", columnName, tableName), true, nil
	default:
		return "", false, nil
	}
}

// InclusionPolicy decides which tables are worked on when they are empty.
// The same overrides drive LOB analysis, primary key replay and the empty
// table cleanup of the import plans.
type InclusionPolicy struct {
	IncludeEmptyTables bool
	overrides          map[string]struct{}
}

// NewInclusionPolicy builds a policy. always lists "schema.table" (or
// "db.schema.table") names that are kept even when empty; matching is
// case-insensitive.
func NewInclusionPolicy(includeEmpty bool, always []string) InclusionPolicy {
	overrides := make(map[string]struct{}, len(always))
	for _, t := range always {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			overrides[t] = struct{}{}
		}
	}
	return InclusionPolicy{IncludeEmptyTables: includeEmpty, overrides: overrides}
}

// Overridden reports whether any of names is listed in the overrides.
func (p InclusionPolicy) Overridden(names ...string) bool {
	for _, n := range names {
		if _, ok := p.overrides[strings.ToLower(n)]; ok {
			return true
		}
	}
	return false
}

// IncludeTable reports whether a table with rowCount rows, known under
// names, should be worked on.
func (p InclusionPolicy) IncludeTable(rowCount int64, names ...string) bool {
	if rowCount > 0 || p.IncludeEmptyTables {
		return true
	}
	return p.Overridden(names...)
}

// Include reports whether c should be analyzed.
func (p InclusionPolicy) Include(c Candidate) bool {
	return p.IncludeTable(c.RowCount, c.Schema+"."+c.Table)
}
