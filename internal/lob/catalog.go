package lob

import (
	"database/sql"
	"fmt"

	"dmsprep/internal/sqlexec"
)

// Candidate is a text column that may be oversized for bulk replication.
type Candidate struct {
	Schema        string
	Table         string
	Column        string
	DataType      string
	CurrentLength sql.NullInt64
	RowCount      int64
}

// Name returns schema.table.column.
func (c Candidate) Name() string {
	return c.Schema + "." + c.Table + "." + c.Column
}

// Tables that hold migration metadata and are never candidates.
var excludedTables = []string{
	"TablesToConvert",
	"TablesToConvert_Financial",
	"TablesToConvert_Operations",
}

// candidateQuery lists text/ntext columns and varchar/nvarchar columns wider
// than 5000 bytes or MAX, with the owning table's row count.
func candidateQuery(db string) (string, error) {
	if err := sqlexec.ValidateIdentifier(db); err != nil {
		return "", err
	}
	return fmt.Sprintf(`SELECT
    s.[name] AS SchemaName,
    t.[name] AS TableName,
    c.[name] AS ColumnName,
    TYPE_NAME(c.user_type_id) AS DataType,
    CASE WHEN TYPE_NAME(c.user_type_id) IN ('varchar', 'nvarchar')
         THEN c.max_length ELSE NULL END AS CurrentLength,
    ISNULL((SELECT SUM(p.rows) FROM [%[1]s].sys.partitions p
            WHERE p.object_id = t.object_id AND p.index_id IN (0, 1)), 0) AS RowCnt
FROM [%[1]s].sys.tables t
INNER JOIN [%[1]s].sys.schemas s ON t.schema_id = s.schema_id
INNER JOIN [%[1]s].sys.columns c ON t.object_id = c.object_id
WHERE t.[name] NOT IN ('%[2]s', '%[3]s', '%[4]s')
AND (
    TYPE_NAME(c.user_type_id) IN ('text', 'ntext')
    OR (TYPE_NAME(c.user_type_id) IN ('varchar', 'nvarchar')
        AND (c.max_length > 5000 OR c.max_length = -1))
)
ORDER BY s.[name], t.[name], c.[name]`, db, excludedTables[0], excludedTables[1], excludedTables[2]), nil
}

// candidateFromRow maps a catalog row. ok is false when a name or the data
// type is missing.
func candidateFromRow(row sqlexec.Row) (Candidate, bool) {
	c := Candidate{
		Schema:        row.String("SchemaName"),
		Table:         row.String("TableName"),
		Column:        row.String("ColumnName"),
		DataType:      row.String("DataType"),
		CurrentLength: row.NullInt64("CurrentLength"),
	}
	c.RowCount, _ = row.Int64("RowCnt")

	if c.Schema == "" || c.Table == "" || c.Column == "" || c.DataType == "" {
		return c, false
	}
	return c, true
}
