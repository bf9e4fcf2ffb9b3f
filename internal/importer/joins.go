package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"dmsprep/internal/progress"
	"dmsprep/internal/sqlexec"

	"go.uber.org/zap"
)

const (
	// maxParams is SQL Server's limit on parameters per statement, minus headroom.
	maxParams = 2000
	// maxRowsPerInsert is SQL Server's limit on rows in a VALUES list.
	maxRowsPerInsert = 1000

	// ProgressImportJoins is the progress key of the joins import.
	ProgressImportJoins = "import_joins"
)

// Columns whose values end up as identifiers in generated SQL.
var identifierColumns = []string{"SchemaName", "TableName"}

// JoinsImporter loads the pipe-delimited selects CSV into the plan's
// selects table, replacing its previous contents.
type JoinsImporter struct {
	exec      *sqlexec.Executor
	plan      Plan
	db        string
	path      string
	chunkSize int
	progress  *progress.Ledger
	logger    *zap.Logger
}

// Import is the ImportJoins stage action.
func (j *JoinsImporter) Import(ctx context.Context, q sqlexec.Querier) error {
	f, err := os.Open(j.path)
	if err != nil {
		return fmt.Errorf("CSV file not found: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '|'
	r.LazyQuotes = true
	r.ReuseRecord = false

	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("read CSV header %s: %w", j.path, err)
	}
	for i := range header {
		header[i] = strings.TrimPrefix(strings.TrimSpace(header[i]), "\ufeff")
		if err := sqlexec.ValidateIdentifier(header[i]); err != nil {
			return fmt.Errorf("CSV column %q: %w", header[i], err)
		}
	}

	table, err := sqlexec.QuoteName(j.db, "dbo", j.plan.SelectsTable())
	if err != nil {
		return err
	}
	if err := j.replaceTable(ctx, q, table, header); err != nil {
		return err
	}

	checks := identifierIndexes(header)
	chunk := make([][]string, 0, j.chunkSize)
	var total, skipped int64

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := j.insertChunk(ctx, q, table, header, chunk); err != nil {
			return err
		}
		total += int64(len(chunk))
		chunk = chunk[:0]
		j.progress.Update(progress.Update{
			Key:       ProgressImportJoins,
			Value:     total,
			Operation: j.plan.DBType,
			Details:   filepath.Base(j.path),
		})
		return nil
	}

	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read CSV %s: %w", j.path, err)
		}

		if bad := invalidIdentifier(rec, header, checks); bad != "" {
			j.logger.Warn("Skipping CSV row with invalid identifier",
				zap.Int("line", line),
				zap.String("column", bad),
			)
			skipped++
			continue
		}

		chunk = append(chunk, rec)
		if len(chunk) >= j.chunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	j.logger.Info("Imported JOIN definitions",
		zap.String("file", j.path),
		zap.Int64("rows", total),
		zap.Int64("skipped", skipped),
	)
	return nil
}

func (j *JoinsImporter) replaceTable(ctx context.Context, q sqlexec.Querier, table string, header []string) error {
	if _, err := j.exec.Exec(ctx, q, fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s", table, table)); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}

	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = "[" + h + "] NVARCHAR(MAX) NULL"
	}
	create := fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(cols, ", "))
	if _, err := j.exec.Exec(ctx, q, create); err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}
	return nil
}

// insertChunk writes rows with as few multi-row INSERTs as the parameter
// limit allows.
func (j *JoinsImporter) insertChunk(ctx context.Context, q sqlexec.Querier, table string, header []string, rows [][]string) error {
	per := rowsPerInsert(len(header))
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		query, args := buildInsert(table, header, rows[start:end])
		if _, err := j.exec.Exec(ctx, q, query, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	return nil
}

func rowsPerInsert(columns int) int {
	if columns <= 0 {
		return 1
	}
	n := maxParams / columns
	if n > maxRowsPerInsert {
		n = maxRowsPerInsert
	}
	if n < 1 {
		n = 1
	}
	return n
}

func buildInsert(table string, header []string, rows [][]string) (string, []any) {
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = "[" + h + "]"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(cols, ", "))

	args := make([]any, 0, len(rows)*len(header))
	for r, row := range rows {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range header {
			if c > 0 {
				b.WriteString(", ")
			}
			args = append(args, row[c])
			fmt.Fprintf(&b, "@p%d", len(args))
		}
		b.WriteByte(')')
	}
	return b.String(), args
}

func identifierIndexes(header []string) []int {
	var idx []int
	for i, h := range header {
		for _, name := range identifierColumns {
			if strings.EqualFold(h, name) {
				idx = append(idx, i)
			}
		}
	}
	return idx
}

func invalidIdentifier(rec, header []string, checks []int) string {
	for _, i := range checks {
		if sqlexec.ValidateIdentifier(strings.TrimSpace(rec[i])) != nil {
			return header[i]
		}
	}
	return ""
}
