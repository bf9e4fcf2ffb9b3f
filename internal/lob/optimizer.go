package lob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"dmsprep/internal/errlog"
	"dmsprep/internal/metrics"
	"dmsprep/internal/progress"
	"dmsprep/internal/sqlexec"

	"go.uber.org/zap"
)

// Progress keys reported by the two phases.
const (
	ProgressAnalyze = "lob_analyze"
	ProgressApply   = "lob_apply"
)

const (
	savepointSQL = "SAVE TRANSACTION lob_column"
	rollbackSQL  = "ROLLBACK TRANSACTION lob_column"
)

// DefaultBatchSize is used when Options.BatchSize is not positive.
const DefaultBatchSize = 100

// Options configures an Optimizer.
type Options struct {
	Database  string
	BatchSize int
	Policy    InclusionPolicy

	// Optional collaborators; nil values are replaced with no-ops.
	Progress *progress.Ledger
	Tally    *metrics.Tally
	ErrLog   *errlog.Log
}

// AnalyzeResult summarizes an analyze run.
type AnalyzeResult struct {
	Candidates int
	Skipped    int
	Invalid    int
	Processed  int
	Failed     int
	Commits    int
}

// ApplyResult summarizes an apply run.
type ApplyResult struct {
	Queued  int
	Applied int
}

// Optimizer right-sizes oversized text columns in two phases. Analyze
// records one decision per column in the ledger table; Apply replays the
// recorded ALTER statements.
type Optimizer struct {
	session *sqlexec.Session
	exec    *sqlexec.Executor
	opts    Options
	sql     ledgerSQL
	logger  *zap.Logger
}

// New creates an optimizer working on session.
func New(session *sqlexec.Session, exec *sqlexec.Executor, opts Options, logger *zap.Logger) (*Optimizer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ls, err := newLedgerSQL(opts.Database)
	if err != nil {
		return nil, fmt.Errorf("database name: %w", err)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Progress == nil {
		opts.Progress = progress.NewLedger(nil, nil, logger)
	}
	if opts.Tally == nil {
		opts.Tally = metrics.NewTally(nil)
	}
	if opts.ErrLog == nil {
		opts.ErrLog = errlog.Nop()
	}

	return &Optimizer{
		session: session,
		exec:    exec,
		opts:    opts,
		sql:     ls,
		logger:  logger.With(zap.String("component", "lob")),
	}, nil
}

// Analyze recreates the ledger table and records a decision for every
// included candidate column. Per-column failures are logged and counted
// without stopping the scan. The returned error is set, and counted as a
// failure, when the ledger cannot be prepared, the catalog cannot be read,
// a batch commit fails or ctx is cancelled.
func (o *Optimizer) Analyze(ctx context.Context) (*AnalyzeResult, error) {
	res := &AnalyzeResult{}

	o.opts.Progress.StartOperation(ProgressAnalyze)
	defer o.opts.Progress.FinishOperation(ProgressAnalyze)

	o.logger.Info("Creating ledger table", zap.String("table", LedgerTable))
	if err := o.resetLedger(ctx); err != nil {
		o.opts.ErrLog.Record("Failed to create ledger table", err, zap.Bool("timeout", sqlexec.IsTimeout(err)))
		o.opts.Tally.Failure()
		return res, err
	}

	query, err := candidateQuery(o.opts.Database)
	if err != nil {
		return res, err
	}
	rs, err := o.exec.Query(ctx, o.session.Querier(), query)
	if err != nil {
		o.opts.ErrLog.Record("Failed to read candidate columns", err, zap.Bool("timeout", sqlexec.IsTimeout(err)))
		o.opts.Tally.Failure()
		return res, fmt.Errorf("list candidate columns: %w", err)
	}

	res.Candidates = rs.Len()
	if res.Candidates == 0 {
		o.logger.Info("No LOB columns found to process")
		return res, nil
	}
	o.logger.Info("Analyzing LOB columns", zap.Int("candidates", res.Candidates))

	for i, row := range rs.Rows {
		if err := ctx.Err(); err != nil {
			o.logger.Warn("Analysis interrupted", zap.Int("processed", res.Processed), zap.Error(err))
			if o.session.InTransaction() {
				if rbErr := o.session.Rollback(); rbErr != nil {
					o.logger.Warn("Failed to roll back analysis batch", zap.Error(rbErr))
				}
			}
			o.opts.Tally.Failure()
			return res, err
		}

		c, ok := candidateFromRow(row)
		if !ok {
			o.logger.Error("Missing required fields in candidate row", zap.Any("row", row.Map()))
			res.Invalid++
			continue
		}

		if !o.opts.Policy.Include(c) {
			o.logger.Info("Skipping column of empty table",
				zap.String("column", c.Name()),
				zap.Int64("row_count", c.RowCount),
			)
			o.countLOB("analyze", "skipped")
			res.Skipped++
			continue
		}

		if !o.session.InTransaction() {
			if _, err := o.session.Begin(ctx); err != nil {
				o.opts.Tally.Failure()
				return res, err
			}
		}

		if err := o.analyzeColumn(ctx, c); err != nil {
			timeout := sqlexec.IsTimeout(err)
			o.logger.Error("Failed to analyze column", zap.String("column", c.Name()), zap.Bool("timeout", timeout), zap.Error(err))
			o.opts.ErrLog.Record("Error processing LOB column", err,
				zap.String("schema", c.Schema),
				zap.String("table", c.Table),
				zap.String("column", c.Column),
				zap.Bool("timeout", timeout),
			)
			o.opts.Tally.Failure()
			o.countLOB("analyze", "failed")
			res.Failed++
		} else {
			o.opts.Tally.Success()
			o.countLOB("analyze", "success")
		}

		res.Processed++
		o.opts.Progress.Update(progress.Update{
			Key:       ProgressAnalyze,
			Value:     int64(i + 1),
			Total:     int64(res.Candidates),
			Operation: ProgressAnalyze,
			Details:   c.Name(),
		})

		if res.Processed%o.opts.BatchSize == 0 {
			if err := o.commit(res); err != nil {
				return res, err
			}
		}
	}

	if o.session.InTransaction() {
		if err := o.commit(res); err != nil {
			return res, err
		}
	}

	o.logger.Info("Analyzed and cataloged LOB columns",
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func (o *Optimizer) resetLedger(ctx context.Context) error {
	q := o.session.Querier()
	if _, err := o.exec.Exec(ctx, q, o.sql.drop); err != nil {
		return fmt.Errorf("drop ledger table: %w", err)
	}
	if _, err := o.exec.Exec(ctx, q, o.sql.create); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}
	return nil
}

// analyzeColumn measures and records one column under a savepoint so a failure
// only discards that column's work.
func (o *Optimizer) analyzeColumn(ctx context.Context, c Candidate) error {
	q := o.session.Querier()

	if _, err := o.exec.Exec(ctx, q, savepointSQL); err != nil {
		return &AnalysisError{Schema: c.Schema, Table: c.Table, Column: c.Column, Err: err}
	}

	err := o.recordColumn(ctx, q, c)
	if err == nil {
		return nil
	}

	if _, rbErr := o.exec.Exec(ctx, q, rollbackSQL); rbErr != nil {
		o.logger.Warn("Failed to roll back to savepoint", zap.String("column", c.Name()), zap.Error(rbErr))
	}
	return &AnalysisError{Schema: c.Schema, Table: c.Table, Column: c.Column, Err: err}
}

func (o *Optimizer) recordColumn(ctx context.Context, q sqlexec.Querier, c Candidate) error {
	maxLen, err := o.maxLength(ctx, q, c)
	if err != nil {
		return fmt.Errorf("measure length: %w", err)
	}

	stmt, err := BuildAlterColumnSQL(c.Schema, c.Table, c.Column, maxLen)
	if err != nil {
		return err
	}

	d := Decision{
		Schema:         c.Schema,
		Table:          c.Table,
		Column:         c.Column,
		DataType:       c.DataType,
		CurrentLength:  c.CurrentLength,
		RowCount:       c.RowCount,
		AlterStatement: stmt,
	}
	if maxLen != nil {
		d.MaxLen = sql.NullInt64{Int64: *maxLen, Valid: true}
	}

	if _, err := o.exec.Exec(ctx, q, o.sql.insert, d.insertArgs()...); err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// maxLength returns the longest value in the column, 0 for an empty column
// and nil when the data type cannot be measured.
func (o *Optimizer) maxLength(ctx context.Context, q sqlexec.Querier, c Candidate) (*int64, error) {
	query, ok, err := MaxLengthSQL(c.Schema, c.Table, c.Column, c.DataType)
	if err != nil || !ok {
		return nil, err
	}

	rs, err := o.exec.Query(ctx, q, query)
	if err != nil {
		return nil, err
	}

	var n int64
	if row, ok := rs.First(); ok {
		n, _ = row.Int64("MaxLen")
	}
	return &n, nil
}

func (o *Optimizer) commit(res *AnalyzeResult) error {
	if err := o.session.Commit(); err != nil {
		o.opts.ErrLog.Record("Failed to commit analyzed columns", err, zap.Int("processed", res.Processed))
		o.opts.Tally.Failure()
		return err
	}
	res.Commits++
	o.logger.Debug("Committed analyzed columns", zap.Int("processed", res.Processed))
	return nil
}

// Apply replays the ledger's ALTER statements, largest MaxLen first, each in
// its own transaction. The first failure is logged, rolled back and
// returned as *ApplyError; statements already applied stay committed.
func (o *Optimizer) Apply(ctx context.Context) (*ApplyResult, error) {
	res := &ApplyResult{}

	o.opts.Progress.StartOperation(ProgressApply)
	defer o.opts.Progress.FinishOperation(ProgressApply)

	rs, err := o.exec.Query(ctx, o.session.Querier(), o.sql.queue)
	if err != nil {
		o.opts.ErrLog.Record("Failed to read ledger table", err, zap.Bool("timeout", sqlexec.IsTimeout(err)))
		o.opts.Tally.Failure()
		return res, fmt.Errorf("read ledger: %w", err)
	}

	decisions := make([]Decision, 0, rs.Len())
	for _, row := range rs.Rows {
		decisions = append(decisions, decisionFromRow(row))
	}
	sortForApply(decisions)
	res.Queued = len(decisions)

	o.logger.Info("Executing ALTER statements for LOB columns", zap.Int("statements", res.Queued))

	for i, d := range decisions {
		idx := i + 1
		start := time.Now()

		err := o.applyOne(ctx, d)
		if err != nil {
			applyErr := &ApplyError{Index: idx, Statement: d.AlterStatement, Err: err}
			timeout := sqlexec.IsTimeout(err)
			o.logger.Error("Failed to alter column",
				zap.Int("statement", idx),
				zap.String("sql", d.AlterStatement),
				zap.Bool("timeout", timeout),
				zap.Error(err),
			)
			o.opts.ErrLog.Record("Failed to alter column", applyErr,
				zap.Int("statement", idx),
				zap.String("sql", d.AlterStatement),
				zap.Bool("timeout", timeout),
			)
			o.opts.Tally.Failure()
			o.countLOB("apply", "failed")
			return res, applyErr
		}

		res.Applied++
		o.opts.Tally.Success()
		o.countLOB("apply", "success")
		o.logger.Debug("Altered column",
			zap.String("column", d.Schema+"."+d.Table+"."+d.Column),
			zap.Duration("duration", time.Since(start)),
		)
		o.opts.Progress.Update(progress.Update{
			Key:       ProgressApply,
			Value:     int64(idx),
			Total:     int64(res.Queued),
			Operation: ProgressApply,
			Details:   d.AlterStatement,
		})
	}

	o.logger.Info("Completed optimizing LOB columns", zap.Int("applied", res.Applied))
	return res, nil
}

func (o *Optimizer) applyOne(ctx context.Context, d Decision) error {
	for _, name := range []string{d.Schema, d.Table, d.Column} {
		if err := sqlexec.ValidateIdentifier(name); err != nil {
			return err
		}
	}
	if d.AlterStatement == "" {
		return errors.New("empty ALTER statement")
	}

	return o.session.Scope(ctx, func(ctx context.Context, q sqlexec.Querier) error {
		_, err := o.exec.Exec(ctx, q, d.AlterStatement)
		return err
	})
}

// sortForApply orders decisions by MaxLen descending with unknown lengths
// last, keeping the ledger order for ties.
func sortForApply(ds []Decision) {
	sort.SliceStable(ds, func(i, j int) bool {
		a, b := ds[i].MaxLen, ds[j].MaxLen
		if a.Valid != b.Valid {
			return a.Valid
		}
		return a.Int64 > b.Int64
	})
}

func (o *Optimizer) countLOB(phase, status string) {
	if c := o.opts.Tally.Collector(); c != nil {
		c.IncLOBColumn(phase, status)
	}
}
