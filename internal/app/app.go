package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dmsprep/internal/checkpoint"
	"dmsprep/internal/config"
	"dmsprep/internal/errlog"
	"dmsprep/internal/importer"
	"dmsprep/internal/lob"
	"dmsprep/internal/metrics"
	"dmsprep/internal/progress"
	"dmsprep/internal/sqlexec"
	"dmsprep/internal/storage"

	"go.uber.org/zap"
)

// LOBRunName names the error log and progress store of the LOB phase.
const LOBRunName = "LOBS"

// App wires the target connection to the import plans and the LOB optimizer.
// One App is one run: its tally accumulates across every phase it executes.
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	db      *sql.DB
	session *sqlexec.Session
	exec    *sqlexec.Executor
	metrics *metrics.Collector
	tally   *metrics.Tally
	decide  importer.DecisionFunc

	// terminal enables the live progress display when ShowProgress is set.
	terminal bool
	out      io.Writer
}

// New connects to the target database and builds the application. A
// connectivity failure is returned before anything is written.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	db, err := storage.Open(ctx, storage.Config{
		ConnString:     cfg.Target.ConnString,
		ConnectTimeout: cfg.ConnectTimeout(),
	}, logger)
	if err != nil {
		return nil, err
	}

	a, err := NewWithDB(ctx, cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// NewWithDB builds the application over an already open database.
func NewWithDB(ctx context.Context, cfg *config.Config, db *sql.DB, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	session, err := sqlexec.OpenSession(ctx, db, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrConnectivity, err)
	}

	collector := metrics.New()
	a := &App{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		session:  session,
		exec:     sqlexec.NewExecutor(cfg.SQLTimeout(), logger),
		metrics:  collector,
		tally:    metrics.NewTally(collector),
		terminal: progress.IsTerminalSupported(),
		out:      os.Stdout,
	}

	if cfg.Interactive {
		a.decide = importer.Prompt(os.Stdin, os.Stdout)
	} else {
		a.decide = importer.LogAndContinue(logger)
	}
	return a, nil
}

// Tally returns the run counters.
func (a *App) Tally() *metrics.Tally {
	return a.tally
}

// ServeMetrics exposes the collector on the configured address until ctx is
// cancelled. It does nothing when no address is configured.
func (a *App) ServeMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	go func() {
		a.logger.Info("Serving metrics", zap.String("addr", a.cfg.MetricsAddr))
		if err := a.metrics.StartServer(ctx, a.cfg.MetricsAddr); err != nil {
			a.logger.Error("Failed to start metrics server", zap.Error(err))
		}
	}()
}

// RunImport runs one built-in plan and reports whether the caller should
// continue to the plan's next step. A failed plan returns its error; an
// operator stopping at the completion prompt returns false and no error.
func (a *App) RunImport(ctx context.Context, planName string) (bool, error) {
	plan, ok := importer.PlanByName(planName)
	if !ok {
		return false, fmt.Errorf("unknown plan %q", planName)
	}

	scripts, err := sqlexec.NewScriptSource(a.cfg.Migration.ScriptsDir, a.cfg.Target.Database)
	if err != nil {
		return false, err
	}

	r, err := a.openRun(plan.DBType)
	if err != nil {
		return false, err
	}
	defer r.close()

	imp, err := importer.New(plan, a.session, a.exec, importer.Options{
		Database:        a.cfg.Target.Database,
		Scripts:         scripts,
		CSVDir:          a.cfg.Migration.CSVDir,
		CSVChunkSize:    a.cfg.Migration.CSVChunkSize,
		History:         true,
		Resume:          a.cfg.Migration.Resume,
		Policy:          a.policy(),
		SkipPrimaryKeys: a.cfg.Migration.SkipPKCreation,
		Decide:          a.decide,
		Progress:        r.ledger,
		Tally:           a.tally,
		ErrLog:          r.errLog,
	}, a.logger)
	if err != nil {
		return false, err
	}

	r.startDisplay()
	if imp.Run(ctx) {
		return true, nil
	}
	if imp.State() == importer.Failed {
		return false, imp.Err()
	}
	return false, nil
}

func (a *App) policy() lob.InclusionPolicy {
	return lob.NewInclusionPolicy(a.cfg.Migration.IncludeEmptyTables, a.cfg.Migration.AlwaysIncludeTables)
}

// RunLOB analyzes every candidate text column and applies the recorded
// changes. A failed analysis or ALTER is returned as the error.
func (a *App) RunLOB(ctx context.Context) (bool, error) {
	r, err := a.openRun(LOBRunName)
	if err != nil {
		return false, err
	}
	defer r.close()

	if !a.cfg.Migration.Resume {
		r.ledger.Reset()
	}

	opt, err := lob.New(a.session, a.exec, lob.Options{
		Database:  a.cfg.Target.Database,
		BatchSize: a.cfg.Migration.BatchSize,
		Policy:    a.policy(),
		Progress:  r.ledger,
		Tally:     a.tally,
		ErrLog:    r.errLog,
	}, a.logger)
	if err != nil {
		return false, err
	}

	r.startDisplay()

	analyzed, err := opt.Analyze(ctx)
	if err != nil {
		a.logger.Error("LOB analysis failed", zap.Error(err))
		return false, fmt.Errorf("lob analysis: %w", err)
	}
	a.logger.Info("LOB analysis finished",
		zap.Int("candidates", analyzed.Candidates),
		zap.Int("processed", analyzed.Processed),
		zap.Int("failed", analyzed.Failed),
	)

	applied, err := opt.Apply(ctx)
	if err != nil {
		a.logger.Error("LOB apply stopped", zap.Error(err))
		return false, fmt.Errorf("lob apply: %w", err)
	}
	a.logger.Info("LOB apply finished", zap.Int("applied", applied.Applied))
	return true, nil
}

// RunAll chains the built-in plans and the LOB phase. Each step runs only
// when the previous one returned true; a failed step's error is returned.
func (a *App) RunAll(ctx context.Context) error {
	defer func() {
		a.logger.Info(fmt.Sprintf("Run completed - successes: %d failures: %d",
			a.tally.Successes(), a.tally.Failures()))
	}()

	for _, plan := range importer.Plans() {
		ok, err := a.RunImport(ctx, plan.DBType)
		if err != nil {
			return err
		}
		if !ok {
			a.logger.Info("Stopping run", zap.String("after", plan.DBType))
			return nil
		}
		a.logger.Info("Proceeding to next step", zap.String("next_step", plan.NextStepName()))
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	_, err := a.RunLOB(ctx)
	return err
}

// Close releases the pinned connection and the database handle.
func (a *App) Close() error {
	var firstErr error
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			firstErr = err
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// run holds the per-phase collaborators.
type run struct {
	ledger  *progress.Ledger
	errLog  *errlog.Log
	store   progress.Store
	display *progress.Display
	started bool
}

func (a *App) openRun(name string) (*run, error) {
	store, err := OpenProgressStore(a.cfg.ProgressPath(strings.ToLower(name)))
	if err != nil {
		return nil, err
	}

	r := &run{
		store:  store,
		errLog: errlog.Open(a.cfg.LogDir, name, a.logger),
	}
	r.ledger = progress.NewLedger(store, nil, a.logger)

	if a.cfg.ShowProgress && a.terminal {
		r.display = progress.NewDisplay(r.ledger, func() (int64, int64) {
			return a.tally.Successes(), a.tally.Failures()
		}, a.out, 2*time.Second)
	}
	return r, nil
}

func (r *run) startDisplay() {
	if r.display != nil {
		r.display.Start()
		r.started = true
	}
}

func (r *run) close() {
	if r.started {
		r.display.Stop()
	}
	_ = r.errLog.Close()
	if c, ok := r.store.(checkpoint.Store); ok {
		_ = c.Close()
	}
}

// OpenProgressStore picks the store for path by its extension: ".db" is a
// SQLite store, anything else a JSON file.
func OpenProgressStore(path string) (progress.Store, error) {
	if strings.EqualFold(filepath.Ext(path), ".db") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create progress directory: %w", err)
		}
		store, err := checkpoint.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open progress store: %w", err)
		}
		return store, nil
	}
	return progress.NewFileStore(path), nil
}
