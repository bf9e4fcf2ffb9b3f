package importer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"dmsprep/internal/errlog"
	"dmsprep/internal/lob"
	"dmsprep/internal/metrics"
	"dmsprep/internal/progress"
	"dmsprep/internal/sqlexec"

	"go.uber.org/zap"
)

// State is the position of a run in the pipeline.
type State int

const (
	Init State = iota
	Preprocessing
	GatheringDropSelect
	UpdatingJoins
	HandoffReady
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case Preprocessing:
		return "Preprocessing"
	case GatheringDropSelect:
		return "GatherDropSelect"
	case UpdatingJoins:
		return "UpdateJoins"
	case HandoffReady:
		return "HandoffReady"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures an Importer.
type Options struct {
	Database     string
	Scripts      *sqlexec.ScriptSource
	CSVDir       string
	CSVChunkSize int

	// History enables skipping of already applied scripts. Unless Resume is
	// set the plan's history and the progress store are cleared first.
	History bool
	Resume  bool

	// Actions binds Custom stages by name, overriding the built-in ones.
	Actions map[string]Action

	// Policy protects empty tables named in its overrides from being
	// dropped and decides which tables get primary keys.
	Policy          lob.InclusionPolicy
	SkipPrimaryKeys bool

	Decide   DecisionFunc
	Progress *progress.Ledger
	Tally    *metrics.Tally
	ErrLog   *errlog.Log
}

// Importer runs one plan against one session.
type Importer struct {
	plan    Plan
	session *sqlexec.Session
	exec    *sqlexec.Executor
	opts    Options
	history *History
	actions map[string]Action
	logger  *zap.Logger

	mu    sync.Mutex
	state State
	err   error
}

// New validates plan and builds an importer for it.
func New(plan Plan, session *sqlexec.Session, exec *sqlexec.Executor, opts Options, logger *zap.Logger) (*Importer, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if err := sqlexec.ValidateIdentifier(opts.Database); err != nil {
		return nil, fmt.Errorf("database name: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("plan", plan.DBType))

	if opts.Decide == nil {
		opts.Decide = LogAndContinue(logger)
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
	if opts.CSVChunkSize <= 0 {
		opts.CSVChunkSize = 50000
	}

	i := &Importer{
		plan:    plan,
		session: session,
		exec:    exec,
		opts:    opts,
		logger:  logger,
		actions: map[string]Action{},
	}

	joins := &JoinsImporter{
		exec:      exec,
		plan:      plan,
		db:        opts.Database,
		path:      filepath.Join(opts.CSVDir, plan.CSVFile()),
		chunkSize: opts.CSVChunkSize,
		progress:  opts.Progress,
		logger:    logger,
	}
	i.actions[ImportJoinsStage] = joins.Import

	tables := &TableStages{
		session:  session,
		exec:     exec,
		plan:     plan,
		db:       opts.Database,
		scripts:  opts.Scripts,
		skipPK:   opts.SkipPrimaryKeys,
		policy:   opts.Policy,
		progress: opts.Progress,
		errLog:   opts.ErrLog,
		logger:   logger,
	}
	for _, s := range plan.Stages {
		if s.Name == PrimaryKeysStage {
			tables.pkScript = s.Script
		}
	}
	i.actions[CopyTablesStage] = tables.CopyTables
	i.actions[DropEmptyTablesStage] = tables.DropEmptyTables
	i.actions[PrimaryKeysStage] = tables.CreatePrimaryKeys
	for name, act := range opts.Actions {
		i.actions[name] = act
	}

	if opts.History {
		h, err := NewHistory(exec, opts.Database)
		if err != nil {
			return nil, err
		}
		i.history = h
	}

	for _, s := range plan.Stages {
		if s.Kind == Custom && s.Action == nil && i.actions[s.Name] == nil {
			return nil, fmt.Errorf("plan %s: no action bound for custom stage %q", plan.DBType, s.Name)
		}
		if s.Script == "" || opts.Scripts != nil {
			continue
		}
		if s.Kind == Custom && (s.Action != nil || opts.Actions[s.Name] != nil) {
			continue
		}
		if s.Name == PrimaryKeysStage && opts.SkipPrimaryKeys {
			continue
		}
		return nil, fmt.Errorf("plan %s: script source is required", plan.DBType)
	}

	return i, nil
}

// Plan returns the plan being run.
func (i *Importer) Plan() Plan {
	return i.plan
}

// NextStepName returns the label of the pipeline this plan hands off to.
func (i *Importer) NextStepName() string {
	return i.plan.NextStepName()
}

// State returns the current state.
func (i *Importer) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Err returns the error that failed or aborted the run, if any.
func (i *Importer) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

func (i *Importer) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
	i.logger.Debug("State changed", zap.Stringer("state", s))
}

// Run executes every stage in order and reports whether the caller should
// proceed to the next plan. A failed stage is logged, counted and yields
// false; it never panics or exits.
func (i *Importer) Run(ctx context.Context) bool {
	start := time.Now()
	i.setState(Init)
	i.logger.Info("Starting plan", zap.Int("stages", len(i.plan.Stages)))

	op := strings.ToLower(i.plan.DBType)
	i.opts.Progress.StartOperation(op)
	defer i.opts.Progress.FinishOperation(op)

	if err := i.prepare(ctx); err != nil {
		return i.fail(&StageError{Plan: i.plan.DBType, Stage: HistoryTable, Err: err})
	}

	joinsChecked := false
	stages := i.plan.Stages
	for n := 0; n < len(stages); {
		group := stages[n : n+1]
		if stages[n].Kind == Preprocess {
			end := n + 1
			for end < len(stages) && stages[end].Kind == Preprocess {
				end++
			}
			group = stages[n:end]
		}

		switch group[0].Kind {
		case Preprocess:
			i.setState(Preprocessing)
		case GatherDropSelect:
			i.setState(GatheringDropSelect)
		case UpdateJoins:
			i.setState(UpdatingJoins)
			if !joinsChecked {
				joinsChecked = true
				if ok := i.checkJoins(ctx); !ok {
					return false
				}
			}
		}

		if err := i.runGroup(ctx, group, n); err != nil {
			return i.fail(err)
		}
		n += len(group)
	}

	i.setState(HandoffReady)
	i.logger.Info("All stages completed", zap.Duration("duration", time.Since(start)))

	decision := i.opts.Decide(ctx, DecisionPoint{
		Kind:     Completion,
		Plan:     i.plan.DBType,
		NextStep: i.plan.NextStep,
	})
	i.setState(Done)

	if decision == Abort {
		i.logger.Info("Operator chose to stop", zap.String("next_step", i.plan.NextStep))
		return false
	}
	i.logger.Info("Proceeding", zap.String("next_step", i.plan.NextStep))
	return true
}

// prepare sets up migration history and, for a fresh run, forgets earlier
// progress.
func (i *Importer) prepare(ctx context.Context) error {
	if !i.opts.Resume {
		i.opts.Progress.Reset()
	}
	if i.history == nil {
		return nil
	}

	q := i.session.Querier()
	if err := i.history.Ensure(ctx, q); err != nil {
		return err
	}
	if !i.opts.Resume {
		i.logger.Info("Clearing migration history for fresh run")
		if err := i.history.Clear(ctx, q, i.plan.DBType); err != nil {
			i.logger.Warn("Could not clear migration history, continuing", zap.Error(err))
		}
	}
	return nil
}

// completedStage is a stage whose work has run but whose transaction may
// not have committed yet.
type completedStage struct {
	stage   Stage
	elapsed time.Duration
	applied bool
}

// runGroup runs stages in one transaction, or directly on the connection
// for a single OwnTransactions stage. Successes are counted once the group
// has committed. offset is the index of the first stage in the plan.
func (i *Importer) runGroup(ctx context.Context, group []Stage, offset int) error {
	var (
		current Stage
		done    []completedStage
	)
	body := func(ctx context.Context, q sqlexec.Querier) error {
		for _, st := range group {
			current = st
			c, err := i.runStage(ctx, q, st)
			if err != nil {
				return err
			}
			done = append(done, c)
		}
		return nil
	}

	var err error
	if len(group) == 1 && group[0].OwnTransactions {
		err = body(ctx, i.session.Querier())
	} else {
		err = i.session.Scope(ctx, body)
	}
	if err != nil {
		var stageErr *StageError
		if errors.As(err, &stageErr) {
			return err
		}
		return &StageError{Plan: i.plan.DBType, Stage: current.Name, Script: current.Script, Err: err}
	}

	for k, c := range done {
		if c.applied {
			i.opts.Tally.Success()
			if col := i.opts.Tally.Collector(); col != nil {
				col.ObserveStage(i.plan.DBType, c.stage.Name, c.elapsed)
			}
			i.logger.Info("Stage completed", zap.String("stage", c.stage.Name), zap.Duration("duration", c.elapsed))
		}
		i.opts.Progress.Update(progress.Update{
			Key:       strings.ToLower(i.plan.DBType) + "_stages",
			Value:     int64(offset + k + 1),
			Total:     int64(len(i.plan.Stages)),
			Operation: i.plan.DBType,
			Details:   c.stage.Name,
		})
	}
	return nil
}

// runStage runs one stage on q. A stage skipped through migration history
// is reported as not applied.
func (i *Importer) runStage(ctx context.Context, q sqlexec.Querier, st Stage) (completedStage, error) {
	start := time.Now()
	log := i.logger.With(zap.String("stage", st.Name))
	done := completedStage{stage: st}

	wrap := func(err error) error {
		return &StageError{Plan: i.plan.DBType, Stage: st.Name, Script: st.Script, Err: err}
	}

	if st.Kind == Custom {
		act := st.Action
		if act == nil {
			act = i.actions[st.Name]
		}
		log.Info("Starting stage")
		if err := act(ctx, q); err != nil {
			return done, wrap(err)
		}
	} else {
		key := historyKey(i.plan.DBType, st.Name)
		if i.history != nil {
			applied, err := i.history.Applied(ctx, q, key)
			if err != nil {
				return done, wrap(err)
			}
			if applied {
				log.Info("Skipping stage, already applied")
				return done, nil
			}
		}

		script, err := i.opts.Scripts.Load(st.Name, st.Script)
		if err != nil {
			return done, wrap(err)
		}
		if err := i.exec.RunScript(ctx, q, script); err != nil {
			return done, wrap(err)
		}

		if i.history != nil {
			if err := i.history.Record(ctx, q, key); err != nil {
				return done, wrap(err)
			}
		}
	}

	done.elapsed = time.Since(start)
	done.applied = true
	return done, nil
}

// checkJoins counts tables to convert that have no selects entry and asks
// the decision callback when there are any. It returns false when the run
// has been moved to Failed.
func (i *Importer) checkJoins(ctx context.Context) bool {
	convert, err := sqlexec.QuoteName(i.opts.Database, "dbo", i.plan.ConvertTable())
	if err != nil {
		return i.fail(err)
	}
	selects, err := sqlexec.QuoteName(i.opts.Database, "dbo", i.plan.SelectsTable())
	if err != nil {
		return i.fail(err)
	}

	query := fmt.Sprintf(`SELECT COUNT(*) AS MissingCount
FROM %s c
WHERE NOT EXISTS (
    SELECT 1 FROM %s s
    WHERE s.SchemaName = c.SchemaName AND s.TableName = c.TableName
)`, convert, selects)

	row, _, err := i.exec.QueryRow(ctx, i.session.Querier(), query)
	if err != nil {
		return i.fail(&StageError{Plan: i.plan.DBType, Stage: "UpdateJoinsCheck", Err: err})
	}
	missing, _ := row.Int64("MissingCount")
	if missing == 0 {
		return true
	}

	i.logger.Warn("Tables to convert are missing from the imported selects", zap.Int64("missing", missing))
	decision := i.opts.Decide(ctx, DecisionPoint{
		Kind:         MissingJoinTables,
		Plan:         i.plan.DBType,
		NextStep:     i.plan.NextStep,
		MissingCount: missing,
	})
	if decision == Abort {
		return i.fail(fmt.Errorf("%w: %d tables missing from %s", ErrAborted, missing, i.plan.SelectsTable()))
	}
	return true
}

// fail records err, counts a failure, moves the run to Failed and returns
// false.
func (i *Importer) fail(err error) bool {
	i.mu.Lock()
	i.state = Failed
	i.err = err
	i.mu.Unlock()

	i.opts.Tally.Failure()

	fields := []zap.Field{zap.String("plan", i.plan.DBType), zap.Bool("timeout", sqlexec.IsTimeout(err))}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		fields = append(fields, zap.String("stage", stageErr.Stage), zap.String("script", stageErr.Script))
	}
	i.logger.Error("Plan failed", append(fields, zap.Error(err))...)
	i.opts.ErrLog.Record("Plan failed", err, fields...)
	return false
}
