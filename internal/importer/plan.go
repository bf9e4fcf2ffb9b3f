package importer

import (
	"context"
	"fmt"

	"dmsprep/internal/sqlexec"
)

// StageKind orders the script stages of a plan.
type StageKind int

const (
	Preprocess StageKind = iota
	GatherDropSelect
	UpdateJoins
	Custom
)

func (k StageKind) String() string {
	switch k {
	case Preprocess:
		return "Preprocess"
	case GatherDropSelect:
		return "GatherDropSelect"
	case UpdateJoins:
		return "UpdateJoins"
	case Custom:
		return "Custom"
	default:
		return fmt.Sprintf("StageKind(%d)", int(k))
	}
}

// Action is the body of a Custom stage. It runs inside the stage's
// transaction.
type Action func(ctx context.Context, q sqlexec.Querier) error

// Custom stages the importer binds by name.
const (
	// ImportJoinsStage loads the selects CSV.
	ImportJoinsStage = "ImportJoins"
	// CopyTablesStage replays the DROP / SELECT INTO pair of every table to
	// convert.
	CopyTablesStage = "CopyTables"
	// DropEmptyTablesStage drops copied tables that ended up empty.
	DropEmptyTablesStage = "DropEmptyTables"
	// PrimaryKeysStage runs the primary key script and replays the
	// statements it generated.
	PrimaryKeysStage = "CreatePrimaryKeys"
)

// Stage is one named unit of a plan. Script is a path relative to the
// scripts directory; Custom stages use Action (or a name bound by the
// importer) instead.
//
// OwnTransactions stages are not wrapped in a transaction: their action
// receives the bare connection and commits per row so an interrupted run
// resumes from its last committed row.
type Stage struct {
	Name            string
	Script          string
	Kind            StageKind
	Action          Action
	OwnTransactions bool
}

// Plan is the ordered list of stages for one database type.
type Plan struct {
	DBType   string
	Stages   []Stage
	NextStep string
}

// Validate checks stage names are unique and script kinds never go
// backwards. Custom stages may appear anywhere.
func (p Plan) Validate() error {
	if err := sqlexec.ValidateIdentifier(p.DBType); err != nil {
		return fmt.Errorf("plan type: %w", err)
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("plan %s has no stages", p.DBType)
	}

	seen := make(map[string]struct{}, len(p.Stages))
	last := Preprocess
	for _, s := range p.Stages {
		if s.Name == "" {
			return fmt.Errorf("plan %s: stage without a name", p.DBType)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("plan %s: duplicate stage %q", p.DBType, s.Name)
		}
		seen[s.Name] = struct{}{}

		if s.Kind == Custom {
			continue
		}
		if s.Script == "" {
			return fmt.Errorf("plan %s: stage %q has no script", p.DBType, s.Name)
		}
		if s.Kind < last {
			return fmt.Errorf("plan %s: stage %q (%s) after %s stage", p.DBType, s.Name, s.Kind, last)
		}
		last = s.Kind
	}
	return nil
}

// NextStepName returns the label of the pipeline this plan hands off to.
func (p Plan) NextStepName() string {
	return p.NextStep
}

// SelectsTable is the table the selects CSV is imported into.
func (p Plan) SelectsTable() string {
	return p.suffixed("TableUsedSelects")
}

// ConvertTable is the table listing the tables to migrate.
func (p Plan) ConvertTable() string {
	return p.suffixed("TablesToConvert")
}

// PrimaryKeyTable is the table the primary key script fills with
// NOT NULL and PK statements.
func (p Plan) PrimaryKeyTable() string {
	return p.suffixed("PrimaryKeyScripts")
}

// CopyPrefix is prepended to the names of the tables a plan copies into.
func (p Plan) CopyPrefix() string {
	if p.DBType == "Justice" {
		return ""
	}
	return p.DBType + "_"
}

// CSVFile is the selects CSV file name for the plan.
func (p Plan) CSVFile() string {
	return fmt.Sprintf("EJ_%s_Selects_ALL.csv", p.DBType)
}

func (p Plan) suffixed(base string) string {
	if p.DBType == "Justice" {
		return base
	}
	return base + "_" + p.DBType
}

// tail holds the stages every built-in plan ends with.
func tail(dir, suffix string) []Stage {
	return []Stage{
		{Name: "GatherDropsAndSelects", Script: dir + "/gather_drops_and_selects" + suffix + ".sql", Kind: GatherDropSelect},
		{Name: ImportJoinsStage, Kind: Custom},
		{Name: "UpdateJoins", Script: dir + "/update_joins" + suffix + ".sql", Kind: UpdateJoins},
		{Name: CopyTablesStage, Kind: Custom, OwnTransactions: true},
		{Name: DropEmptyTablesStage, Kind: Custom, OwnTransactions: true},
		{Name: PrimaryKeysStage, Script: dir + "/create_primarykeys" + suffix + ".sql", Kind: Custom, OwnTransactions: true},
	}
}

// JusticePlan defines the supervision scope and candidate tables of the
// Justice database.
func JusticePlan() Plan {
	stages := []Stage{
		{Name: "GatherCaseIDs", Script: "justice/gather_caseids.sql", Kind: Preprocess},
		{Name: "GatherChargeIDs", Script: "justice/gather_chargeids.sql", Kind: Preprocess},
		{Name: "GatherPartyIDs", Script: "justice/gather_partyids.sql", Kind: Preprocess},
		{Name: "GatherWarrantIDs", Script: "justice/gather_warrantids.sql", Kind: Preprocess},
		{Name: "GatherHearingIDs", Script: "justice/gather_hearingids.sql", Kind: Preprocess},
		{Name: "GatherEventIDs", Script: "justice/gather_eventids.sql", Kind: Preprocess},
	}
	return Plan{
		DBType:   "Justice",
		Stages:   append(stages, tail("justice", "")...),
		NextStep: "Operations migration",
	}
}

// OperationsPlan prepares the Operations database.
func OperationsPlan() Plan {
	stages := []Stage{
		{Name: "GatherDocumentIDs", Script: "operations/gather_documentids.sql", Kind: Preprocess},
	}
	return Plan{
		DBType:   "Operations",
		Stages:   append(stages, tail("operations", "_operations")...),
		NextStep: "Financial migration",
	}
}

// FinancialPlan prepares the Financial database.
func FinancialPlan() Plan {
	stages := []Stage{
		{Name: "GatherFeeInstanceIDs", Script: "financial/gather_feeinstanceids.sql", Kind: Preprocess},
	}
	return Plan{
		DBType:   "Financial",
		Stages:   append(stages, tail("financial", "_financial")...),
		NextStep: "LOB Column Processing",
	}
}

// Plans returns the built-in plans in run order.
func Plans() []Plan {
	return []Plan{JusticePlan(), OperationsPlan(), FinancialPlan()}
}

// PlanByName looks up a built-in plan, ignoring case.
func PlanByName(name string) (Plan, bool) {
	for _, p := range Plans() {
		if equalFold(p.DBType, name) {
			return p, true
		}
	}
	return Plan{}, false
}
