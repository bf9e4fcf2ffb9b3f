package importer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Decision is the caller's answer at a decision point.
type Decision int

const (
	Continue Decision = iota
	Abort
)

func (d Decision) String() string {
	if d == Abort {
		return "abort"
	}
	return "continue"
}

// DecisionKind identifies why the pipeline is asking.
type DecisionKind int

const (
	// MissingJoinTables is raised before UpdateJoins when tables to convert
	// have no entry in the imported selects.
	MissingJoinTables DecisionKind = iota
	// Completion is raised once every stage has succeeded.
	Completion
)

func (k DecisionKind) String() string {
	switch k {
	case MissingJoinTables:
		return "missing_join_tables"
	case Completion:
		return "completion"
	default:
		return fmt.Sprintf("DecisionKind(%d)", int(k))
	}
}

// DecisionPoint carries the context of a decision.
type DecisionPoint struct {
	Kind         DecisionKind
	Plan         string
	NextStep     string
	MissingCount int64
}

// Message is a human-readable description of the decision point.
func (p DecisionPoint) Message() string {
	switch p.Kind {
	case MissingJoinTables:
		return fmt.Sprintf("%d tables to convert in %s have no joins in the imported selects. Continue anyway?",
			p.MissingCount, p.Plan)
	case Completion:
		if p.NextStep == "" {
			return fmt.Sprintf("%s database migration is complete.", p.Plan)
		}
		return fmt.Sprintf("%s database migration is complete. Proceed to %s?", p.Plan, p.NextStep)
	default:
		return p.Kind.String()
	}
}

// DecisionFunc answers decision points. Implementations must not block
// forever; ctx is cancelled with the run.
type DecisionFunc func(ctx context.Context, p DecisionPoint) Decision

// LogAndContinue is the unattended policy: every point is logged and the
// run continues.
func LogAndContinue(logger *zap.Logger) DecisionFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, p DecisionPoint) Decision {
		fields := []zap.Field{
			zap.String("kind", p.Kind.String()),
			zap.String("plan", p.Plan),
			zap.String("message", p.Message()),
		}
		if p.Kind == Completion {
			logger.Info("Decision point, continuing", fields...)
		} else {
			logger.Warn("Decision point, continuing", fields...)
		}
		return Continue
	}
}

// Prompt asks on out and reads a y/N answer from in. Anything other than
// y or yes aborts.
func Prompt(in io.Reader, out io.Writer) DecisionFunc {
	var mu sync.Mutex
	reader := bufio.NewReader(in)

	return func(ctx context.Context, p DecisionPoint) Decision {
		mu.Lock()
		defer mu.Unlock()

		if ctx.Err() != nil {
			return Abort
		}
		fmt.Fprintf(out, "%s [y/N]: ", p.Message())
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return Abort
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return Continue
		default:
			return Abort
		}
	}
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
