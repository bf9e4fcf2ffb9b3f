package importer

import (
	"errors"
	"fmt"
)

// ErrAborted is recorded when the decision callback stops a plan.
var ErrAborted = errors.New("aborted by decision callback")

// StageError is the failure that moved a plan to Failed.
type StageError struct {
	Plan   string
	Stage  string
	Script string
	Err    error
}

func (e *StageError) Error() string {
	if e.Script == "" {
		return fmt.Sprintf("%s stage %s failed: %v", e.Plan, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s stage %s (%s) failed: %v", e.Plan, e.Stage, e.Script, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
