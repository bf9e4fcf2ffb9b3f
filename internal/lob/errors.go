package lob

import "fmt"

// AnalysisError is a per-column failure during analyze. It is logged and
// counted; the scan continues.
type AnalysisError struct {
	Schema string
	Table  string
	Column string
	Err    error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analyze %s.%s.%s: %v", e.Schema, e.Table, e.Column, e.Err)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// ApplyError is the ALTER failure that stopped the apply phase. Index is
// 1-based in apply order.
type ApplyError struct {
	Index     int
	Statement string
	Err       error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("failed to alter column (statement %d): %v", e.Index, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}
