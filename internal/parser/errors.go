package parser

import "fmt"

// ParseError reports a payload that matched no known form. It is
// per-file (or per-row) and never fatal to a sync batch: callers
// count it, log it, and move on.
type ParseError struct {
	Source string
	Path   string // file path or foreign row id, may be empty
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	where := e.Source
	if e.Path != "" {
		where += " " + e.Path
	}
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", where, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s: %s", where, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }
