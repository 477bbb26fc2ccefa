package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Op names a sub-request that crosses the model boundary.
type Op string

const (
	OpExtract   Op = "extract"
	OpContinue  Op = "continue"
	OpSummarize Op = "summarize"
	OpGroup     Op = "group"
	OpKeywords  Op = "keywords"
	OpAnswer    Op = "answer"
)

// ExternalServiceError reports a failed model call together with the
// sub-request it belonged to, so the caller can retry exactly that request.
type ExternalServiceError struct {
	Op     Op
	Target string
	Round  int
	Err    error
}

func (e *ExternalServiceError) Error() string {
	switch e.Op {
	case OpExtract, OpContinue:
		return fmt.Sprintf("%s extraction for passage %q (round %d): %v", e.Op, e.Target, e.Round, e.Err)
	default:
		return fmt.Sprintf("%s %q: %v", e.Op, e.Target, e.Err)
	}
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the call failed because its deadline passed.
func (e *ExternalServiceError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// TypeConflict is one same-name, different-type collision found in strict
// mode.
type TypeConflict struct {
	Name         string
	ExistingType string
	NewType      string
	BatchID      string
}

// MergeConflictError is returned by Merge when strict type checking is
// enabled and a batch assigns a different non-Other type to an existing
// entity. The batch is not applied.
type MergeConflictError struct {
	Conflicts []TypeConflict
}

func (e *MergeConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("%q is %s, batch %s says %s", c.Name, c.ExistingType, c.BatchID, c.NewType))
	}
	return "merge conflict: " + strings.Join(parts, "; ")
}
