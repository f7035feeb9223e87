package orchestrate

import (
	"fmt"
	"time"

	"github.com/schaermu/manifesto/internal/tree"
)

// Operation names a batch kind
type Operation string

const (
	OpVerify Operation = "verify"
	OpUpdate Operation = "update"
	OpCreate Operation = "create"
)

// PathResult is the outcome of processing one requested path
type PathResult struct {
	Path     string
	TopLevel string
	// OK is false when the operation completed but reported failure
	OK bool
	// Err is set when the path aborted the batch
	Err      error
	Cause    Cause
	Duration time.Duration
	Saved    tree.SaveStats
}

// Aborted reports whether this path stopped the batch
func (r PathResult) Aborted() bool {
	return r.Err != nil
}

func aborted(err error) PathResult {
	return PathResult{Err: err, Cause: Classify(err)}
}

// BatchResult accumulates path results. A batch succeeds only if every
// processed path succeeded and none aborted.
type BatchResult struct {
	Operation Operation
	OK        bool
	// AbortedAt is the index of the path that aborted the batch, -1 if none
	AbortedAt int
	Results   []PathResult
}

func newBatchResult(op Operation) *BatchResult {
	return &BatchResult{Operation: op, OK: true, AbortedAt: -1}
}

// fold adds r to the batch and reports whether processing must stop
func (b *BatchResult) fold(index int, r PathResult) bool {
	b.Results = append(b.Results, r)
	if r.Aborted() {
		b.OK = false
		b.AbortedAt = index
		return true
	}
	b.OK = b.OK && r.OK
	return false
}

// Cause returns the cause of the abort, if any
func (b *BatchResult) Cause() Cause {
	if b.AbortedAt < 0 {
		return CauseNone
	}
	return b.Results[b.AbortedAt].Cause
}

// Err summarizes a failed batch as an error
func (b *BatchResult) Err() error {
	if b.OK {
		return nil
	}
	if b.AbortedAt >= 0 {
		r := b.Results[b.AbortedAt]
		return fmt.Errorf("%s aborted at %s: %w", b.Operation, r.Path, r.Err)
	}
	return fmt.Errorf("%s failed", b.Operation)
}
