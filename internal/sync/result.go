package sync

import (
	"fmt"
	"strings"
)

// Outcome is the terminal state of synchronizing one image
type Outcome string

const (
	OutcomeCommitted        Outcome = "committed"
	OutcomeSkippedNoChanges Outcome = "skipped-no-changes"
	OutcomeFailed           Outcome = "failed"
)

// Result records what happened to one image's downstream repository
type Result struct {
	Component string
	Outcome   Outcome
}

// SymlinkConflictError is returned when a regular file occupies the name of
// the version symlink.
type SymlinkConflictError struct {
	Path string
}

func (e *SymlinkConflictError) Error() string {
	return fmt.Sprintf("failed creating symlink '%s' -> '.', file already exists", e.Path)
}

// BatchError lists the components a batch operation failed for
type BatchError struct {
	Operation string
	Failed    []string
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s failed for: %s", e.Operation, strings.Join(e.Failed, ", "))
}

func (e *BatchError) Unwrap() error {
	return e.Err
}
