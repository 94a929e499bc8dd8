package pipeline

import (
	"fmt"
	"time"
)

// PipelineError wraps any stage failure surfaced to a caller with the stage
// that failed. Whatever the cache held before the run stays in place.
type PipelineError struct {
	Stage  Stage
	CityID string
	Err    error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline for %s failed during %s: %v", e.CityID, e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// PipelineTimeoutError reports that a run exceeded its wall-clock budget.
// Raised at stage boundaries; a stage already in progress is never preempted.
type PipelineTimeoutError struct {
	Stage   Stage
	Elapsed time.Duration
	Budget  time.Duration
}

func (e *PipelineTimeoutError) Error() string {
	return fmt.Sprintf("pipeline exceeded its %s budget after %s, stopped before %s",
		e.Budget, e.Elapsed.Round(time.Millisecond), e.Stage)
}
