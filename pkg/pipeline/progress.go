package pipeline

import (
	"time"

	"github.com/kass/sitescout/pkg/models"
)

// Stage identifies one phase of a pipeline run. Stages advance strictly in
// order; no stage is skipped.
type Stage int

const (
	StageIdle Stage = iota
	StageFetching
	StageMerging
	StageTraining
	StageScoring
	StageCached
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageFetching:
		return "fetching"
	case StageMerging:
		return "merging"
	case StageTraining:
		return "training"
	case StageScoring:
		return "scoring"
	case StageCached:
		return "cached"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ProgressFunc receives incremental status updates during a pipeline run.
// Invoked synchronously from the run goroutine, zero or more times, never on
// a cache hit. Observers that need to block must hand the event off
// themselves.
type ProgressFunc func(models.ProgressEvent)

// Progress milestones per stage, in percent. Grid generation and the cached
// terminal are single marks; the other stages span a range.
const (
	percentGrid       = 5.0
	percentFetchStart = 10.0
	percentFetchDone  = 55.0
	percentMergeStart = 60.0
	percentMergeDone  = 70.0
	percentTrainStart = 75.0
	percentTrainDone  = 85.0
	percentScoreStart = 90.0
	percentScoreDone  = 99.0
	percentCached     = 100.0
)

// tracker stamps progress events with run identity, ETA, and location counts
// before handing them to the run's observers.
type tracker struct {
	cityID  string
	runID   string
	clock   Clock
	started time.Time
	total   int
	emit    func(models.ProgressEvent)
}

func (t *tracker) step(stage Stage, stepName string, percent float64, processed int) {
	t.emit(models.ProgressEvent{
		CityID:             t.cityID,
		RunID:              t.runID,
		Stage:              stage.String(),
		StepName:           stepName,
		Percent:            percent,
		ETA:                t.eta(percent),
		LocationsProcessed: processed,
		TotalLocations:     t.total,
	})
}

// eta extrapolates the remaining time from elapsed wall clock and percent
// complete. Zero until there is something to extrapolate from.
func (t *tracker) eta(percent float64) time.Duration {
	if percent <= 0 || percent >= 100 {
		return 0
	}
	elapsed := t.clock.Now().Sub(t.started)
	if elapsed <= 0 {
		return 0
	}
	return time.Duration(float64(elapsed)*100/percent) - elapsed
}
