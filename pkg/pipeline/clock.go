package pipeline

import "time"

// Clock abstracts wall-clock time so cache expiry, the run budget, and ETA
// math can be driven by a fake clock in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
