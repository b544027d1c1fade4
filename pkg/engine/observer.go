package engine

import (
	"context"
	"time"
)

// StageEvent describes one stage action run inside a transition.
type StageEvent struct {
	Run      string
	Workflow string
	Stage    Stage
	Target   Stage
	// Attempt is the pass number, greater than one only for self-loop stages.
	Attempt  int
	Started  time.Time
	Finished time.Time
}

// Observer receives stage progress. Observers must not block for long; they run on
// the transition's goroutine.
type Observer interface {
	StageStarted(ctx context.Context, ev StageEvent)
	StageFinished(ctx context.Context, ev StageEvent, err error)
}

type runKey struct{}

// WithRun attaches a run identifier to ctx. Observers see it in StageEvent.Run.
func WithRun(ctx context.Context, run string) context.Context {
	return context.WithValue(ctx, runKey{}, run)
}

// RunFromContext returns the run identifier set by WithRun, or "".
func RunFromContext(ctx context.Context) string {
	run, _ := ctx.Value(runKey{}).(string)
	return run
}
