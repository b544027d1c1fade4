package journal

import (
	"context"
	"log/slog"

	"github.com/fpgalab/bringup/pkg/engine"
)

type openKey struct {
	run, workflow, stage string
	attempt              int
}

func keyOf(ev engine.StageEvent) openKey {
	return openKey{run: ev.Run, workflow: ev.Workflow, stage: ev.Stage.String(), attempt: ev.Attempt}
}

// StageStarted records a running entry. Journal failures are logged and never
// interrupt the bring-up.
func (r *Repository) StageStarted(ctx context.Context, ev engine.StageEvent) {
	e := &Entry{
		Run:       ev.Run,
		Workflow:  ev.Workflow,
		Stage:     ev.Stage.String(),
		Target:    ev.Target.String(),
		Attempt:   ev.Attempt,
		StartedAt: ev.Started.UTC().Format(timeFormat),
	}
	if err := r.Start(context.WithoutCancel(ctx), e); err != nil {
		slog.Warn("journal_stage_start_lost", "stage", e.Stage, "error", err)
		return
	}

	r.mu.Lock()
	r.open[keyOf(ev)] = e.ID
	r.mu.Unlock()
}

// StageFinished completes the entry opened by StageStarted.
func (r *Repository) StageFinished(ctx context.Context, ev engine.StageEvent, err error) {
	r.mu.Lock()
	id, ok := r.open[keyOf(ev)]
	delete(r.open, keyOf(ev))
	r.mu.Unlock()
	if !ok {
		return
	}

	status, msg := StatusSucceeded, ""
	if err != nil {
		status, msg = StatusFailed, err.Error()
	}
	duration := ev.Finished.Sub(ev.Started).Milliseconds()

	if ferr := r.Finish(context.WithoutCancel(ctx), id, status, msg, ev.Finished.UTC().Format(timeFormat), duration); ferr != nil {
		slog.Warn("journal_stage_finish_lost", "stage", ev.Stage, "error", ferr)
	}
}
