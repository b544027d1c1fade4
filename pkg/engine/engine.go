package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fpgalab/bringup/pkg/errors"
)

// Instance is one workflow bound to one board. Only the engine moves its stage. An
// Instance is not safe for concurrent transitions; independent instances are.
type Instance struct {
	workflow  *Workflow
	ledger    *ledger
	observers []Observer
}

// New validates the workflow and returns an instance at Unknown.
func New(w *Workflow, observers ...Observer) (*Instance, error) {
	if w == nil {
		return nil, errors.Configuration("workflow is nil")
	}
	if err := w.Validate(); err != nil {
		return nil, errors.Configuration("%v", err)
	}
	return &Instance{
		workflow:  w,
		ledger:    newLedger(w),
		observers: observers,
	}, nil
}

// Stage returns the last stage whose action completed successfully.
func (i *Instance) Stage() Stage { return i.ledger.current() }

// Workflow returns the workflow name.
func (i *Instance) Workflow() string { return i.workflow.Name }

// Stages returns the declared stage names in order.
func (i *Instance) Stages() []string { return i.workflow.StageNames() }

// TransitionTo is Transition with the target given by name.
func (i *Instance) TransitionTo(ctx context.Context, name string) error {
	target, ok := i.workflow.Stage(name)
	if !ok {
		return errors.InvalidTransition(i.workflow.Name, string(i.Stage()), name, "no such stage")
	}
	return i.Transition(ctx, target)
}

// Transition runs every stage action between the current stage and target. On
// failure the instance stays at the deepest stage that completed and the error
// carries the failing stage.
func (i *Instance) Transition(ctx context.Context, target Stage) error {
	from := i.Stage()

	chain, err := i.plan(from, target)
	if err != nil {
		slog.Error("transition_rejected", "workflow", i.workflow.Name, "from", from, "to", target, "error", err)
		return err
	}
	if len(chain) == 0 {
		slog.Debug("transition_noop", "workflow", i.workflow.Name, "stage", from)
		return nil
	}

	run := RunFromContext(ctx)
	start := time.Now()
	slog.Info("transition_started",
		"workflow", i.workflow.Name,
		"run", run,
		"from", from,
		"to", target,
		"steps", len(chain),
	)

	for _, def := range chain {
		if err := i.enter(ctx, run, def, target); err != nil {
			slog.Error("transition_failed",
				"workflow", i.workflow.Name,
				"run", run,
				"to", target,
				"stage", i.Stage(),
				"error", err,
			)
			i.release(ctx)
			return err
		}
	}

	slog.Info("transition_complete",
		"workflow", i.workflow.Name,
		"run", run,
		"stage", i.Stage(),
		"duration", time.Since(start),
	)
	return nil
}

// plan resolves the ordered stages to run for target, without side effects.
func (i *Instance) plan(from, target Stage) ([]StageDef, error) {
	w := i.workflow

	def, _, ok := w.def(target)
	if !ok {
		return nil, errors.InvalidTransition(w.Name, string(from), string(target), "no such stage")
	}
	if target == Unknown {
		return nil, errors.InvalidTransition(w.Name, string(from), string(target), "unknown is not reachable")
	}

	if target == from {
		if def.Loop == nil {
			return nil, nil
		}
		return []StageDef{def}, nil
	}

	if def.Reset {
		return []StageDef{def}, nil
	}

	if w.rank(target) < w.rank(from) {
		return nil, errors.InvalidTransition(w.Name, string(from), string(target), "backward transition requires a reset stage")
	}

	var chain []StageDef
	met := false
	for s := target; ; {
		if s == from {
			met = true
			break
		}
		d, _, _ := w.def(s)
		chain = append(chain, d)
		if d.Reset {
			break
		}
		s = d.Requires
	}

	if !met {
		fromDef, _, _ := w.def(from)
		if from != Unknown && !fromDef.Reset {
			return nil, errors.InvalidTransition(w.Name, string(from), string(target), "no prerequisite path")
		}
	}

	for l, r := 0, len(chain)-1; l < r; l, r = l+1, r-1 {
		chain[l], chain[r] = chain[r], chain[l]
	}
	return chain, nil
}

// enter runs one stage to completion, repeating self-loop stages up to their bound,
// and records it in the ledger.
func (i *Instance) enter(ctx context.Context, run string, def StageDef, target Stage) error {
	w := i.workflow
	fail := func(err error) error {
		return &errors.StageError{Workflow: w.Name, Stage: string(def.Stage), Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	for attempt := 1; ; attempt++ {
		ev := StageEvent{
			Run:      run,
			Workflow: w.Name,
			Stage:    def.Stage,
			Target:   target,
			Attempt:  attempt,
			Started:  time.Now(),
		}
		slog.Info("stage_started", "workflow", w.Name, "run", run, "stage", def.Stage, "attempt", attempt)
		for _, o := range i.observers {
			o.StageStarted(ctx, ev)
		}

		again, err := runAction(ctx, def)

		ev.Finished = time.Now()
		for _, o := range i.observers {
			o.StageFinished(ctx, ev, err)
		}
		if err != nil {
			return fail(err)
		}
		if !again {
			slog.Info("stage_complete",
				"workflow", w.Name,
				"run", run,
				"stage", def.Stage,
				"duration", ev.Finished.Sub(ev.Started),
			)
			break
		}

		if attempt >= def.Loop.Max {
			return fail(&errors.DeadlineError{
				What:     fmt.Sprintf("stage %s exit condition", def.Stage),
				Attempts: attempt,
			})
		}
		slog.Info("stage_repeat", "workflow", w.Name, "run", run, "stage", def.Stage, "attempt", attempt, "max", def.Loop.Max)
	}

	if err := i.ledger.advance(ctx, def.Stage); err != nil {
		return fail(err)
	}
	return nil
}

func runAction(ctx context.Context, def StageDef) (bool, error) {
	if def.Loop != nil {
		return def.Loop.Action(ctx)
	}
	return false, def.Action(ctx)
}

func (i *Instance) release(ctx context.Context) {
	if i.workflow.Release == nil {
		return
	}
	i.workflow.Release(context.WithoutCancel(ctx))
}
