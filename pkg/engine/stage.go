// Package engine implements the generic "reach target stage from current stage"
// algorithm shared by every bring-up workflow. A workflow is data: an ordered stage
// table where each stage names its action and its immediate prerequisite. The engine
// resolves the prerequisite chain once per call and runs it iteratively, recording the
// last good stage after every successful action.
package engine

import (
	"context"
	"fmt"
)

// Stage is a named point in a workflow's ordered progression.
type Stage string

// Unknown is the stage of every freshly constructed instance.
const Unknown Stage = "unknown"

func (s Stage) String() string { return string(s) }

// Action is the work performed on entry to a stage.
type Action func(ctx context.Context) error

// LoopAction is one pass of a self-loop stage. again reports that the exit
// condition is not met yet and the stage wants another pass.
type LoopAction func(ctx context.Context) (again bool, err error)

// Loop declares a re-entrant stage. Max bounds the number of passes per entry.
type Loop struct {
	Action LoopAction
	Max    int
}

// StageDef is one row of a workflow's stage table.
type StageDef struct {
	Stage    Stage
	Requires Stage
	Action   Action
	// Reset stages are reachable from any stage and have no prerequisite.
	Reset bool
	// Loop is set for self-loop stages, which use Loop.Action instead of Action.
	Loop *Loop
}

// Workflow is a named stage table.
type Workflow struct {
	Name   string
	Stages []StageDef
	// Release is called after a failed stage action to give up scoped handles.
	Release func(ctx context.Context)
}

// Validate checks the stage table is well formed.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workflow name is empty")
	}
	if len(w.Stages) == 0 || w.Stages[0].Stage != Unknown {
		return fmt.Errorf("workflow %s: first stage must be %s", w.Name, Unknown)
	}

	seen := make(map[Stage]StageDef, len(w.Stages))
	resets := 0
	for i, def := range w.Stages {
		if def.Stage == "" {
			return fmt.Errorf("workflow %s: stage %d has no name", w.Name, i)
		}
		if _, dup := seen[def.Stage]; dup {
			return fmt.Errorf("workflow %s: duplicate stage %s", w.Name, def.Stage)
		}

		if i > 0 {
			switch {
			case def.Reset:
				resets++
				if def.Requires != "" {
					return fmt.Errorf("workflow %s: reset stage %s cannot require %s", w.Name, def.Stage, def.Requires)
				}
				if def.Loop != nil {
					return fmt.Errorf("workflow %s: reset stage %s cannot loop", w.Name, def.Stage)
				}
			case def.Requires == "" || def.Requires == Unknown:
				return fmt.Errorf("workflow %s: stage %s has no prerequisite", w.Name, def.Stage)
			default:
				req, ok := seen[def.Requires]
				if !ok {
					return fmt.Errorf("workflow %s: stage %s requires %s, which is not declared before it",
						w.Name, def.Stage, def.Requires)
				}
				if req.Reset && req.Stage != w.home() {
					return fmt.Errorf("workflow %s: stage %s requires reset stage %s, only %s may be required",
						w.Name, def.Stage, def.Requires, w.home())
				}
			}

			if def.Loop != nil {
				if def.Loop.Action == nil || def.Loop.Max < 1 {
					return fmt.Errorf("workflow %s: loop stage %s needs an action and a bound", w.Name, def.Stage)
				}
			} else if def.Action == nil {
				return fmt.Errorf("workflow %s: stage %s has no action", w.Name, def.Stage)
			}
		}

		seen[def.Stage] = def
	}

	if resets == 0 {
		return fmt.Errorf("workflow %s: no reset stage", w.Name)
	}
	return nil
}

// Stage looks up a stage by name.
func (w *Workflow) Stage(name string) (Stage, bool) {
	for _, def := range w.Stages {
		if string(def.Stage) == name {
			return def.Stage, true
		}
	}
	return "", false
}

// StageNames returns the declared stage names in order.
func (w *Workflow) StageNames() []string {
	names := make([]string, 0, len(w.Stages))
	for _, def := range w.Stages {
		names = append(names, string(def.Stage))
	}
	return names
}

// home is the first reset stage. Chains starting from unknown or from another
// reset stage begin there.
func (w *Workflow) home() Stage {
	for _, def := range w.Stages {
		if def.Reset {
			return def.Stage
		}
	}
	return ""
}

func (w *Workflow) def(s Stage) (StageDef, int, bool) {
	for i, def := range w.Stages {
		if def.Stage == s {
			return def, i, true
		}
	}
	return StageDef{}, -1, false
}

// rank orders stages for the forward-only check. Reset stages rank as home.
func (w *Workflow) rank(s Stage) int {
	def, idx, ok := w.def(s)
	if !ok {
		return -1
	}
	if def.Reset {
		_, home, _ := w.def(w.home())
		return home
	}
	return idx
}
