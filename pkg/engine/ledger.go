package engine

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/fpgalab/bringup/pkg/errors"
)

// ledger records the last good stage. Its events are derived from the stage table so
// it only accepts moves the table allows.
type ledger struct {
	fsm *fsm.FSM
}

func reachEvent(s Stage) string { return "reach_" + string(s) }

func newLedger(w *Workflow) *ledger {
	all := w.StageNames()

	events := make(fsm.Events, 0, len(w.Stages))
	for _, def := range w.Stages[1:] {
		src := []string{string(def.Requires)}
		if def.Reset {
			src = all
		}
		events = append(events, fsm.EventDesc{Name: reachEvent(def.Stage), Src: src, Dst: string(def.Stage)})
	}

	return &ledger{fsm: fsm.NewFSM(string(Unknown), events, fsm.Callbacks{})}
}

func (l *ledger) current() Stage { return Stage(l.fsm.Current()) }

// advance moves the ledger to s. Re-entering the current stage is a no-op.
func (l *ledger) advance(ctx context.Context, s Stage) error {
	if l.current() == s {
		return nil
	}
	if err := l.fsm.Event(ctx, reachEvent(s)); err != nil {
		return errors.Wrap(err, "record stage "+string(s))
	}
	return nil
}
