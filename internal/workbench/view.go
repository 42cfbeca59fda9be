package workbench

import (
	"context"

	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/internal/params"
	"github.com/sells-group/pu-workbench/internal/stagegate"
)

// View is a read-only snapshot of everything shown for one run.
type View struct {
	Run        *model.ExperimentRun `json:"run,omitempty"`
	Diff       []params.Change      `json:"diff"`
	Job        *model.JobProgress   `json:"job,omitempty"`
	Queue      *model.QueueState    `json:"queue,omitempty"`
	Stages     stagegate.Flags      `json:"stages"`
	ModelCount int                  `json:"model_count"`
	InFlight   bool                 `json:"in_flight"`
}

// View returns the current view of runID. ok is false when this process has
// no state for the run.
func (w *Workbench) View(runID string) (View, bool) {
	s, ok := w.Arena.Lookup(runID)
	if !ok {
		return View{}, false
	}
	st := s.Snapshot()
	v := View{
		Run:        st.Run,
		Job:        st.Job,
		Queue:      st.Queue,
		Stages:     stagegate.Evaluate(st.Run, st.ModelCount),
		ModelCount: st.ModelCount,
		InFlight:   s.InFlight(),
	}
	if s.HasParams() {
		v.Diff = s.Params(model.DefaultFilterParameters).Diff()
	}
	return v, true
}

// Watch streams views of runID until ctx is done. The current view is sent
// first. Changes coalesce: a slow reader receives the latest view, never a
// backlog.
func (w *Workbench) Watch(ctx context.Context, runID string) <-chan View {
	signals, cancel := w.Arena.Subscribe(runID)
	out := make(chan View, 1)

	go func() {
		defer close(out)
		defer cancel()

		send := func() {
			v, ok := w.View(runID)
			if !ok {
				return
			}
			select {
			case <-out:
			default:
			}
			out <- v
		}

		send()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					return
				}
				send()
			}
		}
	}()
	return out
}
