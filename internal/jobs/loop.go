package jobs

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/internal/session"
)

// transitions lists the legal moves of the poll loop.
var transitions = map[model.JobState][]model.JobState{
	model.JobPending: {model.JobPending, model.JobRunning, model.JobCompleted, model.JobFailed, model.JobTimedOut, model.JobAbandoned},
	model.JobRunning: {model.JobPending, model.JobRunning, model.JobCompleted, model.JobFailed, model.JobTimedOut, model.JobAbandoned},
}

func canMove(from, to model.JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// loop drives one job from submission to a terminal state.
type loop struct {
	o        *Orchestrator
	sess     *session.Session
	progress model.JobProgress
}

func (l *loop) publish() {
	p := l.progress
	l.sess.Update(func(st *session.State) { st.Job = &p })
}

// move records a state change. Moves out of a terminal state are ignored.
func (l *loop) move(to model.JobState) {
	if !canMove(l.progress.State, to) {
		l.o.log.Warn("ignoring job transition",
			zap.String("run_id", l.progress.RunID),
			zap.String("from", string(l.progress.State)),
			zap.String("to", string(to)),
		)
		return
	}
	l.progress.State = to
	if to.Terminal() {
		l.progress.FinishedAt = l.o.now()
	}
	l.publish()
}

func (l *loop) fail(to model.JobState, err error) error {
	l.progress.Err = err.Error()
	l.move(to)
	return err
}

func (l *loop) run(ctx context.Context, req model.GenerationRequest) error {
	runID := l.progress.RunID
	ack, err := l.o.client.SubmitGeneration(ctx, runID, req)
	if err != nil {
		if ctx.Err() != nil {
			return l.fail(model.JobAbandoned, eris.Wrap(ctx.Err(), "jobs: submit abandoned"))
		}
		return l.fail(model.JobFailed, eris.Wrapf(err, "jobs: submit %s generation", req.Mode))
	}

	if ack.Synchronous() {
		l.progress.Result = ack.Result
		l.move(model.JobCompleted)
		l.o.log.Info("generation finished inline", zap.String("run_id", runID), zap.String("mode", string(req.Mode)))
		return nil
	}

	l.progress.TaskID = ack.TaskID
	l.publish()
	l.o.log.Info("generation submitted",
		zap.String("run_id", runID),
		zap.String("task_id", ack.TaskID),
		zap.String("mode", string(req.Mode)),
	)
	return l.poll(ctx)
}

// poll checks the task once per tick. Every tick costs one attempt whether
// the check succeeds or not, and nothing is called after the last attempt.
func (l *loop) poll(ctx context.Context) error {
	taskID := l.progress.TaskID
	ticker := l.o.newTicker(l.o.interval)
	defer ticker.Stop()

	var lastErr error
	for l.progress.Attempts < l.progress.MaxAttempts {
		select {
		case <-ctx.Done():
			return l.fail(model.JobAbandoned, eris.Wrapf(ctx.Err(), "jobs: polling task %s abandoned", taskID))
		case <-ticker.C():
		}

		l.progress.Attempts++
		task, err := l.o.client.GetTask(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return l.fail(model.JobAbandoned, eris.Wrapf(ctx.Err(), "jobs: polling task %s abandoned", taskID))
			}
			lastErr = err
			l.o.log.Warn("task status check failed",
				zap.String("task_id", taskID),
				zap.Int("attempt", l.progress.Attempts),
				zap.Error(err),
			)
			if apperr.IsNotFound(err) {
				return l.fail(model.JobFailed, eris.Wrapf(err, "jobs: task %s disappeared", taskID))
			}
			l.publish()
			continue
		}

		switch task.Status {
		case model.TaskCompleted:
			l.progress.Result = task.Result
			l.move(model.JobCompleted)
			return nil
		case model.TaskFailed:
			msg := task.Error
			if msg == "" {
				msg = "no reason given"
			}
			return l.fail(model.JobFailed, eris.Wrapf(ErrGenerationFailed, "task %s: %s", taskID, msg))
		default:
			l.move(model.JobStateFor(task.Status))
		}
	}

	timeout := &apperr.TimeoutError{TaskID: taskID, Attempts: l.progress.Attempts}
	if lastErr != nil {
		l.o.log.Warn("last status check before timeout failed", zap.String("task_id", taskID), zap.Error(lastErr))
	}
	return l.fail(model.JobTimedOut, timeout)
}
