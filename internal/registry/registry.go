// Package registry manages experiment runs on the lab backend. Every run
// record the backend returns is written into the session arena; the backend
// is the only source of a run's status and counts.
package registry

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/internal/params"
	"github.com/sells-group/pu-workbench/internal/session"
	"github.com/sells-group/pu-workbench/pkg/labapi"
)

// Registry is the client-side run registry.
type Registry struct {
	client labapi.Client
	arena  *session.Arena
	log    *zap.Logger
}

// New creates a Registry backed by client, writing into arena.
func New(client labapi.Client, arena *session.Arena) *Registry {
	return &Registry{
		client: client,
		arena:  arena,
		log:    zap.L().With(zap.String("component", "registry")),
	}
}

func validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.FieldValidation("name", "run name must not be empty")
	}
	return name, nil
}

// record writes run into its session and seeds the parameter store from the
// run's saved parameters on first sight.
func (r *Registry) record(run *model.ExperimentRun) {
	s := r.arena.Session(run.ID)
	s.SetRun(run)
	s.Params(func() model.FilterParameters { return run.FilterParameters })
}

// forget drops the session of a run the backend no longer knows.
func (r *Registry) forget(id string, err error) {
	if apperr.IsNotFound(err) {
		r.log.Info("dropping session of missing run", zap.String("run_id", id))
		r.arena.Drop(id)
	}
}

// List returns all runs and prunes sessions of runs that no longer exist.
func (r *Registry) List(ctx context.Context) ([]model.ExperimentRun, error) {
	runs, err := r.client.ListRuns(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "registry: list runs")
	}
	live := make(map[string]bool, len(runs))
	for i := range runs {
		live[runs[i].ID] = true
		r.record(&runs[i])
	}
	if dropped := r.arena.Prune(live); len(dropped) > 0 {
		r.log.Debug("pruned stale sessions", zap.Strings("run_ids", dropped))
	}
	return runs, nil
}

// Create registers a new run in CONFIGURING with zero counts. Nil p uses
// the default parameters.
func (r *Registry) Create(ctx context.Context, name, description string, p *model.FilterParameters) (*model.ExperimentRun, error) {
	name, err := validName(name)
	if err != nil {
		return nil, err
	}
	if p != nil {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	run, err := r.client.CreateRun(ctx, labapi.CreateRunRequest{Name: name, Description: description, FilterParameters: p})
	if err != nil {
		return nil, eris.Wrap(err, "registry: create run")
	}
	r.record(run)
	r.arena.Session(run.ID).Params(model.DefaultFilterParameters).SetBaseline(run.FilterParameters)
	r.log.Info("run created", zap.String("run_id", run.ID), zap.String("name", run.Name))
	return run, nil
}

// Get fetches the authoritative run record.
func (r *Registry) Get(ctx context.Context, id string) (*model.ExperimentRun, error) {
	run, err := r.client.GetRun(ctx, id)
	if err != nil {
		r.forget(id, err)
		return nil, eris.Wrapf(err, "registry: get run %s", id)
	}
	r.record(run)
	return run, nil
}

// Rename changes a run's display name.
func (r *Registry) Rename(ctx context.Context, id, name string) (*model.ExperimentRun, error) {
	name, err := validName(name)
	if err != nil {
		return nil, err
	}
	run, err := r.client.RenameRun(ctx, id, name)
	if err != nil {
		r.forget(id, err)
		return nil, eris.Wrapf(err, "registry: rename run %s", id)
	}
	r.record(run)
	return run, nil
}

// Delete removes a run with its candidates and models.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.client.DeleteRun(ctx, id); err != nil {
		r.forget(id, err)
		return eris.Wrapf(err, "registry: delete run %s", id)
	}
	r.arena.Drop(id)
	r.log.Info("run deleted", zap.String("run_id", id))
	return nil
}

// Parameters fetches the parameters saved for a run.
func (r *Registry) Parameters(ctx context.Context, id string) (*model.FilterParameters, error) {
	p, err := r.client.GetParameters(ctx, id)
	if err != nil {
		r.forget(id, err)
		return nil, eris.Wrapf(err, "registry: get parameters %s", id)
	}
	return p, nil
}

// Store returns the run's parameter store, loading the run first if this
// session has not seen it.
func (r *Registry) Store(ctx context.Context, id string) (*params.Store, error) {
	if s, ok := r.arena.Lookup(id); ok && s.HasParams() {
		return s.Params(model.DefaultFilterParameters), nil
	}
	run, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.arena.Session(run.ID).Params(func() model.FilterParameters { return run.FilterParameters }), nil
}

// SaveParameters persists the store's current parameters as the run's
// saved parameters and moves the baseline to them.
func (r *Registry) SaveParameters(ctx context.Context, id string, store *params.Store) (*model.ExperimentRun, error) {
	if !store.Dirty() {
		return nil, apperr.Validation("no parameters changed to save")
	}
	p := store.Get()
	if err := p.Validate(); err != nil {
		return nil, err
	}

	run, err := r.client.UpdateParameters(ctx, id, p)
	if err != nil {
		r.forget(id, err)
		return nil, eris.Wrapf(err, "registry: save parameters %s", id)
	}
	store.SetBaseline(p)
	r.record(run)
	return run, nil
}

// Refresh re-reads a run and its trained-model count.
func (r *Registry) Refresh(ctx context.Context, id string) (*model.ExperimentRun, int, error) {
	run, err := r.Get(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	models, err := r.client.ListModels(ctx, id)
	if err != nil {
		r.forget(id, err)
		return nil, 0, eris.Wrapf(err, "registry: list models %s", id)
	}
	r.arena.Session(id).Update(func(st *session.State) { st.ModelCount = len(models) })
	return run, len(models), nil
}
