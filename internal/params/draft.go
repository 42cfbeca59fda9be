package params

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pu-workbench/internal/model"
)

// Draft is the on-disk form of a Store between CLI invocations.
type Draft struct {
	RunID    string                 `yaml:"run_id"`
	SavedAt  time.Time              `yaml:"saved_at"`
	Current  model.FilterParameters `yaml:"current"`
	Baseline model.FilterParameters `yaml:"baseline"`
}

// Store rebuilds an in-memory Store from the draft.
func (d *Draft) Store() *Store {
	return &Store{current: d.Current.Clone(), baseline: d.Baseline.Clone()}
}

// DraftStore persists drafts as YAML files, one per run, under dir. Writes
// take an exclusive file lock and replace the file atomically.
type DraftStore struct {
	dir        string
	retryDelay time.Duration
}

// NewDraftStore returns a DraftStore rooted at <stateDir>/drafts.
func NewDraftStore(stateDir string) *DraftStore {
	return &DraftStore{dir: filepath.Join(stateDir, "drafts"), retryDelay: 50 * time.Millisecond}
}

func (ds *DraftStore) path(runID string) string {
	return filepath.Join(ds.dir, runID+".yaml")
}

func (ds *DraftStore) lock(ctx context.Context, runID string) (*flock.Flock, error) {
	if err := os.MkdirAll(ds.dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "params: create draft dir")
	}
	fl := flock.New(ds.path(runID) + ".lock")
	ok, err := fl.TryLockContext(ctx, ds.retryDelay)
	if err != nil {
		return nil, eris.Wrapf(err, "params: lock draft %s", runID)
	}
	if !ok {
		return nil, eris.Errorf("params: draft %s is locked", runID)
	}
	return fl, nil
}

// Save writes the store's current and baseline values for runID.
func (ds *DraftStore) Save(ctx context.Context, runID string, s *Store) error {
	fl, err := ds.lock(ctx, runID)
	if err != nil {
		return err
	}
	defer fl.Unlock() //nolint:errcheck

	d := Draft{RunID: runID, SavedAt: time.Now().UTC(), Current: s.Get(), Baseline: s.Baseline()}
	data, err := yaml.Marshal(&d)
	if err != nil {
		return eris.Wrap(err, "params: marshal draft")
	}

	tmp, err := os.CreateTemp(ds.dir, runID+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "params: create temp draft")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "params: write draft")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "params: close draft")
	}
	if err := os.Rename(tmp.Name(), ds.path(runID)); err != nil {
		return eris.Wrap(err, "params: replace draft")
	}
	return nil
}

// Load reads the draft for runID. It returns (nil, nil) when none exists.
func (ds *DraftStore) Load(runID string) (*Draft, error) {
	data, err := os.ReadFile(ds.path(runID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "params: read draft %s", runID)
	}
	var d Draft
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, eris.Wrapf(err, "params: parse draft %s", runID)
	}
	return &d, nil
}

// Delete removes the draft for runID. A missing draft is not an error.
func (ds *DraftStore) Delete(ctx context.Context, runID string) error {
	fl, err := ds.lock(ctx, runID)
	if err != nil {
		return err
	}
	defer fl.Unlock() //nolint:errcheck

	if err := os.Remove(ds.path(runID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return eris.Wrapf(err, "params: delete draft %s", runID)
	}
	_ = os.Remove(ds.path(runID) + ".lock")
	return nil
}
