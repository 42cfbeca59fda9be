// Package params tracks the filter parameters being edited for a run against
// the last saved baseline and reports which fields differ.
package params

import (
	"sync"

	"github.com/sells-group/pu-workbench/internal/model"
)

// Change is one field whose current value differs from the baseline.
type Change struct {
	Field string `json:"field"`
	Label string `json:"label"`
	From  any    `json:"from"`
	To    any    `json:"to"`
}

// Store holds the current and baseline parameters of one run. The diff is
// advisory: nothing prevents acting on a dirty store.
type Store struct {
	mu       sync.RWMutex
	current  model.FilterParameters
	baseline model.FilterParameters
}

// NewStore returns a clean store whose current value and baseline are p.
func NewStore(p model.FilterParameters) *Store {
	return &Store{current: p.Clone(), baseline: p.Clone()}
}

// Get returns a copy of the current parameters.
func (s *Store) Get() model.FilterParameters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Baseline returns a copy of the baseline.
func (s *Store) Baseline() model.FilterParameters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseline.Clone()
}

// Set replaces one field and returns the new full value.
func (s *Store) Set(name string, value any) (model.FilterParameters, error) {
	f, ok := lookup(name)
	if !ok {
		return model.FilterParameters{}, unknownField(name)
	}
	v, err := f.coerce(value)
	if err != nil {
		return model.FilterParameters{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f.set(&s.current, v)
	return s.current.Clone(), nil
}

// Replace overwrites the current value, keeping the baseline.
func (s *Store) Replace(p model.FilterParameters) {
	s.mu.Lock()
	s.current = p.Clone()
	s.mu.Unlock()
}

// SetBaseline records p as the saved state and adopts it as the current
// value, so Diff is empty afterwards.
func (s *Store) SetBaseline(p model.FilterParameters) {
	s.mu.Lock()
	s.baseline = p.Clone()
	s.current = p.Clone()
	s.mu.Unlock()
}

// Reset discards edits, restoring current to the baseline.
func (s *Store) Reset() model.FilterParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = s.baseline.Clone()
	return s.current.Clone()
}

// Diff lists changed fields in field-table order.
func (s *Store) Diff() []Change {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Diff(s.baseline, s.current)
}

// Dirty reports whether any field differs from the baseline.
func (s *Store) Dirty() bool {
	return len(s.Diff()) > 0
}

// Diff compares two parameter sets field by field. Instants compare by
// time.Time.Equal and dataset selections as sets.
func Diff(from, to model.FilterParameters) []Change {
	var changes []Change
	for _, f := range fields {
		a, b := f.get(&from), f.get(&to)
		if f.equal(a, b) {
			continue
		}
		changes = append(changes, Change{Field: f.name, Label: f.label, From: a, To: b})
	}
	return changes
}
