// Package session holds the per-run working state of the workbench: the
// last run record returned by the backend, the parameter store, the current
// generation job and the loaded review page. Components share one Arena and
// observe changes through subscriptions.
package session

import (
	"sync"

	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/internal/params"
)

// State is the mutable per-run state. Values handed out by Snapshot are copies.
type State struct {
	Run        *model.ExperimentRun
	Job        *model.JobProgress
	Queue      *model.QueueState
	ModelCount int
}

func (s State) clone() State {
	if s.Run != nil {
		r := *s.Run
		r.FilterParameters = r.FilterParameters.Clone()
		s.Run = &r
	}
	if s.Job != nil {
		j := *s.Job
		if j.Result != nil {
			res := *j.Result
			j.Result = &res
		}
		s.Job = &j
	}
	if s.Queue != nil {
		q := s.Queue.Clone()
		s.Queue = &q
	}
	return s
}

// Session is the state of one run.
type Session struct {
	runID  string
	notify func(runID string)

	mu       sync.Mutex
	state    State
	params   *params.Store
	inFlight bool
}

// RunID returns the run this session belongs to.
func (s *Session) RunID() string { return s.runID }

// Snapshot returns a copy of the state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Update applies fn to the state under the session lock, then notifies
// subscribers. fn must not block.
func (s *Session) Update(fn func(st *State)) {
	s.mu.Lock()
	fn(&s.state)
	s.mu.Unlock()
	s.notify(s.runID)
}

// SetRun stores the authoritative run record.
func (s *Session) SetRun(run *model.ExperimentRun) {
	cp := *run
	cp.FilterParameters = cp.FilterParameters.Clone()
	s.Update(func(st *State) { st.Run = &cp })
}

// Params returns the run's parameter store, creating it from init on first use.
func (s *Session) Params(init func() model.FilterParameters) *params.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		s.params = params.NewStore(init())
	}
	return s.params
}

// SetParams replaces the parameter store, e.g. when a saved draft is restored.
func (s *Session) SetParams(ps *params.Store) {
	s.mu.Lock()
	s.params = ps
	s.mu.Unlock()
	s.notify(s.runID)
}

// HasParams reports whether a parameter store has been attached.
func (s *Session) HasParams() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params != nil
}

// TryBeginSubmission marks a generation submission in flight. It returns
// false if one already is.
func (s *Session) TryBeginSubmission() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return false
	}
	s.inFlight = true
	return true
}

// EndSubmission clears the in-flight marker.
func (s *Session) EndSubmission() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

// InFlight reports whether a submission is in flight.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Arena maps run ids to sessions. The zero value is not usable; use New.
type Arena struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	subs     map[string]map[int]chan struct{}
	nextSub  int
}

// New returns an empty arena.
func New() *Arena {
	return &Arena{
		sessions: make(map[string]*Session),
		subs:     make(map[string]map[int]chan struct{}),
	}
}

// Session returns the session for runID, creating it if needed.
func (a *Arena) Session(runID string) *Session {
	a.mu.RLock()
	s, ok := a.sessions[runID]
	a.mu.RUnlock()
	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.sessions[runID]; ok {
		return s
	}
	s = &Session{runID: runID, notify: a.publish}
	a.sessions[runID] = s
	return s
}

// Lookup returns the session for runID without creating one.
func (a *Arena) Lookup(runID string) (*Session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[runID]
	return s, ok
}

// Drop removes the session for runID and wakes its subscribers.
func (a *Arena) Drop(runID string) {
	a.mu.Lock()
	_, ok := a.sessions[runID]
	delete(a.sessions, runID)
	a.mu.Unlock()
	if ok {
		a.publish(runID)
	}
}

// Prune drops every session whose run id is not in live.
func (a *Arena) Prune(live map[string]bool) []string {
	a.mu.Lock()
	var dropped []string
	for id := range a.sessions {
		if !live[id] {
			delete(a.sessions, id)
			dropped = append(dropped, id)
		}
	}
	a.mu.Unlock()
	for _, id := range dropped {
		a.publish(id)
	}
	return dropped
}

// RunIDs lists the runs with a session.
func (a *Arena) RunIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe returns a channel that receives a signal after changes to
// runID's session. Signals coalesce: a slow reader sees at most one pending
// signal. The returned func unsubscribes and closes the channel.
func (a *Arena) Subscribe(runID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	if a.subs[runID] == nil {
		a.subs[runID] = make(map[int]chan struct{})
	}
	a.subs[runID][id] = ch
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs[runID], id)
			if len(a.subs[runID]) == 0 {
				delete(a.subs, runID)
			}
			a.mu.Unlock()
			close(ch)
		})
	}
}

func (a *Arena) publish(runID string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, ch := range a.subs[runID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
