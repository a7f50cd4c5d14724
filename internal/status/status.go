// Package status holds the per-target runtime state the dashboard reads and
// the bounded deploy history.
package status

import (
	"sync"
	"time"
)

// State values for a target's last pass.
const (
	StatusUnknown  = "UNKNOWN"
	StatusOK       = "OK"
	StatusNoChange = "NO_CHANGE"
	StatusError    = "ERROR"
)

// TargetState is the mutable runtime state of one target. It is owned by
// the scheduler/reconciler; everyone else sees copies.
type TargetState struct {
	Name                string    `json:"name"`
	LastCommit          string    `json:"last_commit,omitempty"`
	LastDeployTime      time.Time `json:"last_deploy_time,omitzero"`
	LastRunTime         time.Time `json:"last_run_time,omitzero"`
	LastDurationSeconds float64   `json:"last_duration_seconds,omitempty"`
	LastStatus          string    `json:"last_status"`
	LastError           string    `json:"last_error,omitempty"`
}

// Store holds the latest state per target, keyed by name, in config order.
type Store struct {
	mu     sync.Mutex
	order  []string
	states map[string]*TargetState
}

// NewStore creates a store with one UNKNOWN entry per target name.
func NewStore(names []string) *Store {
	s := &Store{
		order:  make([]string, 0, len(names)),
		states: make(map[string]*TargetState, len(names)),
	}
	for _, name := range names {
		if _, ok := s.states[name]; ok {
			continue
		}
		s.order = append(s.order, name)
		s.states[name] = &TargetState{Name: name, LastStatus: StatusUnknown}
	}
	return s
}

// Get returns a copy of the named target's state.
func (s *Store) Get(name string) (TargetState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	if !ok {
		return TargetState{}, false
	}
	return *st, true
}

// All returns copies of every target state in configured order.
func (s *Store) All() []TargetState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TargetState, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, *s.states[name])
	}
	return out
}

// Update applies fn to the named target's state under the store lock.
// Unknown names are ignored.
func (s *Store) Update(name string, fn func(*TargetState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[name]; ok {
		fn(st)
	}
}

// DeployRecord is one successful deployment, immutable once appended.
type DeployRecord struct {
	Target          string    `json:"target"`
	Commit          string    `json:"commit"`
	Author          string    `json:"author"`
	Files           []string  `json:"files"`
	DurationSeconds float64   `json:"duration_seconds"`
	Timestamp       time.Time `json:"timestamp"`
}

// DefaultHistoryCapacity bounds the deploy history ring.
const DefaultHistoryCapacity = 200

// History is a bounded ring of deploy records; appending beyond capacity
// evicts the oldest.
type History struct {
	mu      sync.Mutex
	cap     int
	records []DeployRecord
}

// NewHistory creates a history ring. A non-positive capacity uses the
// default.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{cap: capacity}
}

// Append adds a record, evicting the oldest when full.
func (h *History) Append(rec DeployRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	if len(h.records) > h.cap {
		h.records = h.records[len(h.records)-h.cap:]
	}
}

// List returns all records in chronological order.
func (h *History) List() []DeployRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]DeployRecord, len(h.records))
	copy(out, h.records)
	return out
}
