package orchestrator

import (
	"sync"
	"time"
)

// State of one table within the current run.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateError   State = "error"
)

type (
	// TableState is the reported state of one RAW or gold table.
	TableState struct {
		Name    string `json:"name"`
		State   State  `json:"state"`
		Message string `json:"message,omitempty"`
	}

	// Snapshot is a point-in-time copy of a run's state, shaped for the
	// status endpoint.
	Snapshot struct {
		RunID     string       `json:"runId"`
		StartedAt time.Time    `json:"startedAt"`
		Workers   int          `json:"workers"`
		Raw       []TableState `json:"raw"`
		Gold      []TableState `json:"gold"`
	}

	// Tracker keeps per-table run state. Safe for concurrent use; job
	// goroutines write while the status server reads.
	Tracker struct {
		mut       sync.Mutex
		runID     string
		startedAt time.Time
		workers   int
		raw       map[string]*TableState
		rawOrder  []string
		gold      map[string]*TableState
		goldOrder []string
	}
)

func newTracker(runID string, workers int) *Tracker {
	return &Tracker{
		runID:   runID,
		workers: workers,
		raw:     map[string]*TableState{},
		gold:    map[string]*TableState{},
	}
}

func (t *Tracker) start(at time.Time) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.startedAt = at
}

func (t *Tracker) addRaw(name string) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.raw[name] = &TableState{Name: name, State: StatePending}
	t.rawOrder = append(t.rawOrder, name)
}

func (t *Tracker) addGold(name string) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.gold[name] = &TableState{Name: name, State: StatePending}
	t.goldOrder = append(t.goldOrder, name)
}

func (t *Tracker) setRaw(name string, state State, message string) {
	t.mut.Lock()
	defer t.mut.Unlock()
	if s := t.raw[name]; s != nil {
		s.State = state
		s.Message = message
	}
}

func (t *Tracker) setGold(name string, state State, message string) {
	t.mut.Lock()
	defer t.mut.Unlock()
	if s := t.gold[name]; s != nil {
		s.State = state
		s.Message = message
	}
}

// Snapshot copies the current state, tables in catalog order.
func (t *Tracker) Snapshot() Snapshot {
	t.mut.Lock()
	defer t.mut.Unlock()
	snap := Snapshot{
		RunID:     t.runID,
		StartedAt: t.startedAt,
		Workers:   t.workers,
		Raw:       make([]TableState, 0, len(t.rawOrder)),
		Gold:      make([]TableState, 0, len(t.goldOrder)),
	}
	for _, name := range t.rawOrder {
		snap.Raw = append(snap.Raw, *t.raw[name])
	}
	for _, name := range t.goldOrder {
		snap.Gold = append(snap.Gold, *t.gold[name])
	}
	return snap
}
