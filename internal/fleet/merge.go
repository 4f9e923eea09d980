package fleet

import (
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-evok/internal/evok"
)

// stateTable is one device's canonical circuit state, keyed by circuit
// ID. Exactly one CircuitState exists per circuit; updates mutate in
// place.
//
// Thread Safety: all methods are safe for concurrent use.
type stateTable struct {
	mu     sync.RWMutex
	states map[string]evok.CircuitState
}

func newStateTable() *stateTable {
	return &stateTable{states: make(map[string]evok.CircuitState)}
}

// apply attempts to merge an update carrying an ordering token.
//
// The update is accepted only when its token is strictly newer than the
// circuit's version_seen; on acceptance the value, source and
// last-updated stamp are replaced and version_seen advances to the
// token. A rejected update has zero side effects. version_seen never
// decreases.
//
// Returns the merged state and true on acceptance.
func (t *stateTable) apply(s evok.CircuitState, token uint64, source evok.StateSource, now time.Time) (evok.CircuitState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.states[s.CircuitID]; ok && token <= cur.VersionSeen {
		return evok.CircuitState{}, false
	}

	s.Source = source
	s.VersionSeen = token
	s.LastUpdated = now
	t.states[s.CircuitID] = s
	return s, true
}

// get returns the state for a circuit.
func (t *stateTable) get(circuitID string) (evok.CircuitState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[circuitID]
	return s, ok
}

// snapshot returns all states ordered by circuit ID.
func (t *stateTable) snapshot() []evok.CircuitState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	states := make([]evok.CircuitState, 0, len(t.states))
	for _, s := range t.states {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].CircuitID < states[j].CircuitID
	})
	return states
}

// size returns the number of known circuits.
func (t *stateTable) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}
