package exitwatch

import (
	"sort"
	"time"
)

// AlertEntry tracks a critical process that exited while auto-restart was
// disabled.
type AlertEntry struct {
	LastAlerted time.Duration
	DeadMinutes uint64
}

// HeartbeatEntry tracks the last heartbeat of a watched process.
type HeartbeatEntry struct {
	LastSeen time.Duration
}

// State holds the alerting and heartbeat entries. It is owned by the listener
// loop and is not safe for concurrent use.
type State struct {
	alerting   map[string]*AlertEntry
	heartbeats map[string]*HeartbeatEntry
}

// NewState creates an empty State.
func NewState() *State {
	return &State{
		alerting:   make(map[string]*AlertEntry),
		heartbeats: make(map[string]*HeartbeatEntry),
	}
}

// Raise puts the process under alerting as of now. An existing entry for the
// process is replaced, so its dead minutes start over.
func (s *State) Raise(process string, now time.Duration) {
	s.alerting[process] = &AlertEntry{LastAlerted: now}
}

// Clear removes the process from alerting. It returns true if the process was
// under alerting.
func (s *State) Clear(process string) bool {
	_, ok := s.alerting[process]
	delete(s.alerting, process)
	return ok
}

// Alerting returns a copy of the process' alert entry.
func (s *State) Alerting(process string) (AlertEntry, bool) {
	e, ok := s.alerting[process]
	if !ok {
		return AlertEntry{}, false
	}
	return *e, true
}

// AlertingCount returns the number of processes under alerting.
func (s *State) AlertingCount() int { return len(s.alerting) }

// Beat records a heartbeat of the process at now. A heartbeat older than the
// recorded one is ignored.
func (s *State) Beat(process string, now time.Duration) {
	if e, ok := s.heartbeats[process]; ok {
		if now > e.LastSeen {
			e.LastSeen = now
		}
		return
	}
	s.heartbeats[process] = &HeartbeatEntry{LastSeen: now}
}

// Heartbeat returns a copy of the process' heartbeat entry.
func (s *State) Heartbeat(process string) (HeartbeatEntry, bool) {
	e, ok := s.heartbeats[process]
	if !ok {
		return HeartbeatEntry{}, false
	}
	return *e, true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
