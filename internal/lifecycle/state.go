// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lifecycle

import "sync"

// State is the lifecycle state of one plugin id.
type State string

// Lifecycle states. Create goes ABSENT -> STAGING -> ACTIVE, update
// ACTIVE -> BACKED_UP -> STAGING -> ACTIVE, delete ACTIVE -> BACKED_UP -> ABSENT.
const (
	StateAbsent   State = "ABSENT"
	StateStaging  State = "STAGING"
	StateActive   State = "ACTIVE"
	StateBackedUp State = "BACKED_UP"
)

// states tracks per-id state in memory. Ids without an entry are ABSENT.
type states struct {
	mu sync.RWMutex
	m  map[string]State
}

func newStates() *states {
	return &states{m: make(map[string]State)}
}

func (s *states) get(id string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.m[id]; ok {
		return st
	}
	return StateAbsent
}

func (s *states) set(id string, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st == StateAbsent {
		delete(s.m, id)
		return
	}
	s.m[id] = st
}
