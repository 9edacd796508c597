// Package syncer drives a replicated document over a connection: the handshake that brings two replicas level and
// the steady-state exchange of updates afterwards. The client and server variants differ only in how they start and
// in who may write.
package syncer

import (
	"sync"
)

// syncState is the synced flag of one adapter together with its subscribers.
type syncState struct {
	mu       sync.Mutex
	synced   bool
	nextID   int
	onSync   map[int]func()
	onDesync map[int]func()
}

func newSyncState(synced bool) *syncState {
	return &syncState{
		synced:   synced,
		onSync:   make(map[int]func()),
		onDesync: make(map[int]func()),
	}
}

func (s *syncState) IsSynced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

// set flips the flag and notifies subscribers if it changed.
func (s *syncState) set(v bool) {
	s.mu.Lock()
	if s.synced == v {
		s.mu.Unlock()
		return
	}
	s.synced = v
	src := s.onDesync
	if v {
		src = s.onSync
	}
	fns := make([]func(), 0, len(src))
	for _, fn := range src {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// OnSynced registers fn for the transition to synced. If already synced, fn is called right away.
func (s *syncState) OnSynced(fn func()) (unbind func()) {
	unbind, now := s.add(s.onSync, fn, true)
	if now {
		fn()
	}
	return unbind
}

// OnDesynced registers fn for the transition back to unsynced.
func (s *syncState) OnDesynced(fn func()) (unbind func()) {
	unbind, _ = s.add(s.onDesync, fn, false)
	return unbind
}

func (s *syncState) add(into map[int]func(), fn func(), when bool) (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	into[id] = fn
	return func() {
		s.mu.Lock()
		delete(into, id)
		s.mu.Unlock()
	}, s.synced == when
}
