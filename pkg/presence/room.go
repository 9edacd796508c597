// Package presence tracks who is looking at a note: display name, a colour slot, cursor and whether the tab is
// active. Room is the authoritative in-memory view per note; RedisMirror publishes it for other services.
package presence

import (
	"sort"
	"sync"

	"github.com/astromechza/notesync/pkg/wire"
)

// Member is one connection's presence inside a room.
type Member struct {
	ConnectionID string       `json:"connectionId"`
	DisplayName  string       `json:"displayName"`
	StyleIndex   int          `json:"styleIndex"`
	Cursor       *wire.Cursor `json:"cursor,omitempty"`
	Active       bool         `json:"active"`
}

func (m Member) wire() wire.PresenceUser {
	u := wire.PresenceUser{DisplayName: m.DisplayName, StyleIndex: m.StyleIndex, Active: m.Active}
	if m.Cursor != nil {
		c := *m.Cursor
		u.Cursor = &c
	}
	return u
}

// Room holds the members of one note. Style indexes are handed out lowest-free-first so colours stay stable for
// people who stay while others come and go.
type Room struct {
	mu      sync.Mutex
	members map[string]*Member
}

func NewRoom() *Room {
	return &Room{members: make(map[string]*Member)}
}

// Join adds a member and returns its state. Joining twice keeps the existing entry.
func (r *Room) Join(connectionID, displayName string) Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[connectionID]; ok {
		return *m
	}
	used := make(map[int]bool, len(r.members))
	for _, m := range r.members {
		used[m.StyleIndex] = true
	}
	idx := 0
	for used[idx] {
		idx++
	}
	m := &Member{ConnectionID: connectionID, DisplayName: displayName, StyleIndex: idx, Active: true}
	r.members[connectionID] = m
	return *m
}

// Leave removes a member and reports whether it was present.
func (r *Room) Leave(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[connectionID]; !ok {
		return false
	}
	delete(r.members, connectionID)
	return true
}

func (r *Room) SetCursor(connectionID string, c wire.Cursor) (Member, bool) {
	return r.update(connectionID, func(m *Member) { m.Cursor = &c })
}

func (r *Room) SetActive(connectionID string, active bool) (Member, bool) {
	return r.update(connectionID, func(m *Member) { m.Active = active })
}

func (r *Room) update(connectionID string, fn func(*Member)) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[connectionID]
	if !ok {
		return Member{}, false
	}
	fn(m)
	return *m, true
}

// Members lists everyone, ordered by style index.
func (r *Room) Members() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StyleIndex < out[j].StyleIndex })
	return out
}

// SetFor builds the PRESENCE_SET a given connection should see: every member except itself.
func (r *Room) SetFor(connectionID string) wire.PresenceSet {
	members := r.Members()
	users := make([]wire.PresenceUser, 0, len(members))
	for _, m := range members {
		if m.ConnectionID != connectionID {
			users = append(users, m.wire())
		}
	}
	return wire.PresenceSet{Users: users}
}

func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
