// Package swim implements the membership protocol of spec.md §4.5: a
// ping/indirect-ping/suspicion state machine gated by incarnation numbers,
// with gossip piggybacked on sync traffic.
package swim

import (
	"sync"

	"github.com/inkwell-sync/vaultsync/internal/peerid"
)

// State is a member's position in the Alive -> Suspect -> Dead -> Removed
// state machine (spec.md §4.5).
type State int

const (
	Alive State = iota
	Suspect
	Dead
	Removed
)

func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Dead:
		return "dead"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Member is one tracked peer's membership record.
type Member struct {
	ID          peerid.PeerId
	Address     string
	State       State
	Incarnation uint64
}

// List is the thread-safe membership table, keyed by PeerId. All SWIM
// transitions go through it (spec.md §5 "MembershipList ... all SWIM
// transitions go through it").
type List struct {
	mu      sync.RWMutex
	members map[peerid.PeerId]*Member
}

// NewList returns an empty membership table.
func NewList() *List {
	return &List{members: make(map[peerid.PeerId]*Member)}
}

// Upsert adds or replaces a member wholesale — used only for local
// bootstrap (e.g. a configured seed peer); runtime transitions go through
// the gated Observe* methods.
func (l *List) Upsert(m Member) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := m
	l.members[m.ID] = &cp
}

// Get returns a copy of the member record for id.
func (l *List) Get(id peerid.PeerId) (Member, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.members[id]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// AliveMembers returns a snapshot of every currently Alive member.
func (l *List) AliveMembers() []Member {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Member
	for _, m := range l.members {
		if m.State == Alive {
			out = append(out, *m)
		}
	}
	return out
}

// All returns a snapshot of every tracked member.
func (l *List) All() []Member {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Member, 0, len(l.members))
	for _, m := range l.members {
		out = append(out, *m)
	}
	return out
}

// ObserveSuspect marks an Alive member Suspect when incarnation is equal to
// or newer than the one on record; a stale incarnation, or a member that is
// not currently Alive, is left unchanged.
func (l *List) ObserveSuspect(id peerid.PeerId, incarnation uint64) (changed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.members[id]
	if !ok || m.State != Alive || incarnation < m.Incarnation {
		return false
	}
	m.State = Suspect
	m.Incarnation = incarnation
	return true
}

// ObserveDead transitions a Suspect member to Dead after its suspicion
// timeout elapses.
func (l *List) ObserveDead(id peerid.PeerId) (changed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.members[id]
	if !ok || m.State != Suspect {
		return false
	}
	m.State = Dead
	return true
}

// ObserveAlive resurrects or confirms a member as Alive if incarnation is
// newer than what's on record, or if the member doesn't yet exist. Gossip
// with equal or lower incarnation can never downgrade a local Alive
// observation (spec.md §4.5).
func (l *List) ObserveAlive(id peerid.PeerId, address string, incarnation uint64) (changed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.members[id]
	if !ok {
		l.members[id] = &Member{ID: id, Address: address, State: Alive, Incarnation: incarnation}
		return true
	}
	if m.State == Removed {
		return false
	}
	if incarnation > m.Incarnation {
		m.State = Alive
		m.Incarnation = incarnation
		if address != "" {
			m.Address = address
		}
		return true
	}
	return false
}

// Remove transitions a Dead member to Removed. The Engine never calls it;
// no gc grace timer exists in this package, so Dead members stay Dead.
func (l *List) Remove(id peerid.PeerId) (changed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.members[id]
	if !ok || m.State != Dead {
		return false
	}
	m.State = Removed
	return true
}
