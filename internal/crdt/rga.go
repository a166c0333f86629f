package crdt

import (
	"sort"
	"strings"
	"sync"

	"github.com/inkwell-sync/vaultsync/internal/peerid"
)

// ElemID identifies one character insertion: the peer that created it and
// that peer's local op counter at the time. It doubles as the CRDT's causal
// identifier for that operation.
type ElemID struct {
	Peer    peerid.PeerId
	Counter uint64
}

var rootID = ElemID{}

func (id ElemID) less(other ElemID) bool {
	if id.Counter != other.Counter {
		return id.Counter < other.Counter
	}
	return id.Peer < other.Peer
}

type element struct {
	id        ElemID
	after     ElemID
	value     rune
	tombstone bool
}

// InsertOp and DeleteOp are the two operations RGA exports/imports; they are
// the payload carried inside a DocumentUpdate's binary delta (spec.md §4.4).
type InsertOp struct {
	ID    ElemID
	After ElemID
	Value rune
}

type DeleteOp struct {
	ID     ElemID // the delete's own identity, for idempotence bookkeeping
	Target ElemID
}

// RGA is a replicated growable array: a character-level sequence CRDT
// supporting concurrent insert/delete that converges regardless of
// application order (spec.md §4.1 "body is a sequence CRDT with
// character-level concurrency").
type RGA struct {
	mu       sync.RWMutex
	elems    map[ElemID]*element
	children map[ElemID][]ElemID      // sorted descending by id, per spec's RGA tie-break rule
	deletes  map[ElemID]DeleteOp      // delete op ids already applied, for idempotence and export
	vv       VersionVector
}

// NewRGA returns an empty sequence.
func NewRGA() *RGA {
	return &RGA{
		elems:    make(map[ElemID]*element),
		children: make(map[ElemID][]ElemID),
		deletes:  make(map[ElemID]DeleteOp),
		vv:       VersionVector{},
	}
}

// NewRGAFromString seeds a sequence with initial text, all inserted by self
// with counters following startCounter; returns the last counter used
// (startCounter itself when s is empty).
func NewRGAFromString(s string, self peerid.PeerId, startCounter uint64) (*RGA, uint64) {
	r := NewRGA()
	after := rootID
	counter := startCounter
	for _, ch := range s {
		counter++
		id := ElemID{Peer: self, Counter: counter}
		r.applyInsertLocked(InsertOp{ID: id, After: after, Value: ch})
		after = id
	}
	return r, counter
}

func (r *RGA) insertChildLocked(parent, child ElemID) {
	siblings := r.children[parent]
	i := sort.Search(len(siblings), func(i int) bool { return siblings[i].less(child) })
	siblings = append(siblings, ElemID{})
	copy(siblings[i+1:], siblings[i:])
	siblings[i] = child
	r.children[parent] = siblings
}

func (r *RGA) applyInsertLocked(op InsertOp) bool {
	if _, exists := r.elems[op.ID]; exists {
		return false // idempotent: already applied
	}
	r.elems[op.ID] = &element{id: op.ID, after: op.After, value: op.Value}
	r.insertChildLocked(op.After, op.ID)
	r.vv.Observe(op.ID.Peer, op.ID.Counter)
	return true
}

func (r *RGA) applyDeleteLocked(op DeleteOp) bool {
	if _, ok := r.deletes[op.ID]; ok {
		return false
	}
	r.deletes[op.ID] = op
	if e, ok := r.elems[op.Target]; ok {
		e.tombstone = true
	}
	r.vv.Observe(op.ID.Peer, op.ID.Counter)
	return true
}

// LocalInsert inserts value after the element identified by after (use the
// zero ElemID to insert at the start) as a new local op, and returns its id.
func (r *RGA) LocalInsert(after ElemID, value rune, self peerid.PeerId, counter uint64) ElemID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := ElemID{Peer: self, Counter: counter}
	r.applyInsertLocked(InsertOp{ID: id, After: after, Value: value})
	return id
}

// LocalDelete tombstones target as a new local delete op.
func (r *RGA) LocalDelete(target ElemID, self peerid.PeerId, counter uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyDeleteLocked(DeleteOp{ID: ElemID{Peer: self, Counter: counter}, Target: target})
}

// ApplyInsert merges a remote insert op. Idempotent.
func (r *RGA) ApplyInsert(op InsertOp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyInsertLocked(op)
}

// ApplyDelete merges a remote delete op. Idempotent.
func (r *RGA) ApplyDelete(op DeleteOp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyDeleteLocked(op)
}

// Text walks the sequence in RGA order, skipping tombstones, and returns the
// current body text.
func (r *RGA) Text() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	r.walk(rootID, &b)
	return b.String()
}

func (r *RGA) walk(parent ElemID, b *strings.Builder) {
	for _, childID := range r.children[parent] {
		e := r.elems[childID]
		if !e.tombstone {
			b.WriteRune(e.value)
		}
		r.walk(childID, b)
	}
}

// IDs returns every live (non-tombstoned) element id in sequence order, for
// callers that need to address a position for a new local insert/delete.
func (r *RGA) IDs() []ElemID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.liveIDsLocked()
}

func (r *RGA) liveIDsLocked() []ElemID {
	var out []ElemID
	var walk func(ElemID)
	walk = func(parent ElemID) {
		for _, childID := range r.children[parent] {
			if e := r.elems[childID]; !e.tombstone {
				out = append(out, childID)
			}
			walk(childID)
		}
	}
	walk(rootID)
	return out
}

// ReconcileText merges newText into the sequence as a run of fresh local
// insert/delete ops diffed against the current live text, rather than
// replacing it wholesale. A second document re-parsed from the same text
// would mint colliding element ids (same peer, counters restarted at 1),
// which applyInsertLocked/applyDeleteLocked's idempotence-by-id would then
// silently drop; diffing against the live sequence and minting ops from a
// counter the caller guarantees is unused avoids that collision entirely.
// Returns the last counter used (counter itself when nothing changed).
func (r *RGA) ReconcileText(newText string, self peerid.PeerId, counter uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.liveIDsLocked()
	oldRunes := make([]rune, len(ids))
	for i, id := range ids {
		oldRunes[i] = r.elems[id].value
	}

	steps := diffRunes(oldRunes, []rune(newText))

	after := rootID
	oldIdx := 0
	for _, step := range steps {
		switch step.kind {
		case diffKeep:
			after = ids[oldIdx]
			oldIdx++
		case diffDelete:
			counter++
			target := ids[oldIdx]
			r.applyDeleteLocked(DeleteOp{ID: ElemID{Peer: self, Counter: counter}, Target: target})
			oldIdx++
		case diffInsert:
			counter++
			id := ElemID{Peer: self, Counter: counter}
			r.applyInsertLocked(InsertOp{ID: id, After: after, Value: step.value})
			after = id
		}
	}
	return counter
}

// Version returns the version vector of observed insert/delete ops.
func (r *RGA) Version() VersionVector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vv.Clone()
}

// ExportSince returns every insert/delete op whose identity is not yet
// reflected in since, for a delta export (spec.md §4.1 export_updates).
func (r *RGA) ExportSince(since VersionVector) ([]InsertOp, []DeleteOp) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var inserts []InsertOp
	for id, e := range r.elems {
		if id.Counter > since.Get(id.Peer) {
			inserts = append(inserts, InsertOp{ID: id, After: e.after, Value: e.value})
		}
	}
	var deletes []DeleteOp
	for id, op := range r.deletes {
		if id.Counter > since.Get(id.Peer) {
			deletes = append(deletes, op)
		}
	}
	return inserts, deletes
}
