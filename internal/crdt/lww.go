package crdt

import (
	"sync"

	"github.com/inkwell-sync/vaultsync/internal/peerid"
)

// tag orders two concurrent writes to the same register: higher counter
// wins; ties break on peer id, giving a total order as spec.md §4.1 requires
// ("LWW-by-peer-id for frontmatter scalars").
type tag struct {
	counter uint64
	peer    peerid.PeerId
}

// after reports whether t strictly follows other in the LWW order.
func (t tag) after(other tag) bool {
	if t.counter != other.counter {
		return t.counter > other.counter
	}
	return t.peer > other.peer
}

// LWWRegister is a single last-writer-wins cell holding a value of type T.
// It is safe for concurrent use; Set/Merge/Value all take the same lock so a
// register can be shared across goroutines (a document's _meta.path is one).
type LWWRegister[T any] struct {
	mu    sync.RWMutex
	value T
	tag   tag
	set   bool
}

// NewLWWRegister returns a register whose initial value is local-only (not
// yet tagged), so any remote write will win on first merge.
func NewLWWRegister[T any](initial T) *LWWRegister[T] {
	return &LWWRegister[T]{value: initial}
}

// Set assigns value as a new write by self at logical time counter.
func (r *LWWRegister[T]) Set(value T, counter uint64, self peerid.PeerId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	candidate := tag{counter: counter, peer: self}
	if !r.set || candidate.after(r.tag) {
		r.value = value
		r.tag = candidate
		r.set = true
	}
}

// Value returns the current value.
func (r *LWWRegister[T]) Value() T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value
}

// Merge folds in a remote write. Returns true if it changed the value.
func (r *LWWRegister[T]) Merge(value T, counter uint64, peer peerid.PeerId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	candidate := tag{counter: counter, peer: peer}
	if !r.set || candidate.after(r.tag) {
		r.value = value
		r.tag = candidate
		r.set = true
		return true
	}
	return false
}

// Snapshot returns the value along with the tag that produced it, so a
// caller can serialize the register for the wire.
func (r *LWWRegister[T]) Snapshot() (value T, counter uint64, peer peerid.PeerId) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value, r.tag.counter, r.tag.peer
}

// LWWMap is a CRDT map where each key independently resolves by
// last-writer-wins, as used by the frontmatter container and the file
// registry (spec.md §4.2: "a single CRDT map").
type LWWMap[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]*entryState[V]
}

type entryState[V any] struct {
	value   V
	tag     tag
	deleted bool
}

// NewLWWMap returns an empty map.
func NewLWWMap[K comparable, V any]() *LWWMap[K, V] {
	return &LWWMap[K, V]{entries: make(map[K]*entryState[V])}
}

// Set writes key=value as a new local write by self at counter.
func (m *LWWMap[K, V]) Set(key K, value V, counter uint64, self peerid.PeerId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mergeLocked(key, value, counter, self, false)
}

// Delete tombstones key as a new local write by self at counter. The value
// is retained alongside the tombstone for forensic recovery (spec.md §3).
func (m *LWWMap[K, V]) Delete(key K, counter uint64, self peerid.PeerId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero V
	if cur, ok := m.entries[key]; ok {
		zero = cur.value
	}
	m.mergeLocked(key, zero, counter, self, true)
}

// Merge folds in a remote write for key. Returns true if it changed state.
func (m *LWWMap[K, V]) Merge(key K, value V, counter uint64, peer peerid.PeerId, deleted bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mergeLocked(key, value, counter, peer, deleted)
}

func (m *LWWMap[K, V]) mergeLocked(key K, value V, counter uint64, peer peerid.PeerId, deleted bool) bool {
	candidate := tag{counter: counter, peer: peer}
	cur, ok := m.entries[key]
	if !ok || candidate.after(cur.tag) {
		m.entries[key] = &entryState[V]{value: value, tag: candidate, deleted: deleted}
		return true
	}
	return false
}

// Get returns the value for key and whether it is present (not tombstoned).
func (m *LWWMap[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || e.deleted {
		var zero V
		return zero, false
	}
	return e.value, true
}

// GetRaw returns the value for key regardless of tombstone state, and
// whether any entry exists at all.
func (m *LWWMap[K, V]) GetRaw(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Contains reports whether key has any entry at all, tombstoned or not.
func (m *LWWMap[K, V]) Contains(key K) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[key]
	return ok
}

// IsTombstoned reports whether key exists and is deleted.
func (m *LWWMap[K, V]) IsTombstoned(key K) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return ok && e.deleted
}

// Entry is a snapshot of one LWWMap slot, used by Range and by serializers.
type Entry[K comparable, V any] struct {
	Key     K
	Value   V
	Counter uint64
	Peer    peerid.PeerId
	Deleted bool
}

// Range calls fn for every entry, tombstoned or not, in unspecified order.
func (m *LWWMap[K, V]) Range(fn func(Entry[K, V])) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, e := range m.entries {
		fn(Entry[K, V]{Key: k, Value: e.value, Counter: e.tag.counter, Peer: e.tag.peer, Deleted: e.deleted})
	}
}

// Len returns the number of keys tracked, including tombstones.
func (m *LWWMap[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
