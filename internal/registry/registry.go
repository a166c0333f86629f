// Package registry implements the vault-wide FileRegistry CRDT (spec.md
// §3, §4.2): a single map from note id to {path, tombstone, content hash}
// used to detect moves, renames, and deletes across replicas.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-sync/vaultsync/internal/crdt"
	"github.com/inkwell-sync/vaultsync/internal/peerid"
)

// NoteID is a stable random identifier assigned at first local observation
// of a note. It is never reused, even if a file at the same path is later
// recreated (spec.md §8 "a subsequent identical file creation elsewhere
// does not resurrect history (new note_id)").
type NoteID string

// NewNoteID mints a fresh, globally unique note id.
func NewNoteID() NoteID {
	return NoteID(uuid.NewString())
}

// Entry is one registry row.
type Entry struct {
	Path        string `json:"path"`
	Tombstone   bool   `json:"tombstone"`
	ContentHash string `json:"contentHash"`
}

// Registry is the vault-wide FileRegistry: a CRDT map keyed by NoteID.
type Registry struct {
	self    peerid.PeerId
	counter uint64
	mu      sync.Mutex
	entries *crdt.LWWMap[NoteID, Entry]
}

// New returns an empty registry local to self.
func New(self peerid.PeerId) *Registry {
	return &Registry{self: self, entries: crdt.NewLWWMap[NoteID, Entry]()}
}

// Put records (or moves) a non-tombstoned entry for id.
func (r *Registry) Put(id NoteID, path, contentHash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter++
	r.entries.Set(id, Entry{Path: path, ContentHash: contentHash}, r.counter, r.self)
}

// Tombstone marks id deleted. The path is retained for forensics (spec.md
// §3: "Delete = tombstone becomes true (path retained for forensics)").
func (r *Registry) Tombstone(id NoteID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, _ := r.entries.Get(id)
	r.counter++
	r.entries.Set(id, Entry{Path: cur.Path, Tombstone: true, ContentHash: cur.ContentHash}, r.counter, r.self)
}

// UpdatePath moves id to a new path without tombstoning it.
func (r *Registry) UpdatePath(id NoteID, newPath, contentHash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter++
	r.entries.Set(id, Entry{Path: newPath, ContentHash: contentHash}, r.counter, r.self)
}

// Get returns the current entry for id and whether it's present at all
// (including tombstoned).
func (r *Registry) Get(id NoteID) (Entry, bool) {
	if !r.entries.Contains(id) {
		return Entry{}, false
	}
	e, _ := r.entries.GetRaw(id)
	return e, true
}

// Lookup finds the note id currently mapped to path (non-tombstoned only),
// implementing I2 (a file exists on disk iff its registry entry is live).
func (r *Registry) Lookup(path string) (NoteID, bool) {
	var found NoteID
	var ok bool
	r.entries.Range(func(e crdt.Entry[NoteID, Entry]) {
		if !e.Deleted && !e.Value.Tombstone && e.Value.Path == path {
			found, ok = e.Key, true
		}
	})
	return found, ok
}

// Version returns the registry's causal version vector, derived as the
// highest counter observed per peer across all entries (tombstoned or not).
// It plays the same role for ExportDiff that document.Version plays for a
// single note (spec.md §4.3 export_state/export_diff).
func (r *Registry) Version() crdt.VersionVector {
	vv := crdt.VersionVector{}
	r.entries.Range(func(e crdt.Entry[NoteID, Entry]) {
		vv.Observe(e.Peer, e.Counter)
	})
	return vv
}

// Range calls fn for every tracked note id with whether it is currently
// tombstoned, in unspecified order.
func (r *Registry) Range(fn func(id NoteID, tombstoned bool)) {
	r.entries.Range(func(e crdt.Entry[NoteID, Entry]) {
		fn(e.Key, e.Value.Tombstone)
	})
}

// LiveEntries returns every non-tombstoned (id, entry) pair.
func (r *Registry) LiveEntries() map[NoteID]Entry {
	out := make(map[NoteID]Entry)
	r.entries.Range(func(e crdt.Entry[NoteID, Entry]) {
		if !e.Deleted && !e.Value.Tombstone {
			out[e.Key] = e.Value
		}
	})
	return out
}

// wireEntry is the wire/export representation of one registry row.
type wireEntry struct {
	ID      NoteID        `json:"id"`
	Entry   Entry         `json:"entry"`
	Counter uint64        `json:"counter"`
	Peer    peerid.PeerId `json:"peer"`
}

// ExportSnapshot emits the full registry as opaque bytes.
func (r *Registry) ExportSnapshot() ([]byte, error) {
	return r.ExportDelta(crdt.VersionVector{})
}

// ExportDelta emits only the entries whose counter is newer than since,
// for the requesting peer's own peer id (spec.md §4.3 export_diff).
func (r *Registry) ExportDelta(since crdt.VersionVector) ([]byte, error) {
	var rows []wireEntry
	r.entries.Range(func(e crdt.Entry[NoteID, Entry]) {
		if e.Counter > since.Get(e.Peer) {
			rows = append(rows, wireEntry{ID: e.Key, Entry: e.Value, Counter: e.Counter, Peer: e.Peer})
		}
	})
	out, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("registry: export: %w", err)
	}
	return out, nil
}

// Import merges a snapshot or delta produced by ExportSnapshot.
func (r *Registry) Import(data []byte) error {
	var rows []wireEntry
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("registry: import: %w", err)
	}
	for _, row := range rows {
		r.entries.Merge(row.ID, row.Entry, row.Counter, row.Peer, row.Entry.Tombstone)
	}
	return nil
}

// RenameWindow tracks pending delete events awaiting a matching create, for
// move detection (spec.md §4.2).
type RenameWindow struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending map[string]pendingDelete // path -> pending delete at that path
}

type pendingDelete struct {
	noteID    NoteID
	hash      string
	expiresAt time.Time
}

// NewRenameWindow returns a detector that forgets a delete after ttl without
// a matching create.
func NewRenameWindow(ttl time.Duration) *RenameWindow {
	return &RenameWindow{ttl: ttl, pending: make(map[string]pendingDelete)}
}

// RecordDelete remembers that noteID/hash were removed from path.
func (w *RenameWindow) RecordDelete(path string, noteID NoteID, hash string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] = pendingDelete{noteID: noteID, hash: hash, expiresAt: time.Now().Add(w.ttl)}
}

// MatchCreate reports whether a create at newPath with the given hash
// matches a still-pending delete, returning the original note id to reuse
// as a move rather than a delete+create. The pending entry is consumed.
func (w *RenameWindow) MatchCreate(newPath, hash string) (NoteID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	for path, pd := range w.pending {
		if pd.expiresAt.Before(now) {
			// Left in place for Expired to report, so it gets tombstoned.
			continue
		}
		if pd.hash == hash {
			delete(w.pending, path)
			return pd.noteID, true
		}
	}
	return "", false
}

// Expired returns and clears every pending delete whose window has elapsed
// without a matching create; callers should tombstone these.
func (w *RenameWindow) Expired() []NoteID {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	var out []NoteID
	for path, pd := range w.pending {
		if pd.expiresAt.Before(now) {
			out = append(out, pd.noteID)
			delete(w.pending, path)
		}
	}
	return out
}
