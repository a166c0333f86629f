// Package document implements NoteDocument, spec.md §4.1: a CRDT for a
// single note composed of a _meta container (path), a frontmatter map, and a
// body text sequence.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/inkwell-sync/vaultsync/internal/crdt"
	"github.com/inkwell-sync/vaultsync/internal/markdown"
	"github.com/inkwell-sync/vaultsync/internal/peerid"
)

// Document is one note's CRDT state: _meta.path, frontmatter (LWW per key),
// and body (character-level RGA).
type Document struct {
	self peerid.PeerId

	mu      sync.Mutex // serializes local mutation and import, per spec.md §5
	counter uint64

	path        *crdt.LWWRegister[string]
	frontmatter *crdt.LWWMap[string, any]
	body        *crdt.RGA

	// metaVV tracks every (peer, counter) tag observed on path/frontmatter
	// writes, winning or not, so Version can advertise path- and
	// frontmatter-only changes that never touch the body RGA.
	metaVV crdt.VersionVector
}

// New creates an empty document whose _meta.path is path.
func New(self peerid.PeerId, path string) *Document {
	d := &Document{
		self:        self,
		path:        crdt.NewLWWRegister(path),
		frontmatter: crdt.NewLWWMap[string, any](),
		body:        crdt.NewRGA(),
		metaVV:      crdt.VersionVector{},
	}
	d.counter++
	d.path.Set(path, d.counter, self)
	d.metaVV.Observe(self, d.counter)
	return d
}

// NewPending creates a document with no committed path, frontmatter, or
// body. Unlike New, it makes no local claim of authorship over _meta.path,
// so the first Import merged into it always wins regardless of tag
// comparison — the right starting point when a document is being created
// purely as the target of an incoming remote delta (spec.md §4.3
// apply_remote "creating if new").
func NewPending(self peerid.PeerId) *Document {
	return &Document{
		self:        self,
		path:        crdt.NewLWWRegister(""),
		frontmatter: crdt.NewLWWMap[string, any](),
		body:        crdt.NewRGA(),
		metaVV:      crdt.VersionVector{},
	}
}

// FromMarkdown parses text (frontmatter + body) and seeds a new document,
// committing one op for the path, one per frontmatter key and one per body
// character. A malformed-YAML frontmatter block
// is tolerated: frontmatter stays empty and the body is preserved verbatim
// (spec.md §4.1).
func FromMarkdown(self peerid.PeerId, path string, text []byte) *Document {
	doc, err := markdown.Parse(text)
	if err != nil {
		doc = markdown.FallbackBody(text)
	}

	d := New(self, path)
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range doc.Frontmatter {
		d.counter++
		d.frontmatter.Set(k, v, d.counter, self)
		d.metaVV.Observe(self, d.counter)
	}
	body, next := crdt.NewRGAFromString(doc.Body, self, d.counter)
	d.body = body
	d.counter = next
	return d
}

// ToMarkdown serializes the document deterministically:
// "---\n{yaml}---\n\n{body}" if frontmatter is nonempty, else the body
// verbatim (spec.md §4.1).
func (d *Document) ToMarkdown() ([]byte, error) {
	fm := make(map[string]any)
	d.frontmatter.Range(func(e crdt.Entry[string, any]) {
		if !e.Deleted {
			fm[e.Key] = e.Value
		}
	})
	return markdown.Render(&markdown.Document{Frontmatter: fm, Body: d.body.Text()})
}

// StoredPath returns the document's current _meta.path.
func (d *Document) StoredPath() string {
	return d.path.Value()
}

// UpdatePath commits a new _meta.path as a local write (a local rename).
func (d *Document) UpdatePath(newPath string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counter++
	d.path.Set(newPath, d.counter, d.self)
	d.metaVV.Observe(d.self, d.counter)
}

// MergeExternalEdit folds an externally rewritten file's content (an editor
// save, not a local API write) into the document, diffing frontmatter keys
// and body text against the current live state instead of discarding
// history. Parsing text into a second document and importing its snapshot
// would mint fresh element/tag identities under the same peer, colliding
// with this document's own already-applied ops and silently dropping
// concurrent edits (crdt.RGA.ReconcileText exists for exactly this reason).
func (d *Document) MergeExternalEdit(text []byte) error {
	doc, err := markdown.Parse(text)
	if err != nil {
		doc = markdown.FallbackBody(text)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[string]bool, len(doc.Frontmatter))
	for k, v := range doc.Frontmatter {
		seen[k] = true
		d.counter++
		d.frontmatter.Set(k, v, d.counter, d.self)
		d.metaVV.Observe(d.self, d.counter)
	}
	var removed []string
	d.frontmatter.Range(func(e crdt.Entry[string, any]) {
		if !e.Deleted && !seen[e.Key] {
			removed = append(removed, e.Key)
		}
	})
	for _, k := range removed {
		d.counter++
		d.frontmatter.Delete(k, d.counter, d.self)
		d.metaVV.Observe(d.self, d.counter)
	}

	d.counter = d.body.ReconcileText(doc.Body, d.self, d.counter)
	return nil
}

// ContentHash hashes the serialized markdown, so identical logical content
// across replicas yields identical hashes regardless of op history
// (spec.md §4.1).
func (d *Document) ContentHash() (string, error) {
	md, err := d.ToMarkdown()
	if err != nil {
		return "", fmt.Errorf("document: hash: %w", err)
	}
	sum := sha256.Sum256(md)
	return hex.EncodeToString(sum[:]), nil
}

// Version returns the document's causal version: the body RGA's version
// vector merged with metaVV, the clock of path/frontmatter writes, so a
// rename or a frontmatter-only edit changes the version returned here even
// though it never touches the body (spec.md §4.1 version()/frontiers()).
func (d *Document) Version() crdt.VersionVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.body.Version().Merge(d.metaVV)
}

// Frontiers is an alias for Version: the merged version vector (body plus
// metaVV) is this implementation's causal frontier representation.
func (d *Document) Frontiers() crdt.VersionVector {
	return d.Version()
}

// snapshotWire is the on-wire/on-disk representation of a full document
// snapshot or delta. It is deliberately simple JSON. On the wire it only
// travels as opaque bytes inside a binary SyncMessage (see
// internal/protocol), so it never passes through the envelope decoder itself.
type snapshotWire struct {
	Path        string            `json:"path"`
	PathTag     wireTag           `json:"pathTag"`
	Frontmatter []frontmatterWire `json:"frontmatter"`
	BodyInserts []insertWire      `json:"bodyInserts"`
	BodyDeletes []deleteWire      `json:"bodyDeletes"`
}

type wireTag struct {
	Counter uint64        `json:"counter"`
	Peer    peerid.PeerId `json:"peer"`
}

type frontmatterWire struct {
	Key     string        `json:"key"`
	Value   any           `json:"value"`
	Counter uint64        `json:"counter"`
	Peer    peerid.PeerId `json:"peer"`
	Deleted bool          `json:"deleted"`
}

type insertWire struct {
	ID    crdt.ElemID `json:"id"`
	After crdt.ElemID `json:"after"`
	Value rune        `json:"value"`
}

type deleteWire struct {
	ID     crdt.ElemID `json:"id"`
	Target crdt.ElemID `json:"target"`
}

// ExportSnapshot emits the full document state as opaque bytes.
func (d *Document) ExportSnapshot() ([]byte, error) {
	return d.exportSince(crdt.VersionVector{})
}

// ExportUpdates emits only what changed since the given version vector.
func (d *Document) ExportUpdates(since crdt.VersionVector) ([]byte, error) {
	return d.exportSince(since)
}

func (d *Document) exportSince(since crdt.VersionVector) ([]byte, error) {
	value, counter, peer := d.path.Snapshot()
	var fm []frontmatterWire
	d.frontmatter.Range(func(e crdt.Entry[string, any]) {
		if e.Counter > since.Get(e.Peer) {
			fm = append(fm, frontmatterWire{Key: e.Key, Value: e.Value, Counter: e.Counter, Peer: e.Peer, Deleted: e.Deleted})
		}
	})
	inserts, deletes := d.body.ExportSince(since)

	wireInserts := make([]insertWire, len(inserts))
	for i, op := range inserts {
		wireInserts[i] = insertWire{ID: op.ID, After: op.After, Value: op.Value}
	}
	wireDeletes := make([]deleteWire, len(deletes))
	for i, op := range deletes {
		wireDeletes[i] = deleteWire{ID: op.ID, Target: op.Target}
	}

	payload := snapshotWire{
		Path:        value,
		PathTag:     wireTag{Counter: counter, Peer: peer},
		Frontmatter: fm,
		BodyInserts: wireInserts,
		BodyDeletes: wireDeletes,
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("document: export: %w", err)
	}
	return out, nil
}

// Import merges bytes produced by ExportSnapshot/ExportUpdates. If the
// incoming state carries a different _meta.path, the local cached path is
// overwritten — a rename propagated by a peer (spec.md §4.1). Import is
// idempotent: applying the same bytes twice is a no-op (spec.md §8).
func (d *Document) Import(data []byte) error {
	var payload snapshotWire
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("document: import: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.path.Merge(payload.Path, payload.PathTag.Counter, payload.PathTag.Peer)
	d.metaVV.Observe(payload.PathTag.Peer, payload.PathTag.Counter)

	for _, fm := range payload.Frontmatter {
		d.frontmatter.Merge(fm.Key, fm.Value, fm.Counter, fm.Peer, fm.Deleted)
		d.metaVV.Observe(fm.Peer, fm.Counter)
	}

	for _, ins := range payload.BodyInserts {
		d.body.ApplyInsert(crdt.InsertOp{ID: ins.ID, After: ins.After, Value: ins.Value})
	}
	for _, del := range payload.BodyDeletes {
		d.body.ApplyDelete(crdt.DeleteOp{ID: del.ID, Target: del.Target})
	}
	return nil
}
