// Package vault implements the Vault component of spec.md §4.3: it owns
// every NoteDocument plus the FileRegistry, and is the only thing that
// touches disk.
package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/inkwell-sync/vaultsync/internal/crdt"
	"github.com/inkwell-sync/vaultsync/internal/document"
	"github.com/inkwell-sync/vaultsync/internal/eventbus"
	"github.com/inkwell-sync/vaultsync/internal/fsys"
	"github.com/inkwell-sync/vaultsync/internal/peerid"
	"github.com/inkwell-sync/vaultsync/internal/registry"
)

// renameWindowMultiple and renameWindowMinimum derive the rename-detection
// window from the watcher's debounce interval (spec.md §4.2: "debounce_ms ×
// 3, min 1s").
const renameWindowMultiple = 3

var renameWindowMinimum = time.Second

// EventKind identifies a filesystem change handed to ApplyFileEvent.
type EventKind int

const (
	EventCreated EventKind = iota
	EventModified
	EventDeleted
)

// FileEvent is a debounced, filtered filesystem change (spec.md §4.8).
type FileEvent struct {
	Kind EventKind
	Path string
}

// noteState tracks the bookkeeping the reconciler needs per note beyond the
// CRDT document itself.
type noteState struct {
	doc           *document.Document
	lastWriteHash string
	lastImportAt  time.Time
}

// Vault owns every NoteDocument plus the FileRegistry for one replica.
type Vault struct {
	self peerid.PeerId
	fs   fsys.FileSystem

	registryMu   sync.Mutex // short exclusive section around registry mutation only
	registry     *registry.Registry
	renameWindow *registry.RenameWindow

	notesMu sync.RWMutex
	notes   map[registry.NoteID]*noteState

	bus             *eventbus.Bus
	notifySelfWrite func(path, hash string)
}

// New returns an empty vault backed by fs.
func New(self peerid.PeerId, fs fsys.FileSystem, debounce time.Duration) *Vault {
	window := debounce * renameWindowMultiple
	if window < renameWindowMinimum {
		window = renameWindowMinimum
	}
	return &Vault{
		self:         self,
		fs:           fs,
		registry:     registry.New(self),
		renameWindow: registry.NewRenameWindow(window),
		notes:        make(map[registry.NoteID]*noteState),
	}
}

// SetEventBus attaches a bus that local modifications are published to
// (DocumentUpdated on commit, FileOp on delete). Nil-safe: a vault with no
// bus attached simply doesn't publish.
func (v *Vault) SetEventBus(b *eventbus.Bus) {
	v.bus = b
}

// SetSelfWriteNotifier registers a callback invoked with (path, hash)
// immediately after the vault writes a file to disk, so a watcher sharing
// the same root can suppress the resulting fsnotify event (spec.md §4.8;
// closes the loop with watcher.Watcher.NoteSelfWrite).
func (v *Vault) SetSelfWriteNotifier(fn func(path, hash string)) {
	v.notifySelfWrite = fn
}

func (v *Vault) publish(ev eventbus.Event) {
	if v.bus != nil {
		v.bus.Publish(ev)
	}
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IsVaultPath reports whether p is a path the vault tracks: a .md file,
// not under a dotfile/dot-directory (so .sync/ and friends are excluded).
func IsVaultPath(p string) bool {
	if !strings.HasSuffix(p, ".md") {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if strings.HasPrefix(part, ".") {
			return false
		}
	}
	return true
}

// LoadFromDisk walks the vault root, creating or refreshing a document for
// every tracked .md file and reconciling the registry (spec.md §4.3
// load_from_disk).
func (v *Vault) LoadFromDisk(ctx context.Context) error {
	paths, err := v.fs.List(ctx, "")
	if err != nil {
		return fmt.Errorf("vault: load from disk: %w", err)
	}
	for _, p := range paths {
		if !IsVaultPath(p) {
			continue
		}
		data, err := v.fs.ReadFile(ctx, p)
		if err != nil {
			return fmt.Errorf("vault: load from disk: read %s: %w", p, err)
		}
		if err := v.adoptPath(ctx, p, data); err != nil {
			return err
		}
	}
	return nil
}

func (v *Vault) adoptPath(_ context.Context, p string, data []byte) error {
	v.registryMu.Lock()
	noteID, ok := v.registry.Lookup(p)
	if !ok {
		noteID = registry.NewNoteID()
	}
	v.registryMu.Unlock()

	hash := hashBytes(data)

	v.notesMu.Lock()
	state, exists := v.notes[noteID]
	if !exists {
		state = &noteState{doc: document.FromMarkdown(v.self, p, data)}
		v.notes[noteID] = state
	}
	state.lastWriteHash = hash
	state.lastImportAt = time.Now()
	v.notesMu.Unlock()

	v.registryMu.Lock()
	v.registry.Put(noteID, p, hash)
	v.registryMu.Unlock()
	return nil
}

// ApplyFileEvent handles one debounced watcher event, feeding the rename
// detector and reconciling the registry and the affected document (spec.md
// §4.8).
func (v *Vault) ApplyFileEvent(ctx context.Context, ev FileEvent) error {
	if !IsVaultPath(ev.Path) {
		return nil
	}
	switch ev.Kind {
	case EventCreated, EventModified:
		return v.applyCreateOrModify(ctx, ev.Path)
	case EventDeleted:
		return v.applyDelete(ev.Path)
	default:
		return fmt.Errorf("vault: apply file event: unknown kind %v", ev.Kind)
	}
}

func (v *Vault) applyCreateOrModify(ctx context.Context, p string) error {
	data, err := v.fs.ReadFile(ctx, p)
	if err != nil {
		return fmt.Errorf("vault: apply file event: read %s: %w", p, err)
	}
	hash := hashBytes(data)

	v.registryMu.Lock()
	noteID, existed := v.registry.Lookup(p)
	v.registryMu.Unlock()

	if !existed {
		if movedID, ok := v.renameWindow.MatchCreate(p, hash); ok {
			v.registryMu.Lock()
			v.registry.UpdatePath(movedID, p, hash)
			v.registryMu.Unlock()

			v.notesMu.Lock()
			state := v.notes[movedID]
			if state != nil {
				state.doc.UpdatePath(p)
				state.lastWriteHash = hash
				state.lastImportAt = time.Now()
			}
			v.notesMu.Unlock()
			return nil
		}
		noteID = registry.NewNoteID()
	}

	v.notesMu.Lock()
	state, exists := v.notes[noteID]
	switch {
	case !exists:
		state = &noteState{doc: document.FromMarkdown(v.self, p, data)}
		v.notes[noteID] = state
	case state.lastWriteHash != hash:
		// The on-disk bytes moved without us writing them (an external
		// editor). Comparing pre-write and post-event hashes is how
		// self-generated events are told apart from real ones (spec.md
		// §4.8); here the hash genuinely changed, so diff the new disk
		// content against the live document's text rather than discard
		// its history.
		_ = state.doc.MergeExternalEdit(data)
	}
	state.lastWriteHash = hash
	state.lastImportAt = time.Now()
	v.notesMu.Unlock()

	v.registryMu.Lock()
	v.registry.Put(noteID, p, hash)
	v.registryMu.Unlock()

	v.publish(eventbus.Event{Kind: eventbus.DocumentUpdated, NoteID: string(noteID)})
	v.publish(eventbus.Event{Kind: eventbus.FileOp, NoteID: string(noteID), Path: p, Op: "modified"})
	return nil
}

func (v *Vault) applyDelete(p string) error {
	v.registryMu.Lock()
	noteID, ok := v.registry.Lookup(p)
	v.registryMu.Unlock()
	if !ok {
		return nil
	}

	v.notesMu.RLock()
	state := v.notes[noteID]
	v.notesMu.RUnlock()
	hash := ""
	if state != nil {
		hash = state.lastWriteHash
	}

	v.renameWindow.RecordDelete(p, noteID, hash)
	// Tombstone immediately is deferred to window expiry so a matching
	// create can still claim the move (see ExpireRenameWindow).
	return nil
}

// ExpireRenameWindow tombstones any pending delete whose rename window has
// elapsed without a matching create. Callers should invoke this
// periodically (e.g. alongside the watcher's debounce timer).
func (v *Vault) ExpireRenameWindow() {
	for _, noteID := range v.renameWindow.Expired() {
		v.registryMu.Lock()
		v.registry.Tombstone(noteID)
		v.registryMu.Unlock()
		v.publish(eventbus.Event{Kind: eventbus.FileOp, NoteID: string(noteID), Op: "deleted"})
	}
}

// ApplyRegistryDelta merges an incoming registry delta and, per DESIGN.md's
// Open Question 1, lets a tombstone win over a concurrent local edit: the
// note's on-disk file is removed but its CRDT op history is retained for
// forensic recovery (spec.md §8 scenario 4). Called by the syncengine
// session when applying a SyncResponse (spec.md §4.7 point 3: "apply
// registry_update first").
func (v *Vault) ApplyRegistryDelta(ctx context.Context, delta []byte) error {
	v.registryMu.Lock()
	defer v.registryMu.Unlock()
	before := make(map[registry.NoteID]registry.Entry)
	v.registry.Range(func(id registry.NoteID, _ bool) {
		if entry, ok := v.registry.Get(id); ok {
			before[id] = entry
		}
	})
	if err := v.registry.Import(delta); err != nil {
		return fmt.Errorf("vault: apply registry delta: %w", err)
	}
	return v.reconcileRegistryChangesLocked(ctx, before)
}

// reconcileRegistryChangesLocked walks the registry after an import and
// brings the on-disk layout in line with it: a newly-tombstoned entry's file
// is removed, and a still-live entry whose path changed (a move merged from
// a peer while this replica was disconnected) is renamed on disk rather than
// left stale under its old name.
func (v *Vault) reconcileRegistryChangesLocked(ctx context.Context, before map[registry.NoteID]registry.Entry) error {
	var toRemove []string
	var toMove [][2]string
	v.registry.Range(func(id registry.NoteID, isTombstoned bool) {
		entry, ok := v.registry.Get(id)
		if !ok {
			return
		}
		prev, known := before[id]
		switch {
		case isTombstoned && (!known || !prev.Tombstone):
			toRemove = append(toRemove, entry.Path)
		case !isTombstoned && known && !prev.Tombstone && prev.Path != entry.Path:
			toMove = append(toMove, [2]string{prev.Path, entry.Path})
		}
	})

	for _, p := range toRemove {
		if err := v.fs.Remove(ctx, p); err != nil {
			return fmt.Errorf("vault: remove tombstoned file %s: %w", p, err)
		}
	}
	for _, mv := range toMove {
		if err := v.moveNoteFile(ctx, mv[0], mv[1]); err != nil {
			return err
		}
	}
	return nil
}

// moveNoteFile renames a note's on-disk file to follow a registry move. A
// missing source is not an error: this replica may never have held the file
// (e.g. it is still catching up from a cold store) so there is nothing to
// move, only the registry's record of where the note now lives.
func (v *Vault) moveNoteFile(ctx context.Context, from, to string) error {
	if err := v.fs.Rename(ctx, from, to); err != nil {
		if _, statErr := v.fs.Stat(ctx, from); statErr != nil {
			return nil
		}
		return fmt.Errorf("vault: move %s -> %s: %w", from, to, err)
	}
	return nil
}

// ApplyRemote imports bytes into the target document (creating it if new),
// then writes the resulting markdown to disk atomically if the computed
// content differs, skipping the write if it is byte-identical (spec.md
// §4.3 apply_remote).
func (v *Vault) ApplyRemote(ctx context.Context, noteID registry.NoteID, delta []byte) error {
	v.notesMu.Lock()
	state, exists := v.notes[noteID]
	if !exists {
		state = &noteState{doc: document.NewPending(v.self)}
		v.notes[noteID] = state
	}
	v.notesMu.Unlock()

	if err := state.doc.Import(delta); err != nil {
		return fmt.Errorf("vault: apply remote: import %s: %w", noteID, err)
	}

	return v.writeBackIfChanged(ctx, noteID, state)
}

func (v *Vault) writeBackIfChanged(ctx context.Context, noteID registry.NoteID, state *noteState) error {
	md, err := state.doc.ToMarkdown()
	if err != nil {
		return fmt.Errorf("vault: apply remote: render %s: %w", noteID, err)
	}
	newHash := hashBytes(md)
	storedPath := state.doc.StoredPath()

	v.notesMu.Lock()
	unchanged := state.lastWriteHash == newHash
	lastImportAt := state.lastImportAt
	v.notesMu.Unlock()
	if unchanged {
		return nil
	}

	// mtime guard: never clobber a newer local editor write unless the
	// computed markdown byte-matches it (spec.md §4.3).
	if info, err := v.fs.Stat(ctx, storedPath); err == nil {
		if info.ModTime.After(lastImportAt) {
			onDisk, rerr := v.fs.ReadFile(ctx, storedPath)
			if rerr == nil && hashBytes(onDisk) == newHash {
				v.notesMu.Lock()
				state.lastWriteHash = newHash
				v.notesMu.Unlock()
				return nil
			}
			if merr := state.doc.MergeExternalEdit(onDisk); merr == nil {
				md, err = state.doc.ToMarkdown()
				if err != nil {
					return fmt.Errorf("vault: apply remote: re-render %s: %w", noteID, err)
				}
				newHash = hashBytes(md)
			}
		}
	}

	if err := v.fs.WriteFile(ctx, storedPath, md); err != nil {
		return fmt.Errorf("vault: apply remote: write %s: %w", storedPath, err)
	}
	if v.notifySelfWrite != nil {
		v.notifySelfWrite(storedPath, newHash)
	}
	v.registryMu.Lock()
	v.registry.Put(noteID, storedPath, newHash)
	v.registryMu.Unlock()

	v.notesMu.Lock()
	state.lastWriteHash = newHash
	state.lastImportAt = time.Now()
	v.notesMu.Unlock()
	return nil
}

// State is the summary export_state() returns: the registry's version
// vector plus every tracked note's version vector (spec.md §4.3).
type State struct {
	RegistryVersion crdt.VersionVector
	NoteVersions    map[registry.NoteID]crdt.VersionVector
}

// ExportState produces the vault's current causal state.
func (v *Vault) ExportState() State {
	v.notesMu.RLock()
	defer v.notesMu.RUnlock()
	noteVersions := make(map[registry.NoteID]crdt.VersionVector, len(v.notes))
	for id, state := range v.notes {
		noteVersions[id] = state.doc.Version()
	}
	return State{RegistryVersion: v.registry.Version(), NoteVersions: noteVersions}
}

// Diff is what export_diff() produces: an optional registry delta plus a
// per-note delta map (spec.md §4.3).
type Diff struct {
	RegistryDelta []byte
	NoteDeltas    map[registry.NoteID][]byte
}

// ExportDiff produces everything that changed since from.
func (v *Vault) ExportDiff(from State) (Diff, error) {
	regDelta, err := v.registry.ExportDelta(from.RegistryVersion)
	if err != nil {
		return Diff{}, fmt.Errorf("vault: export diff: %w", err)
	}

	v.notesMu.RLock()
	defer v.notesMu.RUnlock()
	noteDeltas := make(map[registry.NoteID][]byte)
	for id, state := range v.notes {
		since := from.NoteVersions[id]
		delta, err := state.doc.ExportUpdates(since)
		if err != nil {
			return Diff{}, fmt.Errorf("vault: export diff: note %s: %w", id, err)
		}
		if !state.doc.Version().Equal(since) {
			noteDeltas[id] = delta
		}
	}
	return Diff{RegistryDelta: regDelta, NoteDeltas: noteDeltas}, nil
}

// Registry exposes the underlying registry for read-only inspection (e.g.
// by the syncengine session to decide what to request).
func (v *Vault) Registry() *registry.Registry {
	return v.registry
}

// ExportNoteDelta exports one note's changes since since, for the
// syncengine's live-push path (spec.md §4.7 point 4: "every local commit
// produces a DocumentUpdate that is pushed immediately to all connected
// peers").
func (v *Vault) ExportNoteDelta(id registry.NoteID, since crdt.VersionVector) ([]byte, error) {
	v.notesMu.RLock()
	state, ok := v.notes[id]
	v.notesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("vault: export note delta: unknown note %s", id)
	}
	return state.doc.ExportUpdates(since)
}

// NotePath returns the current stored path for a note id, if tracked.
func (v *Vault) NotePath(id registry.NoteID) (string, bool) {
	entry, ok := v.registry.Get(id)
	if !ok {
		return "", false
	}
	return entry.Path, true
}
