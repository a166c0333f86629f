package registry

import (
	"testing"
	"time"

	"github.com/inkwell-sync/vaultsync/internal/peerid"
)

func TestPutLookupTombstone(t *testing.T) {
	t.Parallel()
	self := peerid.PeerId(1)
	r := New(self)

	id := NewNoteID()
	r.Put(id, "notes/a.md", "hash1")

	got, ok := r.Lookup("notes/a.md")
	if !ok || got != id {
		t.Fatalf("Lookup() = (%v, %v), want (%v, true)", got, ok, id)
	}

	r.Tombstone(id)
	if _, ok := r.Lookup("notes/a.md"); ok {
		t.Fatal("Lookup() should not find a tombstoned entry")
	}
	entry, ok := r.Get(id)
	if !ok {
		t.Fatal("Get() should still report the tombstoned entry exists")
	}
	if !entry.Tombstone || entry.Path != "notes/a.md" {
		t.Fatalf("Get() = %+v, want tombstone=true path retained", entry)
	}
}

// TestMovePreservation is spec.md §8 scenario 3 at the registry level: a
// rename produces UpdatePath, not a tombstone+new id.
func TestMovePreservation(t *testing.T) {
	t.Parallel()
	self := peerid.PeerId(1)
	r := New(self)
	id := NewNoteID()
	r.Put(id, "knowledge/Foo.md", "samehash")

	r.UpdatePath(id, "knowledge/Bar.md", "samehash")

	if _, ok := r.Lookup("knowledge/Foo.md"); ok {
		t.Fatal("old path should no longer resolve")
	}
	got, ok := r.Lookup("knowledge/Bar.md")
	if !ok || got != id {
		t.Fatalf("Lookup(new path) = (%v,%v), want (%v,true) — same note id preserved", got, ok, id)
	}
}

func TestRegistryExportImportRoundTrip(t *testing.T) {
	t.Parallel()
	a := New(peerid.PeerId(1))
	b := New(peerid.PeerId(2))

	id := NewNoteID()
	a.Put(id, "x.md", "h1")

	snap, err := a.ExportSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Import(snap); err != nil {
		t.Fatal(err)
	}

	got, ok := b.Lookup("x.md")
	if !ok || got != id {
		t.Fatalf("after import, Lookup() = (%v,%v), want (%v,true)", got, ok, id)
	}
}

func TestExportDeltaOnlyIncludesChangesSinceVersion(t *testing.T) {
	t.Parallel()
	a := New(peerid.PeerId(1))
	id1 := NewNoteID()
	a.Put(id1, "one.md", "h1")
	since := a.Version()

	id2 := NewNoteID()
	a.Put(id2, "two.md", "h2")

	delta, err := a.ExportDelta(since)
	if err != nil {
		t.Fatal(err)
	}

	b := New(peerid.PeerId(2))
	if err := b.Import(delta); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.Lookup("one.md"); ok {
		t.Fatal("delta should not include the entry already covered by since")
	}
	if _, ok := b.Lookup("two.md"); !ok {
		t.Fatal("delta should include the entry added after since")
	}
}

func TestRenameWindowMatchesCreateWithinTTL(t *testing.T) {
	t.Parallel()
	w := NewRenameWindow(50 * time.Millisecond)
	id := NewNoteID()
	w.RecordDelete("old.md", id, "h1")

	got, ok := w.MatchCreate("new.md", "h1")
	if !ok || got != id {
		t.Fatalf("MatchCreate() = (%v,%v), want (%v,true)", got, ok, id)
	}

	// Consumed: a second match attempt fails.
	if _, ok := w.MatchCreate("new.md", "h1"); ok {
		t.Fatal("MatchCreate() should not match twice")
	}
}

func TestRenameWindowExpiresWithoutMatch(t *testing.T) {
	t.Parallel()
	w := NewRenameWindow(10 * time.Millisecond)
	id := NewNoteID()
	w.RecordDelete("old.md", id, "h1")

	time.Sleep(30 * time.Millisecond)

	if _, ok := w.MatchCreate("new.md", "different-hash"); ok {
		t.Fatal("MatchCreate() should not match on a different hash")
	}
	expired := w.Expired()
	if len(expired) != 1 || expired[0] != id {
		t.Fatalf("Expired() = %v, want [%v]", expired, id)
	}
}
