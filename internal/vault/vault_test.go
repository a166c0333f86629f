package vault

import (
	"context"
	"testing"
	"time"

	"github.com/inkwell-sync/vaultsync/internal/document"
	"github.com/inkwell-sync/vaultsync/internal/eventbus"
	"github.com/inkwell-sync/vaultsync/internal/fsys"
	"github.com/inkwell-sync/vaultsync/internal/peerid"
	"github.com/inkwell-sync/vaultsync/internal/registry"
)

func TestLoadFromDiskCreatesDocuments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := fsys.NewMem()
	fs.WriteFile(ctx, "notes/a.md", []byte("hello"))

	v := New(peerid.PeerId(1), fs, 300*time.Millisecond)
	if err := v.LoadFromDisk(ctx); err != nil {
		t.Fatal(err)
	}

	id, ok := v.Registry().Lookup("notes/a.md")
	if !ok {
		t.Fatal("expected notes/a.md to be registered after LoadFromDisk")
	}
	if _, ok := v.notes[id]; !ok {
		t.Fatal("expected a tracked document for the loaded note")
	}
}

func TestApplyFileEventModifyThenDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := fsys.NewMem()
	fs.WriteFile(ctx, "notes/a.md", []byte("hello"))

	v := New(peerid.PeerId(1), fs, 300*time.Millisecond)
	// Shrink the rename window so the test doesn't need to sleep a full
	// second waiting for New's enforced minimum.
	v.renameWindow = registry.NewRenameWindow(10 * time.Millisecond)
	if err := v.LoadFromDisk(ctx); err != nil {
		t.Fatal(err)
	}

	if err := v.ApplyFileEvent(ctx, FileEvent{Kind: EventDeleted, Path: "notes/a.md"}); err != nil {
		t.Fatal(err)
	}
	// Immediately after the delete, before the window expires, a matching
	// create could still claim it as a move — the registry hasn't been
	// tombstoned yet.
	if _, ok := v.Registry().Lookup("notes/a.md"); !ok {
		t.Fatal("the path should still resolve until the rename window expires")
	}

	time.Sleep(20 * time.Millisecond)
	v.ExpireRenameWindow()
	if _, ok := v.Registry().Lookup("notes/a.md"); ok {
		t.Fatal("after the rename window expires with no matching create, the path should be tombstoned")
	}
}

func TestApplyFileEventMoveDetection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := fsys.NewMem()
	fs.WriteFile(ctx, "knowledge/Foo.md", []byte("same content"))

	v := New(peerid.PeerId(1), fs, 300*time.Millisecond)
	if err := v.LoadFromDisk(ctx); err != nil {
		t.Fatal(err)
	}
	originalID, _ := v.Registry().Lookup("knowledge/Foo.md")

	fs.Rename(ctx, "knowledge/Foo.md", "knowledge/Bar.md")
	if err := v.ApplyFileEvent(ctx, FileEvent{Kind: EventDeleted, Path: "knowledge/Foo.md"}); err != nil {
		t.Fatal(err)
	}
	if err := v.ApplyFileEvent(ctx, FileEvent{Kind: EventCreated, Path: "knowledge/Bar.md"}); err != nil {
		t.Fatal(err)
	}

	if _, ok := v.Registry().Lookup("knowledge/Foo.md"); ok {
		t.Fatal("old path should no longer resolve after a detected move")
	}
	movedID, ok := v.Registry().Lookup("knowledge/Bar.md")
	if !ok {
		t.Fatal("new path should resolve after a detected move")
	}
	if movedID != originalID {
		t.Fatalf("move should preserve the original note id: got %v, want %v", movedID, originalID)
	}
}

func TestApplyRemoteWritesBackOnChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fsA := fsys.NewMem()
	a := New(peerid.PeerId(1), fsA, 300*time.Millisecond)
	fsA.WriteFile(ctx, "notes/x.md", []byte("hi"))
	if err := a.LoadFromDisk(ctx); err != nil {
		t.Fatal(err)
	}
	idA, _ := a.Registry().Lookup("notes/x.md")
	snap, err := a.notes[idA].doc.ExportSnapshot()
	if err != nil {
		t.Fatal(err)
	}

	fsB := fsys.NewMem()
	b := New(peerid.PeerId(2), fsB, 300*time.Millisecond)
	if err := b.ApplyRemote(ctx, idA, snap); err != nil {
		t.Fatal(err)
	}

	got, err := fsB.ReadFile(ctx, "notes/x.md")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hi" {
		t.Fatalf("ReadFile() = %q, want %q", got, "hi")
	}
}

func TestExportStateAndDiff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := fsys.NewMem()
	fs.WriteFile(ctx, "notes/a.md", []byte("one"))
	v := New(peerid.PeerId(1), fs, 300*time.Millisecond)
	if err := v.LoadFromDisk(ctx); err != nil {
		t.Fatal(err)
	}

	state := v.ExportState()
	fs.WriteFile(ctx, "notes/b.md", []byte("two"))
	if err := v.LoadFromDisk(ctx); err != nil {
		t.Fatal(err)
	}

	diff, err := v.ExportDiff(state)
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.NoteDeltas) == 0 {
		t.Fatal("expected ExportDiff to report the newly added note")
	}
}

// TestConcurrentEditDeleteTombstoneWins is spec.md §8 scenario 4: a
// concurrent edit and delete converge to the delete winning.
func TestConcurrentEditDeleteTombstoneWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := fsys.NewMem()
	fs.WriteFile(ctx, "notes/x.md", []byte("original"))

	v := New(peerid.PeerId(1), fs, 300*time.Millisecond)
	if err := v.LoadFromDisk(ctx); err != nil {
		t.Fatal(err)
	}
	id, _ := v.Registry().Lookup("notes/x.md")

	// B deletes its copy concurrently.
	other := New(peerid.PeerId(2), fsys.NewMem(), 300*time.Millisecond)
	other.Registry().Put(id, "notes/x.md", "original-hash")
	other.Registry().Tombstone(id)
	delta, err := other.Registry().ExportSnapshot()
	if err != nil {
		t.Fatal(err)
	}

	if err := v.ApplyRegistryDelta(ctx, delta); err != nil {
		t.Fatal(err)
	}

	if _, ok := v.Registry().Lookup("notes/x.md"); ok {
		t.Fatal("a remote tombstone should win over the local edit and remove the path")
	}
	if _, err := fs.ReadFile(ctx, "notes/x.md"); err == nil {
		t.Fatal("the on-disk file should be removed once its registry entry is tombstoned")
	}
	// History remains observable for forensic recovery.
	if _, ok := v.notes[id]; !ok {
		t.Fatal("the document's op history should remain tracked after a tombstone wins")
	}
}

// TestApplyRegistryDeltaMovesFileOnPathChange is spec.md §8 scenario 3: a
// move merged from a peer while this replica still holds the file under
// its old path must rename it on disk, not just update the registry.
func TestApplyRegistryDeltaMovesFileOnPathChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := fsys.NewMem()
	fs.WriteFile(ctx, "knowledge/Foo.md", []byte("same content"))

	v := New(peerid.PeerId(1), fs, 300*time.Millisecond)
	if err := v.LoadFromDisk(ctx); err != nil {
		t.Fatal(err)
	}
	id, _ := v.Registry().Lookup("knowledge/Foo.md")

	other := New(peerid.PeerId(2), fsys.NewMem(), 300*time.Millisecond)
	other.Registry().Put(id, "knowledge/Foo.md", "same-hash")
	other.Registry().UpdatePath(id, "knowledge/Bar.md", "same-hash")
	delta, err := other.Registry().ExportSnapshot()
	if err != nil {
		t.Fatal(err)
	}

	if err := v.ApplyRegistryDelta(ctx, delta); err != nil {
		t.Fatal(err)
	}

	if _, ok := v.Registry().Lookup("knowledge/Foo.md"); ok {
		t.Fatal("old path should no longer resolve after the move is applied")
	}
	if _, ok := v.Registry().Lookup("knowledge/Bar.md"); !ok {
		t.Fatal("new path should resolve after the move is applied")
	}
	if _, err := fs.ReadFile(ctx, "knowledge/Foo.md"); err == nil {
		t.Fatal("the old file should no longer exist on disk")
	}
	got, err := fs.ReadFile(ctx, "knowledge/Bar.md")
	if err != nil {
		t.Fatalf("expected the file to be present at the new path: %v", err)
	}
	if string(got) != "same content" {
		t.Fatalf("ReadFile(Bar.md) = %q, want %q", got, "same content")
	}
}

func TestLocalModifyPublishesDocumentUpdatedAndNotifiesSelfWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := fsys.NewMem()
	fs.WriteFile(ctx, "notes/a.md", []byte("hello"))

	v := New(peerid.PeerId(1), fs, 300*time.Millisecond)
	if err := v.LoadFromDisk(ctx); err != nil {
		t.Fatal(err)
	}

	bus := eventbus.New(8)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()
	v.SetEventBus(bus)

	fs.WriteFile(ctx, "notes/a.md", []byte("hello, edited"))
	if err := v.ApplyFileEvent(ctx, FileEvent{Kind: EventModified, Path: "notes/a.md"}); err != nil {
		t.Fatal(err)
	}

	var sawDocUpdate, sawFileOp bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Events():
			switch ev.Kind {
			case eventbus.DocumentUpdated:
				sawDocUpdate = true
			case eventbus.FileOp:
				sawFileOp = true
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for published events")
		}
	}
	if !sawDocUpdate || !sawFileOp {
		t.Fatalf("sawDocUpdate=%v sawFileOp=%v, want both true", sawDocUpdate, sawFileOp)
	}

	var notified bool
	v2 := New(peerid.PeerId(2), fsys.NewMem(), 300*time.Millisecond)
	v2.SetSelfWriteNotifier(func(path, hash string) {
		notified = true
		if path != "notes/b.md" {
			t.Fatalf("path = %q, want notes/b.md", path)
		}
	})
	id := registry.NewNoteID()
	if err := v2.ApplyRemote(ctx, id, remoteSnapshotForPath(t, "notes/b.md", "remote body")); err != nil {
		t.Fatal(err)
	}
	if !notified {
		t.Fatal("expected the self-write notifier to fire after ApplyRemote writes to disk")
	}
}

func remoteSnapshotForPath(t *testing.T, path, body string) []byte {
	t.Helper()
	doc := document.FromMarkdown(peerid.PeerId(99), path, []byte(body))
	snap, err := doc.ExportSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	return snap
}
