package fsys

import (
	"context"
	"testing"
)

func TestMemWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMem()

	if err := m.WriteFile(ctx, "notes/a.md", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := m.ReadFile(ctx, "notes/a.md")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("ReadFile() = %q, want %q", got, "hello")
	}
}

func TestMemReadMissingReturnsNotExist(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMem()
	if _, err := m.ReadFile(ctx, "nope.md"); err == nil {
		t.Fatal("ReadFile() on a missing path should error")
	}
}

func TestMemListByPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMem()
	m.WriteFile(ctx, "notes/a.md", []byte("a"))
	m.WriteFile(ctx, "notes/b.md", []byte("b"))
	m.WriteFile(ctx, "other/c.md", []byte("c"))

	got, err := m.List(ctx, "notes/")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("List() = %v, want 2 entries under notes/", got)
	}
}

func TestMemRenameMovesData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMem()
	m.WriteFile(ctx, "old.md", []byte("x"))

	if err := m.Rename(ctx, "old.md", "new.md"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ReadFile(ctx, "old.md"); err == nil {
		t.Fatal("old path should no longer exist after rename")
	}
	got, err := m.ReadFile(ctx, "new.md")
	if err != nil || string(got) != "x" {
		t.Fatalf("ReadFile(new path) = (%q, %v), want (x, nil)", got, err)
	}
}

func TestOSFileSystemAtomicWriteAndRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	f := NewOSFileSystem(dir)

	if err := f.WriteFile(ctx, "sub/dir/note.md", []byte("content")); err != nil {
		t.Fatal(err)
	}
	got, err := f.ReadFile(ctx, "sub/dir/note.md")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "content" {
		t.Fatalf("ReadFile() = %q, want %q", got, "content")
	}

	entries, err := f.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0] != "sub/dir/note.md" {
		t.Fatalf("List() = %v, want [sub/dir/note.md]", entries)
	}
}

func TestOSFileSystemRemoveMissingIsNotAnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := NewOSFileSystem(t.TempDir())
	if err := f.Remove(ctx, "missing.md"); err != nil {
		t.Fatalf("Remove() on a missing file should be a no-op, got %v", err)
	}
}
