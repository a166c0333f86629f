package document

import (
	"testing"

	"github.com/inkwell-sync/vaultsync/internal/crdt"
	"github.com/inkwell-sync/vaultsync/internal/peerid"
)

func mustID(t *testing.T, n uint64) peerid.PeerId {
	t.Helper()
	return peerid.PeerId(n)
}

// TestEmptyToEditConvergence is spec.md §8 scenario 1.
func TestEmptyToEditConvergence(t *testing.T) {
	t.Parallel()
	b := New(mustID(t, 2), "notes/Hello.md")

	// A creates the note body.
	a2 := FromMarkdown(mustID(t, 1), "notes/Hello.md", []byte("hi"))

	delta, err := a2.ExportUpdates(b.Version())
	if err != nil {
		t.Fatalf("ExportUpdates() error: %v", err)
	}
	if err := b.Import(delta); err != nil {
		t.Fatalf("Import() error: %v", err)
	}

	md, err := b.ToMarkdown()
	if err != nil {
		t.Fatalf("ToMarkdown() error: %v", err)
	}
	if string(md) != "hi" {
		t.Fatalf("ToMarkdown() = %q, want %q", md, "hi")
	}

	hashA, err := a2.ContentHash()
	if err != nil {
		t.Fatal(err)
	}
	hashB, err := b.ContentHash()
	if err != nil {
		t.Fatal(err)
	}
	if hashA != hashB {
		t.Fatalf("content hashes differ: %s vs %s", hashA, hashB)
	}
}

// TestConcurrentBodyEditsConverge is spec.md §8 scenario 2.
func TestConcurrentBodyEditsConverge(t *testing.T) {
	t.Parallel()
	pa, pb := mustID(t, 1), mustID(t, 2)

	a := FromMarkdown(pa, "notes/X.md", []byte("Hello"))
	delta, err := a.ExportSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	b := New(pb, "notes/X.md")
	if err := b.Import(delta); err != nil {
		t.Fatal(err)
	}

	// A appends " world".
	ids := a.body.IDs()
	last := ids[len(ids)-1]
	counter := a.counter
	for _, ch := range " world" {
		counter++
		id := a.body.LocalInsert(last, ch, pa, counter)
		last = id
	}
	a.counter = counter

	// B concurrently prepends "Dear " at the very start of the sequence.
	bCounter := b.counter
	pre := crdt.ElemID{}
	for _, ch := range "Dear " {
		bCounter++
		id := b.body.LocalInsert(pre, ch, pb, bCounter)
		pre = id
	}
	b.counter = bCounter
	_ = ids

	// Exchange.
	aUpdates, err := a.ExportUpdates(b.Version())
	if err != nil {
		t.Fatal(err)
	}
	bUpdates, err := b.ExportUpdates(a.Version())
	if err != nil {
		t.Fatal(err)
	}
	// Note: exporting against the other's pre-exchange version double-counts
	// nothing since RGA ops are idempotent by id.
	if err := b.Import(aUpdates); err != nil {
		t.Fatal(err)
	}
	if err := a.Import(bUpdates); err != nil {
		t.Fatal(err)
	}

	mdA, _ := a.ToMarkdown()
	mdB, _ := b.ToMarkdown()
	if string(mdA) != string(mdB) {
		t.Fatalf("replicas diverged: a=%q b=%q", mdA, mdB)
	}
	want := "Dear Hello world"
	if string(mdA) != want {
		t.Fatalf("ToMarkdown() = %q, want %q", mdA, want)
	}

	hashA, _ := a.ContentHash()
	hashB, _ := b.ContentHash()
	if hashA != hashB {
		t.Fatalf("content hashes differ after merge: %s vs %s", hashA, hashB)
	}
}

func TestImportIdempotent(t *testing.T) {
	t.Parallel()
	a := FromMarkdown(mustID(t, 1), "n.md", []byte("body"))
	b := New(mustID(t, 2), "n.md")

	delta, err := a.ExportSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Import(delta); err != nil {
		t.Fatal(err)
	}
	first, _ := b.ToMarkdown()
	if err := b.Import(delta); err != nil {
		t.Fatal(err)
	}
	second, _ := b.ToMarkdown()
	if string(first) != string(second) {
		t.Fatalf("re-importing the same delta changed state: %q -> %q", first, second)
	}
}

func TestRenamePropagatesThroughImport(t *testing.T) {
	t.Parallel()
	a := New(mustID(t, 1), "knowledge/Foo.md")
	b := New(mustID(t, 2), "knowledge/Foo.md")

	snap, err := a.ExportSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Import(snap); err != nil {
		t.Fatal(err)
	}

	a.UpdatePath("knowledge/Bar.md")
	delta, err := a.ExportUpdates(b.Version())
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Import(delta); err != nil {
		t.Fatal(err)
	}

	if got := b.StoredPath(); got != "knowledge/Bar.md" {
		t.Fatalf("StoredPath() = %q, want knowledge/Bar.md", got)
	}
}

// TestMergeExternalEditConvergesWithInteriorChange is the regression case
// for the old re-parse-and-import merge strategy: an edit that changes text
// before the end of the body (not a pure append) must still converge.
func TestMergeExternalEditConvergesWithInteriorChange(t *testing.T) {
	t.Parallel()
	d := FromMarkdown(mustID(t, 1), "n.md", []byte("hello"))

	if err := d.MergeExternalEdit([]byte("Xhello")); err != nil {
		t.Fatalf("MergeExternalEdit() error: %v", err)
	}
	md, err := d.ToMarkdown()
	if err != nil {
		t.Fatal(err)
	}
	if string(md) != "Xhello" {
		t.Fatalf("ToMarkdown() = %q, want Xhello", md)
	}

	if err := d.MergeExternalEdit([]byte("Xhelo")); err != nil {
		t.Fatalf("MergeExternalEdit() error: %v", err)
	}
	md, err = d.ToMarkdown()
	if err != nil {
		t.Fatal(err)
	}
	if string(md) != "Xhelo" {
		t.Fatalf("ToMarkdown() = %q, want Xhelo", md)
	}
}

// TestVersionReflectsPathAndFrontmatterOnlyChanges guards ExportDiff's
// change gate: a rename or frontmatter edit with no body change must still
// advance the version this document reports.
func TestVersionReflectsPathAndFrontmatterOnlyChanges(t *testing.T) {
	t.Parallel()
	d := FromMarkdown(mustID(t, 1), "notes/a.md", []byte("body"))
	v0 := d.Version()

	d.UpdatePath("notes/b.md")
	v1 := d.Version()
	if v1.Equal(v0) {
		t.Fatal("Version() did not change after UpdatePath")
	}

	// Same body, new frontmatter key: no body RGA op at all.
	if err := d.MergeExternalEdit([]byte("---\ntitle: hi\n---\n\nbody")); err != nil {
		t.Fatal(err)
	}
	v2 := d.Version()
	if v2.Equal(v1) {
		t.Fatal("Version() did not change after a frontmatter-only edit")
	}
}

func TestFromMarkdownMalformedFrontmatterFallsBack(t *testing.T) {
	t.Parallel()
	d := FromMarkdown(mustID(t, 1), "n.md", []byte("---\ntitle: [oops\n---\nkeep me"))
	md, err := d.ToMarkdown()
	if err != nil {
		t.Fatal(err)
	}
	if string(md) != "---\ntitle: [oops\n---\nkeep me" {
		t.Fatalf("ToMarkdown() = %q, want verbatim fallback body", md)
	}
}
