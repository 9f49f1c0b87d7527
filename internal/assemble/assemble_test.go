package assemble

import (
	"context"
	"testing"

	"github.com/kroegd/kroegd/internal/ap"
	"github.com/kroegd/kroegd/internal/auth"
	"github.com/kroegd/kroegd/internal/store"
)

func newTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.Open("sqlite://:memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func putPublicNote(t *testing.T, ctx context.Context, s *store.SQLStore, id string, refs ...string) *ap.StoreItem {
	t.Helper()
	item := ap.NewStoreItem(id)
	item.Main.Push("@type", ap.IDPointer(ap.AS2Note))
	item.Main.Push(ap.AS2To, ap.IDPointer(ap.AS2Public))
	for _, r := range refs {
		item.Main.Push(ap.AS2NS+"inReplyTo", ap.IDPointer(r))
	}
	item.Meta.Push(ap.KroegInstance, ap.ValuePointer("1", ap.XSDInteger))
	if err := s.Put(ctx, id, item); err != nil {
		t.Fatalf("put %s: %v", id, err)
	}
	return item
}

// TestAssembleInlinesVisibleReferences covers the ordinary embedding path:
// a publicly visible referenced item gets inlined as an Embedded node.
func TestAssembleInlinesVisibleReferences(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	putPublicNote(t, ctx, s, "https://x.test/note/1")
	root := putPublicNote(t, ctx, s, "https://x.test/note/2", "https://x.test/note/1")

	authorizer := auth.DefaultAuthorizer{User: auth.Anonymous()}
	out, err := Assemble(ctx, s, 1, root, 0, authorizer, map[string]bool{})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	ptrs := out.Get(ap.AS2NS + "inReplyTo")
	if len(ptrs) != 1 || ptrs[0].Embedded == nil {
		t.Fatalf("expected inReplyTo target to be inlined")
	}
	if ptrs[0].Embedded.ID != "https://x.test/note/1" {
		t.Fatalf("embedded node has wrong id: %q", ptrs[0].Embedded.ID)
	}
}

// TestAssembleRefusesInvisibleReferences covers the authorizer gate: a
// reference the caller can't see is left as a bare pointer, not inlined.
func TestAssembleRefusesInvisibleReferences(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	private := ap.NewStoreItem("https://x.test/note/1")
	private.Main.Push("@type", ap.IDPointer(ap.AS2Note))
	private.Main.Push(ap.AS2To, ap.IDPointer("https://x.test/~someone-else"))
	private.Meta.Push(ap.KroegInstance, ap.ValuePointer("1", ap.XSDInteger))
	if err := s.Put(ctx, private.ID, private); err != nil {
		t.Fatalf("put private: %v", err)
	}
	root := putPublicNote(t, ctx, s, "https://x.test/note/2", "https://x.test/note/1")

	authorizer := auth.DefaultAuthorizer{User: auth.Anonymous()}
	out, err := Assemble(ctx, s, 1, root, 0, authorizer, map[string]bool{})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	ptrs := out.Get(ap.AS2NS + "inReplyTo")
	if len(ptrs) != 1 || ptrs[0].Embedded != nil {
		t.Fatalf("expected an unauthorized reference to stay a bare pointer, not be inlined")
	}
	if ptrs[0].ID != "https://x.test/note/1" {
		t.Fatalf("bare pointer lost its id: %+v", ptrs[0])
	}
}

// TestAssembleBreaksCycles: two notes replying to each other must not
// recurse forever.
func TestAssembleBreaksCycles(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := ap.NewStoreItem("https://x.test/note/a")
	a.Main.Push("@type", ap.IDPointer(ap.AS2Note))
	a.Main.Push(ap.AS2To, ap.IDPointer(ap.AS2Public))
	a.Main.Push(ap.AS2NS+"inReplyTo", ap.IDPointer("https://x.test/note/b"))
	a.Meta.Push(ap.KroegInstance, ap.ValuePointer("1", ap.XSDInteger))
	if err := s.Put(ctx, a.ID, a); err != nil {
		t.Fatalf("put a: %v", err)
	}

	b := ap.NewStoreItem("https://x.test/note/b")
	b.Main.Push("@type", ap.IDPointer(ap.AS2Note))
	b.Main.Push(ap.AS2To, ap.IDPointer(ap.AS2Public))
	b.Main.Push(ap.AS2NS+"inReplyTo", ap.IDPointer("https://x.test/note/a"))
	b.Meta.Push(ap.KroegInstance, ap.ValuePointer("1", ap.XSDInteger))
	if err := s.Put(ctx, b.ID, b); err != nil {
		t.Fatalf("put b: %v", err)
	}

	authorizer := auth.DefaultAuthorizer{User: auth.Anonymous()}
	out, err := Assemble(ctx, s, 1, a, 0, authorizer, map[string]bool{})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	// a -> b embedded, b -> a must stop at the bare pointer: the seen set
	// already holds a's id by the time the recursion reaches it again.
	first := out.Get(ap.AS2NS + "inReplyTo")
	if len(first) != 1 || first[0].Embedded == nil {
		t.Fatalf("expected b to be inlined under a")
	}
	second := first[0].Embedded.Get(ap.AS2NS + "inReplyTo")
	if len(second) != 1 || second[0].Embedded != nil {
		t.Fatalf("expected the cycle back to a to stay a bare pointer, not recurse again")
	}
}

// TestAssembleCapsDepth ensures a long reply chain stops inlining once
// maxDepth is reached, rather than inlining indefinitely.
func TestAssembleCapsDepth(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const chainLen = maxDepth + 4
	ids := make([]string, chainLen)
	for i := 0; i < chainLen; i++ {
		ids[i] = "https://x.test/note/" + string(rune('a'+i))
	}
	for i, id := range ids {
		item := ap.NewStoreItem(id)
		item.Main.Push("@type", ap.IDPointer(ap.AS2Note))
		item.Main.Push(ap.AS2To, ap.IDPointer(ap.AS2Public))
		if i+1 < chainLen {
			item.Main.Push(ap.AS2NS+"inReplyTo", ap.IDPointer(ids[i+1]))
		}
		item.Meta.Push(ap.KroegInstance, ap.ValuePointer("1", ap.XSDInteger))
		if err := s.Put(ctx, id, item); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	root, err := s.Get(ctx, ids[0], false)
	if err != nil || root == nil {
		t.Fatalf("get root: %v", err)
	}
	authorizer := auth.DefaultAuthorizer{User: auth.Anonymous()}
	out, err := Assemble(ctx, s, 1, root, 0, authorizer, map[string]bool{})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	depth := 0
	node := out
	for {
		ptrs := node.Get(ap.AS2NS + "inReplyTo")
		if len(ptrs) == 0 || ptrs[0].Embedded == nil {
			break
		}
		node = ptrs[0].Embedded
		depth++
	}
	if depth >= chainLen {
		t.Fatalf("expected inlining to stop before the full %d-long chain, embedded depth %d", chainLen, depth)
	}
}

// TestBuildCollectionPageRendersFirstPage: the first page of a small
// collection is an OrderedCollectionPage that lists every member and
// points back at the collection through as:partOf.
func TestBuildCollectionPageRendersFirstPage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	outbox := ap.NewStoreItem("https://x.test/~a/outbox")
	outbox.Main.Push("@type", ap.IDPointer(ap.AS2OrderedCollection))
	outbox.Meta.Push(ap.KroegInstance, ap.ValuePointer("1", ap.XSDInteger))
	outbox.Meta.Push(ap.KroegBox, ap.IDPointer(ap.AS2Outbox))
	if err := s.Put(ctx, outbox.ID, outbox); err != nil {
		t.Fatalf("put outbox: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.InsertCollection(ctx, outbox.ID, "https://x.test/~a/note/"+string(rune('1'+i))); err != nil {
			t.Fatalf("insert collection: %v", err)
		}
	}

	page, err := BuildCollectionPage(ctx, s, outbox, "first")
	if err != nil {
		t.Fatalf("build page: %v", err)
	}
	if !page.Main.HasType(ap.AS2OrderedCollPage) {
		t.Fatalf("expected an OrderedCollectionPage")
	}
	if items := page.Main.Get(ap.AS2Items); len(items) != 3 {
		t.Fatalf("expected 3 items on the page, got %d", len(items))
	}
	if partOf, ok := page.Main.FirstID(ap.AS2PartOf); !ok || partOf != outbox.ID {
		t.Fatalf("expected as:partOf to point back at the collection, got %q", partOf)
	}
}
