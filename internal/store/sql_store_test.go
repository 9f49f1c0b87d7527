package store

import (
	"context"
	"testing"

	"github.com/kroegd/kroegd/internal/ap"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open("sqlite://:memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestGetAfterPutReturnsStoredValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := ap.NewStoreItem("https://x.test/~a")
	item.Main.Push("@type", ap.IDPointer(ap.AS2NS+"Person"))
	item.Main.Push(ap.AS2PreferredUsername, ap.ValuePointer("a", ap.XSDString))
	item.Meta.Push(ap.KroegInstance, ap.ValuePointer("1", ap.XSDInteger))

	if err := s.Put(ctx, item.ID, item); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, item.ID, true)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected item, got nil")
	}
	if !got.Main.HasType(ap.AS2NS + "Person") {
		t.Fatalf("missing type: %+v", got.Main.Types())
	}
	username, ok := got.Main.FirstString(ap.AS2PreferredUsername)
	if !ok || username != "a" {
		t.Fatalf("unexpected username: %q ok=%v", username, ok)
	}
	if !got.Owned(1) {
		t.Fatalf("expected item to be owned by instance 1")
	}
}

func TestCollectionsAreOrderedAndPaginated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	coll := "https://x.test/~a/outbox"
	for _, member := range []string{"https://x.test/~a/outbox/1", "https://x.test/~a/outbox/2", "https://x.test/~a/outbox/3"} {
		if err := s.InsertCollection(ctx, coll, member); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	page, err := s.ReadCollection(ctx, coll, 2, "")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page.Items))
	}
	if page.Items[0] != "https://x.test/~a/outbox/3" {
		t.Fatalf("expected reverse-insertion order, got %v", page.Items)
	}
	if page.After == nil {
		t.Fatalf("expected an after cursor since more items remain")
	}

	found, err := s.FindCollection(ctx, coll, "https://x.test/~a/outbox/1")
	if err != nil || !found {
		t.Fatalf("expected membership true, got %v err=%v", found, err)
	}
}

func TestGetOnMissingReturnsNilNotError(t *testing.T) {
	s := newTestStore(t)
	item, err := s.Get(context.Background(), "https://x.test/nope", true)
	if err != nil {
		t.Fatalf("expected no error on miss, got %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item on miss")
	}
}
