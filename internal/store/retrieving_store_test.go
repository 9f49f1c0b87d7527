package store

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kroegd/kroegd/internal/ap"
)

// TestRetrievingStoreFetchesAndRestrictsOrigin: a remote document
// asserting a node under a third-party authority has that node dropped;
// only same-origin items are cached.
func TestRetrievingStoreFetchesAndRestrictsOrigin(t *testing.T) {
	ctx := context.Background()
	inner := newTestStore(t)

	var remote *httptest.Server
	remote = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		_, _ = w.Write([]byte(`{
			"@id": "` + remote.URL + `/notes/1",
			"type": "Note",
			"content": "from over there",
			"inReplyTo": {
				"@id": "https://z.test/forged",
				"type": "Note",
				"content": "asserted about someone else"
			}
		}`))
	}))
	t.Cleanup(remote.Close)

	rs := NewRetrievingStore(inner, "https://x.test")

	item, err := rs.Get(ctx, remote.URL+"/notes/1", false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item == nil {
		t.Fatalf("expected the remote note to be fetched and cached")
	}
	if content, _ := item.Main.FirstString(ap.AS2NS + "content"); content != "from over there" {
		t.Fatalf("unexpected content: %q", content)
	}

	forged, err := inner.Get(ctx, "https://z.test/forged", true)
	if err != nil {
		t.Fatalf("get forged: %v", err)
	}
	if forged != nil {
		t.Fatalf("expected the third-party assertion to be dropped by the origin restriction")
	}
}

// TestRetrievingStoreNeverFetchesLocalOrBlank: local, blank-node, and
// tag: IRIs return a clean miss without any network call.
func TestRetrievingStoreNeverFetchesLocalOrBlank(t *testing.T) {
	ctx := context.Background()
	inner := newTestStore(t)
	rs := NewRetrievingStore(inner, "https://x.test")

	for _, iri := range []string{"https://x.test/~alice", "_:b1", "tag:example,2024:thing"} {
		item, err := rs.Get(ctx, iri, false)
		if err != nil {
			t.Fatalf("get %s: %v", iri, err)
		}
		if item != nil {
			t.Fatalf("expected a clean miss for %s, got an item", iri)
		}
	}
}

// TestRetrievingStoreSynthesizesPublic: as:Public is a constant
// collection, never fetched.
func TestRetrievingStoreSynthesizesPublic(t *testing.T) {
	ctx := context.Background()
	inner := newTestStore(t)
	rs := NewRetrievingStore(inner, "https://x.test")

	item, err := rs.Get(ctx, ap.AS2Public, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item == nil || !item.Main.HasType(ap.AS2Collection) {
		t.Fatalf("expected as:Public synthesized as a Collection, got %+v", item)
	}
}
