package httpserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-fed/httpsig"

	"github.com/kroegd/kroegd/internal/ap"
	"github.com/kroegd/kroegd/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.SQLStore) {
	t.Helper()
	s, err := store.Open("sqlite://:memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New("https://x.test", 1, s, store.NewSQLQueue(s)), s
}

func putLocalActor(t *testing.T, ctx context.Context, s *store.SQLStore, id, username string) {
	t.Helper()
	inboxID, outboxID := id+"/inbox", id+"/outbox"

	actor := ap.NewStoreItem(id)
	actor.Main.Push("@type", ap.IDPointer(ap.AS2Person))
	actor.Main.Push(ap.AS2PreferredUsername, ap.ValuePointer(username, ap.XSDString))
	actor.Main.Push(ap.AS2Outbox, ap.IDPointer(outboxID))
	actor.Main.Push(ap.LDPInbox, ap.IDPointer(inboxID))
	actor.Meta.Push(ap.KroegInstance, ap.ValuePointer("1", ap.XSDInteger))
	if err := s.Put(ctx, id, actor); err != nil {
		t.Fatalf("put actor: %v", err)
	}

	outbox := ap.NewStoreItem(outboxID)
	outbox.Main.Push("@type", ap.IDPointer(ap.AS2OrderedCollection))
	outbox.Meta.Push(ap.KroegInstance, ap.ValuePointer("1", ap.XSDInteger))
	outbox.Meta.Push(ap.KroegBox, ap.IDPointer(ap.AS2Outbox))
	if err := s.Put(ctx, outboxID, outbox); err != nil {
		t.Fatalf("put outbox: %v", err)
	}

	inbox := ap.NewStoreItem(inboxID)
	inbox.Main.Push("@type", ap.IDPointer(ap.AS2OrderedCollection))
	inbox.Meta.Push(ap.KroegInstance, ap.ValuePointer("1", ap.XSDInteger))
	inbox.Meta.Push(ap.KroegBox, ap.IDPointer(ap.LDPInbox))
	if err := s.Put(ctx, inboxID, inbox); err != nil {
		t.Fatalf("put inbox: %v", err)
	}
}

// TestWebFingerResolvesLocalActor: a WebFinger lookup for a known local
// username resolves to that actor's IRI and a matching self link.
func TestWebFingerResolvesLocalActor(t *testing.T) {
	srv, s := newTestServer(t)
	putLocalActor(t, context.Background(), s, "https://x.test/~alice", "alice")

	req := httptest.NewRequest("GET", "/.well-known/webfinger?resource=acct:alice@x.test", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp webFingerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Aliases) != 1 || resp.Aliases[0] != "https://x.test/~alice" {
		t.Fatalf("unexpected aliases: %+v", resp.Aliases)
	}
	foundSelf := false
	for _, l := range resp.Links {
		if l.Rel == "self" && l.Href == "https://x.test/~alice" {
			foundSelf = true
		}
	}
	if !foundSelf {
		t.Fatalf("expected a self link pointing at the actor, got %+v", resp.Links)
	}
}

func TestWebFingerUnknownUserIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/.well-known/webfinger?resource=acct:nobody@x.test", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != 404 {
		t.Fatalf("expected 404 for unknown user, got %d", rec.Code)
	}
}

func TestNodeInfoDiscoveryPointsAt20Schema(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/.well-known/nodeinfo", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/-/nodeinfo/2.0") {
		t.Fatalf("expected discovery document to link the 2.0 schema, got %s", rec.Body.String())
	}
}

func TestNodeInfo2CountsLocalUsers(t *testing.T) {
	srv, s := newTestServer(t)
	putLocalActor(t, context.Background(), s, "https://x.test/~alice", "alice")
	putLocalActor(t, context.Background(), s, "https://x.test/~bob", "bob")

	req := httptest.NewRequest("GET", "/-/nodeinfo/2.0", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	var body struct {
		Usage struct {
			Users struct {
				Total int `json:"total"`
			} `json:"users"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Usage.Users.Total != 2 {
		t.Fatalf("expected 2 local users counted, got %d", body.Usage.Users.Total)
	}
}

// TestPostThenGetOutboxRoundTrip goes end to end through the HTTP layer:
// posting a bare, publicly addressed Note to an actor's outbox returns
// 201 with a Location, and a subsequent anonymous GET of that location
// returns the stored Create activity (which carries the Note's as:to).
func TestPostThenGetOutboxRoundTrip(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()
	putLocalActor(t, ctx, s, "https://x.test/~alice", "alice")

	body := `{"@context":"https://www.w3.org/ns/activitystreams","type":"Note","content":"hi","to":[{"@id":"https://www.w3.org/ns/activitystreams#Public"}]}`
	postReq := httptest.NewRequest("POST", "/~alice/outbox", strings.NewReader(body))
	postRec := httptest.NewRecorder()
	srv.router.ServeHTTP(postRec, postReq)

	if postRec.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", postRec.Code, postRec.Body.String())
	}
	location := postRec.Header().Get("Location")
	if location == "" || !strings.HasPrefix(location, "https://x.test/") {
		t.Fatalf("expected a Location header minted under the server base, got %q", location)
	}

	getReq := httptest.NewRequest("GET", strings.TrimPrefix(location, "https://x.test"), nil)
	getRec := httptest.NewRecorder()
	srv.router.ServeHTTP(getRec, getReq)

	if getRec.Code != 200 {
		t.Fatalf("expected 200 on GET of the newly created activity, got %d: %s", getRec.Code, getRec.Body.String())
	}
	if !strings.Contains(getRec.Body.String(), "Create") {
		t.Fatalf("expected the fetched document to render as a Create activity, got %s", getRec.Body.String())
	}
}

// TestSignedInboundDelivery: a remote actor's signed POST to a local
// inbox verifies against the sender's published key, lands the activity
// in the inbox collection, and produces no outbound queue items.
func TestSignedInboundDelivery(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()
	putLocalActor(t, ctx, s, "https://x.test/~alice", "alice")

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}))

	const keyID = "https://y.test/u/b#main-key"
	key := ap.NewStoreItem(keyID)
	key.Main.Push("@type", ap.IDPointer(ap.SecurityNS+"Key"))
	key.Main.Push(ap.SecOwner, ap.IDPointer("https://y.test/u/b"))
	key.Main.Push(ap.SecPublicKeyPem, ap.ValuePointer(pubPEM, ap.XSDString))
	if err := s.Put(ctx, keyID, key); err != nil {
		t.Fatalf("put key entity: %v", err)
	}

	body := []byte(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"@id": "https://y.test/activities/1",
		"type": "Create",
		"actor": {"@id": "https://y.test/u/b"},
		"to": [{"@id": "https://x.test/~alice"}],
		"object": {"@id": "https://y.test/notes/1", "type": "Note", "content": "hi alice"}
	}`)
	req := httptest.NewRequest("POST", "/~alice/inbox", bytes.NewReader(body))
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if err := signer.SignRequest(priv, keyID, req, body); err != nil {
		t.Fatalf("sign request: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	inInbox, err := s.FindCollection(ctx, "https://x.test/~alice/inbox", "https://y.test/activities/1")
	if err != nil {
		t.Fatalf("find collection: %v", err)
	}
	if !inInbox {
		t.Fatalf("expected the delivered activity to be in alice's inbox collection")
	}

	leased, err := store.NewSQLQueue(s).Lease(ctx, 10)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(leased) != 0 {
		t.Fatalf("expected an inbox delivery to produce no outbound queue items, got %d", len(leased))
	}
}
