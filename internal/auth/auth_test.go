package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"testing"
	"time"

	"github.com/go-fed/httpsig"
	"github.com/golang-jwt/jwt/v5"

	"github.com/kroegd/kroegd/internal/ap"
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

func putKeyEntity(t *testing.T, ctx context.Context, s *store.SQLStore, keyID, owner string, pub *rsa.PublicKey) {
	t.Helper()
	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pemStr := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}))

	item := ap.NewStoreItem(keyID)
	item.Main.Push("@type", ap.IDPointer(ap.SecurityNS+"Key"))
	item.Main.Push(ap.SecOwner, ap.IDPointer(owner))
	item.Main.Push(ap.SecPublicKeyPem, ap.ValuePointer(pemStr, ap.XSDString))
	item.Meta.Push(ap.KroegInstance, ap.ValuePointer("1", ap.XSDInteger))
	if err := s.Put(ctx, keyID, item); err != nil {
		t.Fatalf("put key entity: %v", err)
	}
}

// TestVerifyBearerJWTRoundTrip covers property 6 for bearer JWTs: a token
// signed with a private key verifies against the public half published on
// the key entity the token's kid names, and carries the subject through.
func TestVerifyBearerJWTRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	const keyID = "https://x.test/~alice#main-key"
	const subject = "https://x.test/~alice"
	putKeyEntity(t, ctx, s, keyID, subject, &priv.PublicKey)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": subject,
		"iss": "https://x.test",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = keyID
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}

	user, ok := verifyBearerJWT(ctx, signed, s)
	if !ok {
		t.Fatalf("expected a JWT signed by the key entity's own key to verify")
	}
	if user.Subject != subject {
		t.Fatalf("expected subject %q, got %q", subject, user.Subject)
	}
}

// TestVerifyBearerJWTRejectsWrongKey ensures a token signed by an unrelated
// key fails verification even when it names a real kid.
func TestVerifyBearerJWTRejectsWrongKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	other, _ := rsa.GenerateKey(rand.Reader, 2048)
	const keyID = "https://x.test/~alice#main-key"
	putKeyEntity(t, ctx, s, keyID, "https://x.test/~alice", &priv.PublicKey)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "https://x.test/~alice"})
	token.Header["kid"] = keyID
	signed, err := token.SignedString(other)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}

	if _, ok := verifyBearerJWT(ctx, signed, s); ok {
		t.Fatalf("expected verification to fail when signed by a key other than the one published at kid")
	}
}

// TestVerifyHTTPSignatureRoundTrip covers property 6 for HTTP Signatures: a
// request signed with a private key verifies against the public half on
// the keyId's key entity, and resolves to that entity's sec:owner.
func TestVerifyHTTPSignatureRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	const keyID = "https://y.test/~bob#main-key"
	const owner = "https://y.test/~bob"
	putKeyEntity(t, ctx, s, keyID, owner, &priv.PublicKey)

	body := []byte(`{"type":"Like"}`)
	req, err := http.NewRequest(http.MethodPost, "https://x.test/~alice/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

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

	user, ok := verifyHTTPSignature(ctx, req, s)
	if !ok {
		t.Fatalf("expected a request signed by the key entity's own key to verify")
	}
	if user.Subject != owner {
		t.Fatalf("expected subject %q, got %q", owner, user.Subject)
	}
}

// TestRewriteMastodonKeyID covers the acct: keyId quirk rewrite in
// isolation, since it only fires for a specific legacy Mastodon shape.
func TestRewriteMastodonKeyID(t *testing.T) {
	got := rewriteMastodonKeyID("acct:alice@remote.test")
	want := "https://remote.test/users/alice#public-key"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	passthrough := "https://remote.test/users/alice#main-key"
	if rewriteMastodonKeyID(passthrough) != passthrough {
		t.Fatalf("expected a non-acct keyId to pass through unchanged")
	}
}
