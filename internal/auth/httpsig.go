package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-fed/httpsig"
	"github.com/kroegd/kroegd/internal/ap"
	"github.com/kroegd/kroegd/internal/store"
)

// verifyHTTPSignature parses the Signature header, rewrites Mastodon's
// acct: keyId quirk, fetches the key entity through the store (so the
// retrieving decorator's remote fetch and caching apply transparently),
// and verifies with go-fed/httpsig under SHA-256.
func verifyHTTPSignature(ctx context.Context, req *http.Request, entityStore store.EntityStore) (User, bool) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return User{}, false
	}

	keyID := verifier.KeyId()
	keyID = rewriteMastodonKeyID(keyID)

	keyItem, err := entityStore.Get(ctx, keyID, false)
	if err != nil || keyItem == nil {
		return User{}, false
	}

	pemStr, ok := keyItem.Main.FirstString(ap.SecPublicKeyPem)
	if !ok {
		return User{}, false
	}
	pubKey, err := ap.ParsePublicKeyPEM(pemStr)
	if err != nil {
		return User{}, false
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return User{}, false
	}

	owner, ok := keyItem.Main.FirstString(ap.SecOwner)
	if !ok {
		owner, ok = keyItem.Main.FirstID(ap.SecOwner)
		if !ok {
			return User{}, false
		}
	}

	return User{Subject: owner, TokenIdentifier: "http-signature", Claims: map[string]string{}}, true
}

// rewriteMastodonKeyID rewrites a bare acct:user@host keyId into the
// well-known public-key actor IRI shape some older servers expect.
func rewriteMastodonKeyID(keyID string) string {
	const prefix = "acct:"
	if len(keyID) <= len(prefix) || keyID[:len(prefix)] != prefix {
		return keyID
	}
	rest := keyID[len(prefix):]
	at := -1
	for i, c := range rest {
		if c == '@' {
			at = i
			break
		}
	}
	if at < 0 {
		return keyID
	}
	user, host := rest[:at], rest[at+1:]
	return fmt.Sprintf("https://%s/users/%s#public-key", host, user)
}
