package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/kroegd/kroegd/internal/store"
)

// Authenticate derives a principal from the request: bearer JWT first,
// then HTTP Signature, then anonymous. A malformed or absent credential
// degrades to Anonymous rather than failing the request; authorization
// is enforced per-operation, not at the authentication boundary.
func Authenticate(ctx context.Context, req *http.Request, entityStore store.EntityStore) User {
	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token := strings.TrimPrefix(auth, "Bearer ")
		if user, ok := verifyBearerJWT(ctx, token, entityStore); ok {
			return user
		}
	}

	if req.Header.Get("Signature") != "" {
		if user, ok := verifyHTTPSignature(ctx, req, entityStore); ok {
			return user
		}
	}

	return Anonymous()
}
