package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kroegd/kroegd/internal/ap"
	"github.com/kroegd/kroegd/internal/store"
)

// verifyBearerJWT verifies a compact RS256 JWS whose kid header names a
// key entity IRI; the key's sec:publicKeyPem is the verification key. The
// resulting principal carries the token's registered and extra claims.
func verifyBearerJWT(ctx context.Context, token string, entityStore store.EntityStore) (User, bool) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing kid")
		}
		keyItem, err := entityStore.Get(ctx, kid, false)
		if err != nil || keyItem == nil {
			return nil, fmt.Errorf("key entity not found: %s", kid)
		}
		pemStr, ok := keyItem.Main.FirstString(ap.SecPublicKeyPem)
		if !ok {
			return nil, fmt.Errorf("key entity missing publicKeyPem")
		}
		return ap.ParsePublicKeyPEM(pemStr)
	}, jwt.WithValidMethods([]string{"RS256"}))

	if err != nil || !parsed.Valid {
		return User{}, false
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return User{}, false
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return User{}, false
	}
	iss, _ := claims["iss"].(string)
	jti, _ := claims["jti"].(string)

	var audience []string
	switch aud := claims["aud"].(type) {
	case string:
		audience = []string{aud}
	case []interface{}:
		for _, a := range aud {
			if s, ok := a.(string); ok {
				audience = append(audience, s)
			}
		}
	}

	other := map[string]string{}
	for k, v := range claims {
		switch k {
		case "iss", "sub", "aud", "exp", "nbf", "iat", "jti":
			continue
		}
		if s, ok := v.(string); ok {
			other[k] = s
		}
	}

	return User{
		Subject:         sub,
		Issuer:          iss,
		Audience:        audience,
		Claims:          other,
		TokenIdentifier: jti,
	}, true
}
