// Package auth implements principal extraction (bearer JWT, then HTTP
// Signature, then anonymous fallback) and the visibility/replaceability
// authorizers used by the assembler and the ingest pipeline.
package auth

// User is the principal attached to a request.
type User struct {
	Subject         string
	Issuer          string
	Audience        []string
	Claims          map[string]string
	TokenIdentifier string
}

// Anonymous is the sentinel principal used when no credential is present or
// a presented credential fails verification. Its subject is the literal
// string "anonymous".
func Anonymous() User {
	return User{Subject: "anonymous", TokenIdentifier: "anon", Claims: map[string]string{}}
}

func (u User) IsAnonymous() bool { return u.Subject == "anonymous" }
