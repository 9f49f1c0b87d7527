package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kroegd/kroegd/internal/ap"
	"github.com/kroegd/kroegd/internal/store"
)

// webFingerResponse is the JRD shape from RFC 7033.
type webFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []webFingerLink `json:"links"`
}

type webFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// handleWebFinger resolves ?resource=acct:user@host to the local actor
// with that preferredUsername.
func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	user, ok := strings.CutPrefix(resource, "acct:")
	if !ok {
		http.Error(w, "unsupported resource type", http.StatusBadRequest)
		return
	}
	user, _, _ = strings.Cut(user, "@")
	if user == "" {
		http.Error(w, "malformed resource", http.StatusBadRequest)
		return
	}

	actorIRI, err := s.resolveUsername(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	if actorIRI == "" {
		http.Error(w, "no such user", http.StatusNotFound)
		return
	}

	resp := webFingerResponse{
		Subject: resource,
		Aliases: []string{actorIRI},
		Links: []webFingerLink{
			{Rel: "self", Type: "application/activity+json", Href: actorIRI},
			{Rel: "http://webfinger.net/rel/profile-page", Href: actorIRI},
		},
	}
	w.Header().Set("Content-Type", "application/jrd+json")
	_ = json.NewEncoder(w).Encode(resp)
}

// resolveUsername finds the local actor with the given preferredUsername:
// a single-pattern query {?u as:preferredUsername username}, after which
// each candidate is loaded and the first one owned by this instance wins.
func (s *Server) resolveUsername(ctx context.Context, username string) (string, error) {
	rows, err := s.EntityStore.Query(ctx, []store.QuadQuery{
		{
			Subject:   store.Var(0),
			Predicate: store.Concrete(ap.AS2PreferredUsername),
			Object:    store.QueryObject{Value: username, IsValue: true},
		},
	})
	if err != nil {
		return "", err
	}
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		item, err := s.EntityStore.Get(ctx, row[0], true)
		if err != nil || item == nil {
			continue
		}
		if item.Owned(s.InstanceID) {
			return row[0], nil
		}
	}
	return "", nil
}
