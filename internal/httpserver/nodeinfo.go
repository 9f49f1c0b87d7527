package httpserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/kroegd/kroegd/internal/ap"
	"github.com/kroegd/kroegd/internal/store"
)

// handleNodeInfoDiscovery serves the fixed discovery document pointing
// at the 2.0 schema.
func (s *Server) handleNodeInfoDiscovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"links": []map[string]string{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				"href": s.ServerBase + "/-/nodeinfo/2.0",
			},
		},
	})
}

// handleNodeInfo2 serves the 2.0 schema body. Usage counts are not kept
// as a running total; they're computed on demand by querying for local
// Person actors.
func (s *Server) handleNodeInfo2(w http.ResponseWriter, r *http.Request) {
	localUsers := s.countLocalUsers(r.Context())

	w.Header().Set("Content-Type", "application/json; profile=\"http://nodeinfo.diaspora.software/ns/schema/2.0#\"")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"version": "2.0",
		"software": map[string]string{
			"name":    "kroegd",
			"version": "0.1.0",
		},
		"protocols": []string{"activitypub"},
		"usage": map[string]interface{}{
			"users": map[string]int{
				"total": localUsers,
			},
		},
		"openRegistrations": false,
		"metadata":          map[string]interface{}{},
	})
}

// countLocalUsers counts rows carrying preferredUsername whose owning
// item belongs to this instance, by fetching each candidate and
// checking Owned. Small instances only; a dedicated count isn't worth
// a new store method for a best-effort discovery field.
func (s *Server) countLocalUsers(ctx context.Context) int {
	rows, err := s.EntityStore.Query(ctx, []store.QuadQuery{
		{
			Subject:   store.Var(0),
			Predicate: store.Concrete(ap.AS2PreferredUsername),
			Object:    store.QueryObject{}, // any value; only the subject binding is used
		},
	})
	if err != nil {
		return 0
	}
	count := 0
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		item, err := s.EntityStore.Get(ctx, row[0], true)
		if err != nil || item == nil {
			continue
		}
		if item.Owned(s.InstanceID) {
			count++
		}
	}
	return count
}
