package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kroegd/kroegd/internal/ap"
)

// RetrievingStore decorates an EntityStore with bounded remote fetch,
// expansion, untangling, and local caching for unknown IRIs. Fetched
// documents are origin-restricted: a remote host can only assert facts
// about its own IRIs.
type RetrievingStore struct {
	EntityStore
	base   string
	client *http.Client

	mu    sync.Mutex
	cache map[string]time.Time // iri -> last failed fetch attempt, TTL dedup
}

const fetchTTL = 10 * time.Minute

// NewRetrievingStore wraps inner, restricting fetches to IRIs outside base.
func NewRetrievingStore(inner EntityStore, base string) *RetrievingStore {
	return &RetrievingStore{
		EntityStore: inner,
		base:        base,
		client: &http.Client{
			Timeout: 7 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 2 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		cache: map[string]time.Time{},
	}
}

func (r *RetrievingStore) Get(ctx context.Context, iri string, localOnly bool) (*ap.StoreItem, error) {
	if item, err := r.EntityStore.Get(ctx, iri, localOnly); err != nil || item != nil {
		return item, err
	}
	if localOnly {
		return nil, nil
	}

	// Rule 1: never fetch local, blank, or tag: IRIs.
	if strings.HasPrefix(iri, "_:") || strings.HasPrefix(iri, r.base) || strings.HasPrefix(iri, ap.AS2Tag) {
		return nil, nil
	}

	// Rule 2: as:Public is a synthetic constant, never fetched.
	if iri == ap.AS2Public {
		item := ap.NewStoreItem(ap.AS2Public)
		item.Main.Push("@type", ap.IDPointer(ap.AS2Collection))
		return item, nil
	}

	r.mu.Lock()
	last, fetched := r.cache[iri]
	if fetched && time.Since(last) < fetchTTL {
		r.mu.Unlock()
		return nil, nil // recently attempted and failed/uninteresting; avoid hammering
	}
	r.mu.Unlock()

	if err := r.retrieveAndStore(ctx, iri); err != nil {
		r.mu.Lock()
		r.cache[iri] = time.Now()
		r.mu.Unlock()
		return nil, nil // fetch failure degrades to a clean miss
	}

	return r.EntityStore.Get(ctx, iri, true)
}

func (r *RetrievingStore) retrieveAndStore(ctx context.Context, iri string) error {
	body, err := r.fetch(ctx, iri)
	if err != nil {
		return err
	}

	items, _, err := ap.UntangleJSON(body)
	if err != nil {
		return fmt.Errorf("expand remote document: %w", err)
	}

	authority, err := authorityOf(iri)
	if err != nil {
		return err
	}

	for key, node := range items {
		itemAuthority, _ := authorityOf(strings.TrimPrefix(key, "_:"))
		if itemAuthority != authority {
			continue // origin restriction: drop third-party assertions
		}
		item := &ap.StoreItem{ID: key, Main: node, Meta: ap.NewNode(key)}
		if err := r.EntityStore.Put(ctx, key, item); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.cache[iri] = time.Now()
	r.mu.Unlock()
	return nil
}

func (r *RetrievingStore) fetch(ctx context.Context, iri string) ([]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, 7*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, iri, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", `application/ld+json; profile="https://www.w3.org/ns/activitystreams", application/activity+json, application/json`)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: status %d", iri, resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

func authorityOf(iri string) (string, error) {
	u, err := url.Parse(iri)
	if err != nil {
		return "", err
	}
	return u.Host, nil
}
