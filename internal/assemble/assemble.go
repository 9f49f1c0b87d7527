// Package assemble renders entities for output: given a root item, it
// recursively inlines authorised sub-items and collection pages into a
// single JSON-LD document, bounded by a depth cap and a seen set.
package assemble

import (
	"context"
	"fmt"

	"github.com/kroegd/kroegd/internal/ap"
	"github.com/kroegd/kroegd/internal/auth"
	"github.com/kroegd/kroegd/internal/store"
)

// maxDepth bounds recursive inlining.
const maxDepth = 6

// Assemble recursively embeds referenced items into root, subject to
// authorisation (authorizer.CanShow) and the depth cap, breaking cycles via
// seen. The returned Node carries Pointer.Embedded sub-nodes wherever
// inlining happened; ap.Compact renders those as nested JSON-LD objects.
func Assemble(ctx context.Context, entityStore store.EntityStore, instanceID int64, root *ap.StoreItem, depth int, authorizer auth.Authorizer, seen map[string]bool) (*ap.Node, error) {
	if root == nil {
		return nil, fmt.Errorf("assemble: nil root")
	}
	if seen[root.ID] {
		return ap.NewNode(root.ID), nil // cycle guard: bare empty node, caller already has the id reference
	}
	seen[root.ID] = true

	out := ap.NewNode(root.ID)
	for predicate, values := range root.Main.Attrs {
		var rendered []ap.Pointer
		for _, v := range values {
			if v.IsValue || v.ID == "" || depth >= maxDepth {
				rendered = append(rendered, v)
				continue
			}

			if seen[v.ID] {
				rendered = append(rendered, v)
				continue
			}

			sub, err := entityStore.Get(ctx, v.ID, false)
			if err != nil {
				return nil, err
			}
			if sub == nil || !authorizer.CanShow(sub, instanceID) {
				rendered = append(rendered, v)
				continue
			}

			embedded, err := Assemble(ctx, entityStore, instanceID, sub, depth+1, authorizer, seen)
			if err != nil {
				return nil, err
			}
			p := v
			p.Embedded = embedded
			rendered = append(rendered, p)
		}
		out.Set(predicate, rendered)
	}

	return out, nil
}

// WithSyntheticFirst returns a copy of item's node with a synthetic as:first
// pointer added (rewritten by the GET handler into a collection page on a
// later request), used when an owned OrderedCollection is fetched without a
// page cursor.
func WithSyntheticFirst(item *ap.StoreItem) *ap.StoreItem {
	clone := &ap.StoreItem{ID: item.ID, Main: ap.NewNode(item.ID), Meta: item.Meta}
	for predicate, values := range item.Main.Attrs {
		clone.Main.Set(predicate, values)
	}
	clone.Main.Push(ap.AS2First, ap.IDPointer(item.ID+"?first"))
	return clone
}

// BuildCollectionPage builds the on-demand OrderedCollectionPage entity for
// query (either "first" or an opaque cursor), with as:prev/as:next rebuilt
// from the store's cursor pair.
func BuildCollectionPage(ctx context.Context, entityStore store.EntityStore, item *ap.StoreItem, query string) (*ap.StoreItem, error) {
	cursor := query
	if query == "first" {
		cursor = ""
	}

	page, err := entityStore.ReadCollection(ctx, item.ID, 0, cursor)
	if err != nil {
		return nil, err
	}

	fullID := fmt.Sprintf("%s?%s", item.ID, query)
	pageItem := ap.NewStoreItem(fullID)
	pageItem.Main.Push("@type", ap.IDPointer(ap.AS2OrderedCollPage))
	pageItem.Main.Push(ap.AS2PartOf, ap.IDPointer(item.ID))

	var itemsList []ap.Pointer
	for _, iri := range page.Items {
		itemsList = append(itemsList, ap.IDPointer(iri))
	}
	pageItem.Main.Set(ap.AS2Items, itemsList)

	if page.Before != nil {
		pageItem.Main.Push(ap.AS2Prev, ap.IDPointer(fmt.Sprintf("%s?%s", item.ID, *page.Before)))
	}
	if page.After != nil {
		pageItem.Main.Push(ap.AS2Next, ap.IDPointer(fmt.Sprintf("%s?%s", item.ID, *page.After)))
	}

	return pageItem, nil
}
