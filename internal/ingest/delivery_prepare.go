package ingest

import (
	"context"

	"github.com/kroegd/kroegd/internal/ap"
	"github.com/kroegd/kroegd/internal/reqctx"
	"github.com/kroegd/kroegd/internal/store"
)

// workItem is one entry of the audience worklist: a candidate id to
// resolve to inboxes, the depth it was discovered at (caps local
// collection expansion at 3), and whether it arrived via the posting
// user's own followers collection (enabling shared-inbox resolution).
type workItem struct {
	id       string
	depth    int
	isShared bool
}

// PrepareDelivery walks root's audience (to/bto/cc/bcc/audience/actor)
// and resolves it to a concrete set of inbox IRIs, enqueueing one
// "deliver" item per (root, inbox) pair: a depth-capped worklist
// expansion of local OrderedCollections, with shared-inbox resolution
// for remote recipients. When local is true only local followers of a
// remote actor are resolved, for inbound shared-inbox delivery; that
// resolution runs synchronously within the ingest request, not as a
// further queued step.
func PrepareDelivery(ctx context.Context, rc *reqctx.Context, rootID string, local bool) error {
	root, err := rc.EntityStore.Get(ctx, rootID, false)
	if err != nil {
		return err
	}
	if root == nil {
		return nil
	}

	boxes := map[string]bool{}
	var worklist []workItem

	for _, pred := range []string{ap.AS2To, ap.AS2Bto, ap.AS2CC, ap.AS2BCC, ap.AS2Audience, ap.AS2Actor} {
		for _, id := range root.Main.IDs(pred) {
			worklist = append(worklist, workItem{id: id, depth: 0})
		}
	}

	var followersID string
	if user, err := rc.EntityStore.Get(ctx, rc.User.Subject, true); err == nil && user != nil {
		if ids := user.Main.IDs(ap.AS2Followers); len(ids) == 1 {
			followersID = ids[0]
		}
	}

	for len(worklist) > 0 {
		n := len(worklist) - 1
		w := worklist[n]
		worklist = worklist[:n]

		item, err := rc.EntityStore.Get(ctx, w.id, false)
		if err != nil {
			return err
		}
		if item == nil {
			continue
		}

		if !item.Owned(rc.InstanceID) {
			if local {
				if err := resolveLocalFollowersOf(ctx, rc, item.ID, boxes); err != nil {
					return err
				}
				continue
			}

			hasShared := false
			if w.isShared {
				for _, endpoint := range item.Main.IDs(ap.AS2Endpoints) {
					ep, err := rc.EntityStore.Get(ctx, endpoint, true)
					if err != nil {
						return err
					}
					if ep == nil {
						continue
					}
					if shared, ok := ep.Main.FirstID(ap.AS2SharedInbox); ok {
						boxes[shared] = true
						hasShared = true
						break
					}
				}
			}
			if hasShared {
				continue
			}
			for _, inbox := range item.Main.IDs(ap.LDPInbox) {
				boxes[inbox] = true
			}
			continue
		}

		if !local && item.Main.HasType(ap.AS2OrderedCollection) && w.depth < 3 {
			page, err := rc.EntityStore.ReadCollection(ctx, item.ID, 99999999, "")
			if err != nil {
				return err
			}
			for _, fitem := range page.Items {
				worklist = append(worklist, workItem{
					id:       fitem,
					depth:    w.depth + 1,
					isShared: followersID != "" && followersID == item.ID,
				})
			}
		}
		for _, inbox := range item.Main.IDs(ap.LDPInbox) {
			boxes[inbox] = true
		}
	}

	for inbox := range boxes {
		if err := rc.Queue.Enqueue(ctx, "deliver", store.EscapeQueueData(root.ID, inbox)); err != nil {
			return err
		}
	}
	return nil
}

// resolveLocalFollowersOf treats target as a remote actor's followers
// collection and adds the inboxes of local users following that actor to
// boxes: it finds the actor via {?a as:followers target}, reads the
// collections that list the actor as a member, and then joins
// {?u as:following <one of those collections>} ∧ {?u ldp:inbox ?i} on ?u.
func resolveLocalFollowersOf(ctx context.Context, rc *reqctx.Context, target string, boxes map[string]bool) error {
	// First, find the remote actor whose own as:followers collection is
	// target (the audience item is typically that actor's followers
	// collection IRI, not the actor IRI itself).
	targetID := store.Concrete(target)
	actorRows, err := rc.EntityStore.Query(ctx, []store.QuadQuery{
		{
			Subject:   store.Var(0),
			Predicate: store.Concrete(ap.AS2Followers),
			Object:    store.QueryObject{ID: &targetID},
		},
	})
	if err != nil {
		return err
	}

	for _, row := range actorRows {
		if len(row) == 0 {
			continue
		}
		actorIRI := row[0]
		// Which local "following" collections contain this actor as a
		// member? Each belongs to exactly one local user.
		page, err := rc.EntityStore.ReadCollectionInverse(ctx, actorIRI)
		if err != nil {
			return err
		}
		if len(page.Items) == 0 {
			continue
		}

		anyFollowing := store.ConcreteAny(page.Items)
		inboxVar := store.Var(1)
		rows, err := rc.EntityStore.Query(ctx, []store.QuadQuery{
			{
				Subject:   store.Var(0),
				Predicate: store.Concrete(ap.AS2Following),
				Object:    store.QueryObject{ID: &anyFollowing},
			},
			{
				Subject:   store.Var(0),
				Predicate: store.Concrete(ap.LDPInbox),
				Object:    store.QueryObject{ID: &inboxVar},
			},
		})
		if err != nil {
			return err
		}
		for _, r := range rows {
			if len(r) > 1 {
				boxes[r[1]] = true
			}
		}
	}
	return nil
}
