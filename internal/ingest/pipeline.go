// Package ingest implements the POST ingest pipeline: parse, route by
// box type, apply the box's handler chain, persist, and register
// delivery.
package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/kroegd/kroegd/internal/ap"
	"github.com/kroegd/kroegd/internal/apperror"
	"github.com/kroegd/kroegd/internal/auth"
	"github.com/kroegd/kroegd/internal/reqctx"
	"github.com/kroegd/kroegd/internal/store"
)

// DeliveryMode selects which flavour of PrepareDelivery (if any)
// follows a successful post.
type DeliveryMode int

const (
	DeliveryNone DeliveryMode = iota
	DeliveryLocalAndRemote
	DeliveryLocalOnly
)

// TrustMode decides whether submitted IDs are trusted as-is
// (server-to-server, same-origin only) or replaced with freshly minted
// ones (client-to-server).
type TrustMode int

const (
	TrustIDs TrustMode = iota
	AssignIDs
)

type boxRoute struct {
	handlers     []MessageHandler
	deliveryMode DeliveryMode
	trustMode    TrustMode
}

// getHandler is the per-box routing table: three box kinds (inbox,
// outbox, sharedInbox), each with its own handler chain, delivery mode,
// and trust mode.
func getHandler(boxType string) (boxRoute, bool) {
	switch boxType {
	case ap.LDPInbox:
		return boxRoute{
			handlers:     []MessageHandler{VerifyRequiredEvents(false), HandlerFunc(ServerCreate), HandlerFunc(ServerLike), HandlerFunc(ServerFollow)},
			deliveryMode: DeliveryNone,
			trustMode:    TrustIDs,
		}, true
	case ap.AS2Outbox:
		return boxRoute{
			handlers: []MessageHandler{
				HandlerFunc(AutomaticCreate), VerifyRequiredEvents(true), HandlerFunc(ClientCreate),
				HandlerFunc(CreateActor), HandlerFunc(ClientLike), HandlerFunc(ClientUndo),
			},
			deliveryMode: DeliveryLocalAndRemote,
			trustMode:    AssignIDs,
		}, true
	case ap.AS2SharedInbox:
		return boxRoute{
			handlers:     []MessageHandler{VerifyRequiredEvents(false)},
			deliveryMode: DeliveryLocalOnly,
			trustMode:    TrustIDs,
		}, true
	default:
		return boxRoute{}, false
	}
}

// Result is the successful outcome of Handle: the stored root item's
// IRI, to be rendered as a 201 Location header and {"@id": ...} body by
// the HTTP layer.
type Result struct {
	RootID string
}

// Handle runs the full 8-step ingest pipeline against a raw JSON-LD
// request body posted to the entity identified by targetID:
//  1. parse + expand
//  2. resolve the target entity and its kroeg:box role
//  3. look up the per-box handler chain (getHandler)
//  4. untangle the expanded document into a flat item graph
//  5. apply the trust discipline (TrustIDs filters to same-origin;
//     AssignIDs mints fresh local IDs for the root and for every blank
//     or server-base id, keeping other absolute ids)
//  6. persist every item that survived (skipping any the authorizer
//     says can't replace what's already stored)
//  7. run the handler chain, then register delivery per deliveryMode
//  8. record root in the target box's collection and return its IRI
func Handle(ctx context.Context, rc *reqctx.Context, targetID string, body []byte) (*Result, error) {
	items, rootID, err := ap.UntangleJSON(body)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindExpansion, err)
	}
	if rootID == "" {
		return nil, apperror.New(apperror.KindPostToNonbox, fmt.Errorf("empty submission"))
	}

	target, err := rc.EntityStore.Get(ctx, targetID, true)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStore, err)
	}
	if target == nil {
		return nil, apperror.New(apperror.KindPostToNonbox, fmt.Errorf("%s not found", targetID))
	}

	boxType, ok := target.Box()
	if !ok {
		return nil, apperror.New(apperror.KindPostToNonbox, fmt.Errorf("%s is not a box", targetID))
	}
	route, ok := getHandler(boxType)
	if !ok {
		return nil, apperror.New(apperror.KindPostToNonbox, fmt.Errorf("unhandled box type %s", boxType))
	}

	if boxType == ap.AS2SharedInbox {
		if node := items[rootID]; node != nil {
			if actor, ok := node.FirstID(ap.AS2Actor); ok && !sameAuthority(actor, rc.User.Subject) {
				return nil, apperror.New(apperror.KindBadSharedInbox, fmt.Errorf("authenticated %s cannot relay for %s", rc.User.Subject, actor))
			}
		}
	}

	switch route.trustMode {
	case TrustIDs:
		applyTrustIDs(items, rc.User.Subject)
	case AssignIDs:
		rootID = assignIDs(rc, items, rootID)
	}

	if _, ok := items[rootID]; !ok {
		return nil, apperror.New(apperror.KindHandler, fmt.Errorf("root %s dropped by trust discipline", rootID))
	}

	if err := storeAll(ctx, rc, items); err != nil {
		return nil, apperror.Wrap(apperror.KindStore, err)
	}

	for _, h := range route.handlers {
		if err := h.Handle(ctx, rc, &boxType, &rootID, items); err != nil {
			return nil, apperror.Wrap(apperror.KindHandler, err)
		}
	}

	// Handlers mutate the item graph in place (AutomaticCreate wraps the
	// root, VerifyRequiredEvents fills in a missing actor); persist those
	// mutations before delivery reads the root back from the store.
	if err := storeAll(ctx, rc, items); err != nil {
		return nil, apperror.Wrap(apperror.KindStore, err)
	}

	switch route.deliveryMode {
	case DeliveryLocalAndRemote:
		if err := PrepareDelivery(ctx, rc, rootID, false); err != nil {
			return nil, apperror.Wrap(apperror.KindStore, err)
		}
	case DeliveryLocalOnly:
		if err := PrepareDelivery(ctx, rc, rootID, true); err != nil {
			return nil, apperror.Wrap(apperror.KindStore, err)
		}
	}

	if err := rc.EntityStore.InsertCollection(ctx, target.ID, rootID); err != nil {
		return nil, apperror.Wrap(apperror.KindStore, err)
	}

	return &Result{RootID: rootID}, nil
}

// applyTrustIDs keeps only the items whose id shares an authority
// (scheme+host) with subject: on server-to-server posts, anything not
// from the authenticated origin is dropped rather than stored.
func applyTrustIDs(items map[string]*ap.Node, subject string) {
	for id := range items {
		key := id
		if len(key) > 2 && key[:2] == "_:" {
			key = key[2:]
		}
		if !sameAuthority(key, subject) {
			delete(items, id)
		}
	}
}

// assignIDs replaces every blank-node or server-base-prefixed id in
// items with a freshly minted local IRI, leaving already-absolute
// external ids untouched, and returns the (possibly rewritten) root
// id. Used on client-to-server outbox posts: nobody but us mints IRIs
// under our own origin, so a submitted id claiming one (another local
// actor's IRI, say) must never be written through as-is.
func assignIDs(rc *reqctx.Context, items map[string]*ap.Node, rootID string) string {
	rewrite := map[string]string{}
	for id := range items {
		if strings.HasPrefix(id, "_:") || strings.HasPrefix(id, rc.ServerBase) {
			rewrite[id] = newID(rc.ServerBase)
		}
	}
	if _, done := rewrite[rootID]; !done {
		// The root always gets a new id on the outbox, even if the
		// client supplied an external absolute one.
		rewrite[rootID] = newID(rc.ServerBase)
	}

	renamed := map[string]*ap.Node{}
	for id, node := range items {
		newNodeID := id
		if r, ok := rewrite[id]; ok {
			newNodeID = r
		}
		node.ID = newNodeID
		for pred, values := range node.Attrs {
			for i, v := range values {
				if !v.IsValue && v.ID != "" {
					if r, ok := rewrite[v.ID]; ok {
						values[i].ID = r
					}
				}
			}
			node.Attrs[pred] = values
		}
		renamed[newNodeID] = node
	}
	for id := range items {
		delete(items, id)
	}
	for id, node := range renamed {
		items[id] = node
	}
	return rewrite[rootID]
}

// storeAll persists every untangled item, honoring CanReplace so a
// remote can never overwrite an entity it doesn't own.
func storeAll(ctx context.Context, rc *reqctx.Context, items map[string]*ap.Node) error {
	authorizer := auth.DefaultAuthorizer{User: rc.User}
	for id, node := range items {
		// next's candidate meta carries this write's own instance id, so
		// CanReplace compares the incoming instance against whatever was
		// actually stored before, never against itself.
		next := &ap.StoreItem{ID: id, Main: node, Meta: ap.NewNode(id)}
		next.Meta.Push(ap.KroegInstance, ap.ValuePointer(fmt.Sprintf("%d", rc.InstanceID), ap.XSDInteger))

		prev, err := rc.EntityStore.Get(ctx, id, false)
		if err != nil && err != store.ErrNotFound {
			return err
		}
		if prev != nil {
			if !authorizer.CanReplace(prev, next) {
				continue
			}
			// Only after the replace is authorised do we carry forward
			// server-private fields the incoming write doesn't supply,
			// such as kroeg:box.
			if box, ok := prev.Meta.FirstID(ap.KroegBox); ok {
				next.Meta.Push(ap.KroegBox, ap.IDPointer(box))
			}
		}
		if err := rc.EntityStore.Put(ctx, id, next); err != nil {
			return err
		}
	}
	return nil
}
