package ingest

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kroegd/kroegd/internal/ap"
	"github.com/kroegd/kroegd/internal/reqctx"
	"github.com/kroegd/kroegd/internal/store"
)

// MessageHandler is one step of the per-box handler chain. Handlers run
// in declared order, share the mutable request context, and see the
// store writes of the handlers before them.
//
// inbox and root are pointers because a handler may rewrite either: the
// AutomaticCreate handler replaces a bare-object root with a wrapping
// Create activity.
type MessageHandler interface {
	Handle(ctx context.Context, rc *reqctx.Context, inbox *string, root *string, items map[string]*ap.Node) error
}

type HandlerFunc func(ctx context.Context, rc *reqctx.Context, inbox *string, root *string, items map[string]*ap.Node) error

func (f HandlerFunc) Handle(ctx context.Context, rc *reqctx.Context, inbox *string, root *string, items map[string]*ap.Node) error {
	return f(ctx, rc, inbox, root, items)
}

func newID(base string) string {
	return fmt.Sprintf("%s/data/%s", base, ulid.Make().String())
}

// VerifyRequiredEvents checks that the root activity carries the
// predicates its type requires (actor, object). When fillActor is true
// (outbox posts) a missing actor is filled in with the posting user's
// subject rather than rejected, since client posts routinely omit it.
func VerifyRequiredEvents(fillActor bool) MessageHandler {
	return HandlerFunc(func(ctx context.Context, rc *reqctx.Context, inbox *string, root *string, items map[string]*ap.Node) error {
		node := items[*root]
		if node == nil {
			return fmt.Errorf("verify required events: %s not in submitted graph", *root)
		}

		if len(node.Get(ap.AS2Actor)) == 0 {
			if fillActor {
				node.Push(ap.AS2Actor, ap.IDPointer(rc.User.Subject))
			} else {
				return fmt.Errorf("verify required events: %s missing actor", *root)
			}
		}

		switch {
		case node.HasType(ap.AS2Follow), node.HasType(ap.AS2Like), node.HasType(ap.AS2Announce),
			node.HasType(ap.AS2Accept), node.HasType(ap.AS2Reject), node.HasType(ap.AS2Undo):
			if len(node.Get(ap.AS2Object)) == 0 {
				return fmt.Errorf("verify required events: %s missing object", *root)
			}
		}
		return nil
	})
}

// AutomaticCreate wraps a bare, non-activity object posted to the
// outbox in a synthetic Create activity: most clients POST a Note
// directly, not a Create(Note).
var activityTypes = map[string]bool{
	ap.AS2Create: true, ap.AS2Update: true, ap.AS2Delete: true, ap.AS2Follow: true,
	ap.AS2Accept: true, ap.AS2Reject: true, ap.AS2Undo: true, ap.AS2Like: true, ap.AS2Announce: true,
}

func AutomaticCreate(ctx context.Context, rc *reqctx.Context, inbox *string, root *string, items map[string]*ap.Node) error {
	node := items[*root]
	if node == nil {
		return fmt.Errorf("automatic create: %s not in submitted graph", *root)
	}
	for _, t := range node.Types() {
		if activityTypes[t] {
			return nil // already an activity, nothing to wrap
		}
	}

	activityID := newID(rc.ServerBase)
	activity := ap.NewNode(activityID)
	activity.Push("@type", ap.IDPointer(ap.AS2Create))
	activity.Push(ap.AS2Actor, ap.IDPointer(rc.User.Subject))
	activity.Push(ap.AS2Object, ap.IDPointer(*root))
	for _, pred := range []string{ap.AS2To, ap.AS2Bto, ap.AS2CC, ap.AS2BCC, ap.AS2Audience} {
		if vals := node.Get(pred); len(vals) > 0 {
			activity.Set(pred, vals)
		}
	}
	if len(node.Get(ap.AS2AttributedTo)) == 0 {
		node.Push(ap.AS2AttributedTo, ap.IDPointer(rc.User.Subject))
	}
	if _, ok := node.FirstString(ap.AS2NS + "published"); !ok {
		node.Push(ap.AS2NS+"published", ap.ValuePointer(time.Now().UTC().Format(time.RFC3339), ap.XSDNS+"dateTime"))
	}

	items[activityID] = activity
	*root = activityID
	return nil
}

// ClientCreate validates a client-submitted Create: its object must be
// attributed to the posting user, so a Create can't forge someone
// else's authorship.
func ClientCreate(ctx context.Context, rc *reqctx.Context, inbox *string, root *string, items map[string]*ap.Node) error {
	node := items[*root]
	if node == nil || !node.HasType(ap.AS2Create) {
		return nil
	}
	objID, ok := node.FirstID(ap.AS2Object)
	if !ok {
		return nil
	}
	obj := items[objID]
	if obj == nil {
		return nil
	}
	if attrib, ok := obj.FirstID(ap.AS2AttributedTo); ok && attrib != rc.User.Subject {
		return fmt.Errorf("client create: object attributed to %s, not posting user", attrib)
	}
	return nil
}

// ServerCreate is the inbox counterpart: it only asserts the embedded
// object actually made it into the submitted graph (the untangle step
// already stored it; nothing further to do for the core feature set).
func ServerCreate(ctx context.Context, rc *reqctx.Context, inbox *string, root *string, items map[string]*ap.Node) error {
	node := items[*root]
	if node == nil || !node.HasType(ap.AS2Create) {
		return nil
	}
	if _, ok := node.FirstID(ap.AS2Object); !ok {
		return fmt.Errorf("server create: missing object")
	}
	return nil
}

// CreateActor handles a client-submitted Create whose object is an
// actor (Person/Service/etc): nothing beyond validation is required
// here, since the generic Create path already persisted the actor node,
// but actor creation has requirements generic objects don't (a
// preferredUsername).
func CreateActor(ctx context.Context, rc *reqctx.Context, inbox *string, root *string, items map[string]*ap.Node) error {
	node := items[*root]
	if node == nil || !node.HasType(ap.AS2Create) {
		return nil
	}
	objID, ok := node.FirstID(ap.AS2Object)
	if !ok {
		return nil
	}
	obj := items[objID]
	if obj != nil && (obj.HasType(ap.AS2Person) || obj.HasType(ap.AS2NS+"Service") ||
		obj.HasType(ap.AS2NS+"Application") || obj.HasType(ap.AS2NS+"Group") ||
		obj.HasType(ap.AS2NS+"Organization")) {
		if _, ok := obj.FirstString(ap.AS2PreferredUsername); !ok {
			return fmt.Errorf("create actor: actor missing preferredUsername")
		}
	}
	return nil
}

// ClientLike records nothing extra at submit time beyond what storeAll
// already persisted; it only validates shape.
func ClientLike(ctx context.Context, rc *reqctx.Context, inbox *string, root *string, items map[string]*ap.Node) error {
	node := items[*root]
	if node == nil || !node.HasType(ap.AS2Like) {
		return nil
	}
	if _, ok := node.FirstID(ap.AS2Object); !ok {
		return fmt.Errorf("client like: missing object")
	}
	return nil
}

// ServerLike adds the actor to the liked object's likes collection, if
// the object is local.
func ServerLike(ctx context.Context, rc *reqctx.Context, inbox *string, root *string, items map[string]*ap.Node) error {
	node := items[*root]
	if node == nil || !node.HasType(ap.AS2Like) {
		return nil
	}
	actor, _ := node.FirstID(ap.AS2Actor)
	objID, ok := node.FirstID(ap.AS2Object)
	if !ok || actor == "" {
		return nil
	}
	obj, err := rc.EntityStore.Get(ctx, objID, true)
	if err != nil {
		return err
	}
	if obj == nil || !obj.Owned(rc.InstanceID) {
		return nil
	}
	return rc.EntityStore.InsertCollection(ctx, objID+"/likes", actor)
}

// ServerFollow accepts every inbound Follow automatically (there is no
// manual-approval flag), registers the follower in the target's
// followers collection, and enqueues an Accept back to the follower's
// inbox.
func ServerFollow(ctx context.Context, rc *reqctx.Context, inbox *string, root *string, items map[string]*ap.Node) error {
	node := items[*root]
	if node == nil || !node.HasType(ap.AS2Follow) {
		return nil
	}
	actor, _ := node.FirstID(ap.AS2Actor)
	target, ok := node.FirstID(ap.AS2Object)
	if !ok || actor == "" {
		return nil
	}
	targetItem, err := rc.EntityStore.Get(ctx, target, true)
	if err != nil {
		return err
	}
	if targetItem == nil || !targetItem.Owned(rc.InstanceID) {
		return nil // not ours to accept on behalf of
	}
	followers, ok := targetItem.Main.FirstID(ap.AS2Followers)
	if ok {
		if err := rc.EntityStore.InsertCollection(ctx, followers, actor); err != nil {
			return err
		}
	}

	acceptID := newID(rc.ServerBase)
	accept := ap.NewStoreItem(acceptID)
	accept.Main.Push("@type", ap.IDPointer(ap.AS2Accept))
	accept.Main.Push(ap.AS2Actor, ap.IDPointer(target))
	accept.Main.Push(ap.AS2Object, ap.IDPointer(*root))
	accept.Main.Push(ap.AS2To, ap.IDPointer(actor))
	accept.Meta.Push(ap.KroegInstance, ap.ValuePointer(fmt.Sprintf("%d", rc.InstanceID), ap.XSDInteger))
	if err := rc.EntityStore.Put(ctx, acceptID, accept); err != nil {
		return err
	}

	actorInbox, err := inboxOf(ctx, rc, actor)
	if err != nil || actorInbox == "" {
		return err
	}
	return rc.Queue.Enqueue(ctx, "deliver", store.EscapeQueueData(acceptID, actorInbox))
}

// ClientUndo reverses a previously-submitted Follow or Like: removes
// the actor from the relevant collection. The only outbox handler that
// removes collection membership rather than adding to it.
func ClientUndo(ctx context.Context, rc *reqctx.Context, inbox *string, root *string, items map[string]*ap.Node) error {
	node := items[*root]
	if node == nil || !node.HasType(ap.AS2Undo) {
		return nil
	}
	targetID, ok := node.FirstID(ap.AS2Object)
	if !ok {
		return nil
	}
	target, err := rc.EntityStore.Get(ctx, targetID, false)
	if err != nil || target == nil {
		return err
	}
	actor, _ := target.Main.FirstID(ap.AS2Actor)

	switch {
	case target.Main.HasType(ap.AS2Follow):
		followedID, ok := target.Main.FirstID(ap.AS2Object)
		if !ok {
			return nil
		}
		followed, err := rc.EntityStore.Get(ctx, followedID, true)
		if err != nil || followed == nil {
			return err
		}
		followers, ok := followed.Main.FirstID(ap.AS2Followers)
		if !ok {
			return nil
		}
		return rc.EntityStore.RemoveCollection(ctx, followers, actor)

	case target.Main.HasType(ap.AS2Like):
		likedID, ok := target.Main.FirstID(ap.AS2Object)
		if !ok {
			return nil
		}
		return rc.EntityStore.RemoveCollection(ctx, likedID+"/likes", actor)
	}
	return nil
}

// inboxOf resolves an actor IRI to its ldp:inbox, fetching remotely if
// necessary (the store's retrieving decorator handles the network
// call).
func inboxOf(ctx context.Context, rc *reqctx.Context, actorID string) (string, error) {
	actor, err := rc.EntityStore.Get(ctx, actorID, false)
	if err != nil || actor == nil {
		return "", err
	}
	inbox, _ := actor.Main.FirstID(ap.LDPInbox)
	return inbox, nil
}

// sameAuthority reports whether iri shares a URL authority (scheme +
// host) with subject; used by the TrustIDs discipline on inbox posts.
func sameAuthority(iri, subject string) bool {
	u, err1 := url.Parse(iri)
	s, err2 := url.Parse(subject)
	if err1 != nil || err2 != nil {
		return false
	}
	return u.Scheme == s.Scheme && u.Host == s.Host
}
