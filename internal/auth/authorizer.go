package auth

import "github.com/kroegd/kroegd/internal/ap"

// Authorizer decides visibility and replaceability of graph items given the
// active principal.
type Authorizer interface {
	CanShow(item *ap.StoreItem, instanceID int64) bool
	CanReplace(prev, next *ap.StoreItem) bool
}

// DefaultAuthorizer implements the baseline visibility/ownership rules.
type DefaultAuthorizer struct {
	User User
}

func audienceOf(n *ap.Node) []string {
	var out []string
	for _, pred := range []string{ap.AS2To, ap.AS2Bto, ap.AS2CC, ap.AS2BCC, ap.AS2Audience} {
		out = append(out, n.IDs(pred)...)
	}
	return out
}

func isPublicAudience(ids []string) bool {
	for _, id := range ids {
		if id == ap.AS2Public {
			return true
		}
	}
	return false
}

func contains(ids []string, subject string) bool {
	for _, id := range ids {
		if id == subject {
			return true
		}
	}
	return false
}

// CanShow: true iff the item is addressed to as:Public, or the principal's
// subject appears in to|bto|cc|bcc|audience, or the item is owned and the
// principal is its owner/attributedTo. Visibility is evaluated per-item
// as the assembler descends, always against the principal active for the
// current request.
func (d DefaultAuthorizer) CanShow(item *ap.StoreItem, instanceID int64) bool {
	if item == nil {
		return false
	}
	aud := audienceOf(item.Main)
	if isPublicAudience(aud) {
		return true
	}
	if contains(aud, d.User.Subject) {
		return true
	}
	if item.Owned(instanceID) {
		if owner, ok := item.Main.FirstID(ap.AS2AttributedTo); ok && owner == d.User.Subject {
			return true
		}
		if item.ID == d.User.Subject {
			return true
		}
	}
	return false
}

// CanReplace: true iff prev and next share the same kroeg:instance. A
// different instance means a remote is trying to overwrite something it
// doesn't own.
func (d DefaultAuthorizer) CanReplace(prev, next *ap.StoreItem) bool {
	if prev == nil {
		return true
	}
	prevInstance, _ := prev.Meta.FirstString(ap.KroegInstance)
	nextInstance, _ := next.Meta.FirstString(ap.KroegInstance)
	return prevInstance == nextInstance
}

// LocalOnlyAuthorizer wraps another authorizer, additionally requiring the
// item to be owned; used during outbound assembly so remote content is never
// re-exposed verbatim.
type LocalOnlyAuthorizer struct {
	Inner Authorizer
}

func (l LocalOnlyAuthorizer) CanShow(item *ap.StoreItem, instanceID int64) bool {
	if item == nil || !item.Owned(instanceID) {
		return false
	}
	return l.Inner.CanShow(item, instanceID)
}

func (l LocalOnlyAuthorizer) CanReplace(prev, next *ap.StoreItem) bool {
	return l.Inner.CanReplace(prev, next)
}
