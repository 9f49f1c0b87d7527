// Package ap implements the content-addressable JSON-LD graph model that
// every other kroegd component operates on: nodes, multi-valued attributes,
// and the expand/compact/untangle operations used to move between wire JSON
// and the graph shape.
package ap

// Vocabulary namespaces used throughout the pipeline. kroegd does not
// pull in a general JSON-LD library; it recognizes a fixed set of terms
// drawn from ActivityStreams 2.0, the W3C Security Vocabulary, LDP, and
// a small server-private "kroeg" namespace for bookkeeping attributes.
const (
	AS2NS      = "https://www.w3.org/ns/activitystreams#"
	SecurityNS = "https://w3id.org/security#"
	LDPNS      = "http://www.w3.org/ns/ldp#"
	KroegNS    = "https://puckipedia.com/kroeg/ns#"
	XSDNS      = "http://www.w3.org/2001/XMLSchema#"
)

// Commonly used absolute IRIs, spelled out once so call sites read like the
// compact curies used in the design notes (as2!(Public), kroeg!(box), ...).
const (
	AS2Public             = AS2NS + "Public"
	AS2Collection         = AS2NS + "Collection"
	AS2OrderedCollection  = AS2NS + "OrderedCollection"
	AS2OrderedCollPage    = AS2NS + "OrderedCollectionPage"
	AS2Outbox             = AS2NS + "outbox"
	AS2SharedInbox        = AS2NS + "sharedInbox"
	AS2Endpoints          = AS2NS + "endpoints"
	AS2PartOf             = AS2NS + "partOf"
	AS2Items              = AS2NS + "items"
	AS2First              = AS2NS + "first"
	AS2Next               = AS2NS + "next"
	AS2Prev               = AS2NS + "prev"
	AS2To                 = AS2NS + "to"
	AS2Bto                = AS2NS + "bto"
	AS2CC                 = AS2NS + "cc"
	AS2BCC                = AS2NS + "bcc"
	AS2Audience           = AS2NS + "audience"
	AS2Actor              = AS2NS + "actor"
	AS2Object             = AS2NS + "object"
	AS2AttributedTo       = AS2NS + "attributedTo"
	AS2PreferredUsername  = AS2NS + "preferredUsername"
	AS2Name               = AS2NS + "name"
	AS2Tag                = "tag:"
	AS2Followers          = AS2NS + "followers"
	AS2Following          = AS2NS + "following"

	AS2Create   = AS2NS + "Create"
	AS2Update   = AS2NS + "Update"
	AS2Delete   = AS2NS + "Delete"
	AS2Follow   = AS2NS + "Follow"
	AS2Accept   = AS2NS + "Accept"
	AS2Reject   = AS2NS + "Reject"
	AS2Undo     = AS2NS + "Undo"
	AS2Like     = AS2NS + "Like"
	AS2Announce = AS2NS + "Announce"
	AS2Note     = AS2NS + "Note"
	AS2Person   = AS2NS + "Person"

	LDPInbox = LDPNS + "inbox"

	SecPublicKey     = SecurityNS + "publicKey"
	SecPublicKeyPem  = SecurityNS + "publicKeyPem"
	SecOwner         = SecurityNS + "owner"
	SecPrivateKeyPem = SecurityNS + "privateKeyPem"

	KroegInstance = KroegNS + "instance"
	KroegBox      = KroegNS + "box"

	XSDString  = XSDNS + "string"
	XSDInteger = XSDNS + "integer"
	XSDBoolean = XSDNS + "boolean"
)
