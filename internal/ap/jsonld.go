package ap

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// The expand/compact/untangle operations below are a deliberately reduced
// subset of the W3C JSON-LD algorithms: a fixed builtin vocabulary
// (ActivityStreams 2.0, the security vocabulary, LDP, and the private
// kroeg namespace) rather than general remote @context dereferencing. It
// round-trips every shape the pipeline produces or consumes; it is not a
// general-purpose JSON-LD processor.

// builtinTerms maps short JSON-LD terms to their absolute predicate IRIs.
// This is the context supplement every document is implicitly expanded
// against.
var builtinTerms = map[string]string{
	"actor":              AS2Actor,
	"object":             AS2Object,
	"to":                 AS2To,
	"bto":                AS2Bto,
	"cc":                 AS2CC,
	"bcc":                AS2BCC,
	"audience":           AS2Audience,
	"attributedTo":       AS2AttributedTo,
	"preferredUsername":  AS2PreferredUsername,
	"inbox":              LDPInbox,
	"outbox":             AS2Outbox,
	"sharedInbox":        AS2SharedInbox,
	"endpoints":          AS2Endpoints,
	"followers":          AS2Followers,
	"following":          AS2Following,
	"partOf":             AS2PartOf,
	"items":              AS2Items,
	"first":              AS2First,
	"next":               AS2Next,
	"prev":               AS2Prev,
	"publicKey":          SecPublicKey,
	"publicKeyPem":       SecPublicKeyPem,
	"owner":              SecOwner,
	"privateKeyPem":      SecPrivateKeyPem,
	"content":            AS2NS + "content",
	"name":               AS2NS + "name",
	"summary":            AS2NS + "summary",
	"published":          AS2NS + "published",
	"inReplyTo":          AS2NS + "inReplyTo",
	"url":                AS2NS + "url",
	"icon":               AS2NS + "icon",
	"nonLocalPreference": AS2NS + "nonLocalPreference",
}

// builtinTypes maps short type names to their absolute AS2 type IRIs.
var builtinTypes = map[string]string{
	"Create": AS2NS + "Create", "Update": AS2NS + "Update", "Delete": AS2NS + "Delete",
	"Follow": AS2NS + "Follow", "Accept": AS2NS + "Accept", "Reject": AS2NS + "Reject",
	"Undo": AS2NS + "Undo", "Like": AS2NS + "Like", "Announce": AS2NS + "Announce",
	"Move": AS2NS + "Move", "Block": AS2NS + "Block",
	"Note": AS2NS + "Note", "Article": AS2NS + "Article", "Question": AS2NS + "Question",
	"Person": AS2NS + "Person", "Service": AS2NS + "Service", "Application": AS2NS + "Application",
	"Group": AS2NS + "Group", "Organization": AS2NS + "Organization",
	"Collection": AS2Collection, "OrderedCollection": AS2OrderedCollection,
	"OrderedCollectionPage": AS2OrderedCollPage, "CollectionPage": AS2NS + "CollectionPage",
	"Image": AS2NS + "Image",
}

func resolveTerm(key string) string {
	if v, ok := builtinTerms[key]; ok {
		return v
	}
	return key // already-absolute IRI or unrecognized custom term: kept as-is
}

func resolveType(name string) string {
	if v, ok := builtinTypes[name]; ok {
		return v
	}
	return name
}

// expNode is the intermediate tree shape produced by Expand, before
// Untangle flattens nested objects into top-level entries.
type expNode struct {
	id    string
	attrs map[string][]expValue
}

type expValue struct {
	id        string
	nested    *expNode
	isLiteral bool
	literal   string
	litType   string
}

var blankCounter atomic.Int64

func nextBlank() string {
	return fmt.Sprintf("_:b%d", blankCounter.Add(1))
}

// Expand JSON-decodes raw and walks it into the internal expanded-node tree,
// resolving every term and type name against the builtin vocabulary.
func Expand(raw []byte) (*expNode, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expand: top level value must be a JSON object")
	}
	return expandObject(obj), nil
}

func expandObject(obj map[string]interface{}) *expNode {
	n := &expNode{attrs: map[string][]expValue{}}
	if id, ok := obj["@id"].(string); ok {
		n.id = id
	} else if id, ok := obj["id"].(string); ok {
		n.id = id
	}
	if n.id == "" {
		n.id = nextBlank()
	}

	typeKey := "@type"
	if _, ok := obj[typeKey]; !ok {
		if _, ok := obj["type"]; ok {
			typeKey = "type"
		}
	}
	for key, raw := range obj {
		if key == "@id" || key == "id" || key == "@context" {
			continue
		}
		pred := "@type"
		if key != typeKey {
			pred = resolveTerm(key)
		}
		n.attrs[pred] = append(n.attrs[pred], expandValues(pred, raw)...)
	}
	return n
}

func expandValues(pred string, raw interface{}) []expValue {
	switch val := raw.(type) {
	case []interface{}:
		var out []expValue
		for _, item := range val {
			out = append(out, expandValues(pred, item)...)
		}
		return out
	case map[string]interface{}:
		if list, ok := val["@list"]; ok {
			return expandValues(pred, list)
		}
		if idOnly, ok := onlyID(val); ok {
			return []expValue{{id: idOnly}}
		}
		return []expValue{{nested: expandObject(val)}}
	case string:
		if pred == "@type" {
			return []expValue{{id: resolveType(val)}}
		}
		return []expValue{{isLiteral: true, literal: val, litType: XSDString}}
	case float64:
		return []expValue{{isLiteral: true, literal: formatFloat(val), litType: XSDNS + "double"}}
	case bool:
		return []expValue{{isLiteral: true, literal: formatBool(val), litType: XSDBoolean}}
	case nil:
		return nil
	default:
		return nil
	}
}

// onlyID recognizes the common {"@id": "..."} reference shape so it is not
// needlessly treated as an inline node to flatten.
func onlyID(m map[string]interface{}) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	id, ok := m["@id"].(string)
	return id, ok
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return itoa(int64(f))
	}
	b, _ := json.Marshal(f)
	return string(b)
}

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Untangle flattens an expanded tree into a map from IRI (or blank node id)
// to a self-contained Node, replacing inline sub-objects with references to
// their own top-level entry.
func Untangle(root *expNode) (map[string]*Node, string) {
	out := map[string]*Node{}
	rootID := flatten(root, out)
	return out, rootID
}

func flatten(n *expNode, out map[string]*Node) string {
	node, exists := out[n.id]
	if !exists {
		node = NewNode(n.id)
		out[n.id] = node
	}
	for pred, values := range n.attrs {
		for _, v := range values {
			switch {
			case v.nested != nil:
				childID := flatten(v.nested, out)
				node.Push(pred, IDPointer(childID))
			case v.isLiteral:
				node.Push(pred, ValuePointer(v.literal, v.litType))
			default:
				node.Push(pred, IDPointer(v.id))
			}
		}
	}
	return n.id
}

// UntangleJSON is the common-case entry point: expand raw JSON bytes and
// untangle the result in one call.
func UntangleJSON(raw []byte) (map[string]*Node, string, error) {
	tree, err := Expand(raw)
	if err != nil {
		return nil, "", err
	}
	items, rootID := Untangle(tree)
	return items, rootID, nil
}

// Compact renders a Node back to idiomatic, readable JSON-LD using the short
// terms from the builtin vocabulary (the inverse of resolveTerm/resolveType),
// attaching the outgoing context array as @context. Single-element arrays
// collapse to their value.
func Compact(n *Node, base string) map[string]interface{} {
	reverseTerms := map[string]string{}
	for k, v := range builtinTerms {
		reverseTerms[v] = k
	}
	reverseTypes := map[string]string{}
	for k, v := range builtinTypes {
		reverseTypes[v] = k
	}

	out := map[string]interface{}{
		"@context": OutgoingContext(base),
		"id":       n.ID,
	}
	for pred, values := range n.Attrs {
		key := pred
		if short, ok := reverseTerms[pred]; ok {
			key = short
		}
		if pred == "@type" {
			var types []string
			for _, v := range values {
				t := v.ID
				if short, ok := reverseTypes[t]; ok {
					t = short
				}
				types = append(types, t)
			}
			out["type"] = compactArray(types)
			continue
		}
		out[key] = compactValues(values, reverseTerms, reverseTypes)
	}
	return out
}

func compactValues(values []Pointer, reverseTerms, reverseTypes map[string]string) interface{} {
	var rendered []interface{}
	for _, v := range values {
		switch {
		case v.IsValue:
			rendered = append(rendered, v.Value)
		case v.Embedded != nil:
			rendered = append(rendered, compactEmbedded(v.Embedded, reverseTerms, reverseTypes))
		default:
			rendered = append(rendered, map[string]interface{}{"id": v.ID})
		}
	}
	if len(rendered) == 1 {
		return rendered[0]
	}
	return rendered
}

// compactEmbedded renders an assembler-inlined sub-node as a nested compact
// object (no top-level @context; only the document root carries one).
func compactEmbedded(n *Node, reverseTerms, reverseTypes map[string]string) map[string]interface{} {
	out := map[string]interface{}{"id": n.ID}
	for pred, values := range n.Attrs {
		if pred == "@type" {
			var types []string
			for _, v := range values {
				t := v.ID
				if short, ok := reverseTypes[t]; ok {
					t = short
				}
				types = append(types, t)
			}
			out["type"] = compactArray(types)
			continue
		}
		key := pred
		if short, ok := reverseTerms[pred]; ok {
			key = short
		}
		out[key] = compactValues(values, reverseTerms, reverseTypes)
	}
	return out
}

func compactArray(items []string) interface{} {
	if len(items) == 1 {
		return items[0]
	}
	out := make([]interface{}, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}

// OutgoingContext returns the context array used to compact both GET
// responses and outgoing deliveries: the AS2 namespace plus this server's
// own context document.
func OutgoingContext(base string) []string {
	return []string{"https://www.w3.org/ns/activitystreams", base + "/-/context"}
}
