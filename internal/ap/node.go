package ap

import "sort"

// Pointer is a single multi-valued attribute value: either a reference to
// another node (by IRI, possibly blank) or a typed literal. Embedded is set
// by the assembler when a reference has been recursively inlined; Compact
// renders it as a nested object instead of a bare {id: ...}.
type Pointer struct {
	ID       string // non-empty for an IRI/blank-node reference
	Value    string // non-empty (or zero value "") for a literal
	Type     string // literal datatype IRI, e.g. XSDString
	Language string // literal language tag, optional
	IsValue  bool   // true if this Pointer carries a literal rather than an id
	Embedded *Node  // non-nil when the assembler inlined the referenced node
}

// IDPointer builds a reference Pointer.
func IDPointer(id string) Pointer { return Pointer{ID: id} }

// ValuePointer builds a literal Pointer.
func ValuePointer(value, typ string) Pointer {
	return Pointer{Value: value, Type: typ, IsValue: true}
}

// Node is one subject's set of attributes: predicate IRI -> ordered values.
// A Node is used for both the main (public) and meta (private) parts of a
// StoreItem.
type Node struct {
	ID    string
	Attrs map[string][]Pointer
}

// NewNode creates an empty node for the given subject id.
func NewNode(id string) *Node {
	return &Node{ID: id, Attrs: map[string][]Pointer{}}
}

// Get returns the ordered values for predicate, or nil.
func (n *Node) Get(predicate string) []Pointer {
	return n.Attrs[predicate]
}

// Push appends a value for predicate.
func (n *Node) Push(predicate string, p Pointer) {
	n.Attrs[predicate] = append(n.Attrs[predicate], p)
}

// Set replaces all values for predicate.
func (n *Node) Set(predicate string, ps []Pointer) {
	n.Attrs[predicate] = ps
}

// Types is shorthand for Get("@type") by convention; types are stored under
// the reserved predicate key "@type" as ID pointers.
func (n *Node) Types() []string {
	var out []string
	for _, p := range n.Attrs["@type"] {
		if p.ID != "" {
			out = append(out, p.ID)
		}
	}
	return out
}

// HasType reports whether n declares the given absolute type IRI.
func (n *Node) HasType(t string) bool {
	for _, got := range n.Types() {
		if got == t {
			return true
		}
	}
	return false
}

// FirstString returns the first string-valued literal for predicate, if any.
func (n *Node) FirstString(predicate string) (string, bool) {
	for _, p := range n.Attrs[predicate] {
		if p.IsValue {
			return p.Value, true
		}
	}
	return "", false
}

// FirstID returns the first id-valued reference for predicate, if any.
func (n *Node) FirstID(predicate string) (string, bool) {
	for _, p := range n.Attrs[predicate] {
		if !p.IsValue && p.ID != "" {
			return p.ID, true
		}
	}
	return "", false
}

// IDs returns every id-valued reference for predicate, in order.
func (n *Node) IDs(predicate string) []string {
	var out []string
	for _, p := range n.Attrs[predicate] {
		if !p.IsValue && p.ID != "" {
			out = append(out, p.ID)
		}
	}
	return out
}

// AllReferencedIDs returns every id reference found anywhere in n's
// attributes, deduplicated, in first-seen order.
func (n *Node) AllReferencedIDs() []string {
	seen := map[string]bool{}
	var out []string
	keys := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, p := range n.Attrs[k] {
			if p.IsValue || p.ID == "" {
				continue
			}
			if !seen[p.ID] {
				seen[p.ID] = true
				out = append(out, p.ID)
			}
		}
	}
	return out
}

// StoreItem is one entity as held by the entity store: a public main node
// plus a server-private meta node (kroeg:instance, kroeg:box, ...).
type StoreItem struct {
	ID   string
	Main *Node
	Meta *Node
}

// NewStoreItem creates an empty item for id.
func NewStoreItem(id string) *StoreItem {
	return &StoreItem{ID: id, Main: NewNode(id), Meta: NewNode(id)}
}

// Owned reports whether the item's kroeg:instance matches instanceID.
func (s *StoreItem) Owned(instanceID int64) bool {
	for _, p := range s.Meta.Get(KroegInstance) {
		if p.IsValue {
			return p.Value == itoa(instanceID)
		}
	}
	return false
}

// Box returns the item's kroeg:box role, if it is an inbox/outbox/sharedInbox.
func (s *StoreItem) Box() (string, bool) {
	return s.Meta.FirstID(KroegBox)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
