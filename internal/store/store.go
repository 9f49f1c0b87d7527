// Package store implements the entity store port, its SQL-backed
// implementation, the remote-fetching decorator, and the delivery
// queue.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/kroegd/kroegd/internal/ap"
)

// StoreError is the single error kind every store operation returns.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// ErrNotFound is returned by callers inspecting a nil item, not by the store
// itself: Get returns (nil, nil) on a clean miss.
var ErrNotFound = errors.New("not found")

// QueryID is one slot of a QuadQuery pattern: a concrete IRI, a set union of
// candidate IRIs, or a numbered placeholder unification variable.
type QueryID struct {
	Placeholder   int
	Value         string
	Values        []string // set union ("Any"): matches if the slot equals any of these
	IsPlaceholder bool
}

func Concrete(v string) QueryID       { return QueryID{Value: v} }
func ConcreteAny(vs []string) QueryID { return QueryID{Values: vs} }
func Var(n int) QueryID               { return QueryID{Placeholder: n, IsPlaceholder: true} }

// QueryObject is the object slot of a pattern: either an id reference
// (concrete, set union, or placeholder, sharing QueryID) or a typed literal.
type QueryObject struct {
	ID      *QueryID
	Value   string
	Type    string
	IsValue bool
}

// QuadQuery is one triple pattern in a query conjunction.
type QuadQuery struct {
	Subject   QueryID
	Predicate QueryID
	Object    QueryObject
}

// CollectionPointer is a page of collection membership with cursor links.
type CollectionPointer struct {
	Items  []string
	Before *string
	After  *string
}

// EntityStore is an abstract key -> graph-item map, plus collection
// operations and multi-pattern quad queries.
type EntityStore interface {
	Get(ctx context.Context, iri string, localOnly bool) (*ap.StoreItem, error)
	Put(ctx context.Context, iri string, item *ap.StoreItem) error
	Query(ctx context.Context, patterns []QuadQuery) ([][]string, error)

	ReadCollection(ctx context.Context, iri string, count int, cursor string) (CollectionPointer, error)
	ReadCollectionInverse(ctx context.Context, memberIRI string) (CollectionPointer, error)
	FindCollection(ctx context.Context, collection, item string) (bool, error)
	InsertCollection(ctx context.Context, collection, item string) error
	RemoveCollection(ctx context.Context, collection, item string) error
}
