// Package reqctx defines the per-request Context threaded through the
// pipeline: the ambient values every handler needs (who's asking, which
// server instance this is, and handles to the store and queue). One
// struct passed explicitly, instead of globals or per-call argument
// threading.
package reqctx

import (
	"github.com/kroegd/kroegd/internal/auth"
	"github.com/kroegd/kroegd/internal/store"
)

// Context is created on request entry and dropped on response; exactly one
// goroutine holds it at a time.
type Context struct {
	ServerBase  string
	InstanceID  int64
	User        auth.User
	EntityStore store.EntityStore
	Queue       store.Queue
}
