// Package httpserver implements the HTTP transport: a catch-all GET/POST
// router over the entity graph plus the fixed peripheral routes
// (webfinger, nodeinfo, the outgoing context document).
package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kroegd/kroegd/internal/ap"
	"github.com/kroegd/kroegd/internal/apperror"
	"github.com/kroegd/kroegd/internal/assemble"
	"github.com/kroegd/kroegd/internal/auth"
	"github.com/kroegd/kroegd/internal/ingest"
	"github.com/kroegd/kroegd/internal/reqctx"
	"github.com/kroegd/kroegd/internal/store"
)

const ldJSONType = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

// Server is kroegd's HTTP transport.
type Server struct {
	ServerBase  string
	InstanceID  int64
	EntityStore store.EntityStore
	Queue       store.Queue
	router      *chi.Mux
}

// New builds a Server with its router already wired.
func New(serverBase string, instanceID int64, entityStore store.EntityStore, queue store.Queue) *Server {
	s := &Server{ServerBase: serverBase, InstanceID: instanceID, EntityStore: entityStore, Queue: queue}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfoDiscovery)
	r.Get("/-/nodeinfo/2.0", s.handleNodeInfo2)
	r.Get("/-/context", s.handleContextDocument)

	// Catch-all over the entity graph: any path is a potential entity IRI
	// or box, resolved at request time rather than via a fixed route table.
	r.Get("/*", s.handleGet)
	r.Post("/*", s.handlePost)

	return r
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context, listen string) {
	srv := &http.Server{
		Addr:         listen,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", listen, "base", s.ServerBase)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

// handleGet resolves the requested IRI, authorizes it for the
// requesting principal, assembles it (inlining authorised sub-items and
// synthesizing as:first on an un-paged owned collection), and compacts
// it to JSON-LD.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := s.ServerBase + r.URL.Path
	user := auth.Authenticate(ctx, r, s.EntityStore)
	authorizer := auth.DefaultAuthorizer{User: user}

	query := r.URL.RawQuery

	item, err := s.EntityStore.Get(ctx, id, false)
	if err != nil {
		writeError(w, apperror.Wrap(apperror.KindStore, err))
		return
	}
	if item == nil || !authorizer.CanShow(item, s.InstanceID) {
		notFound(w)
		return
	}

	if query != "" {
		page, err := assemble.BuildCollectionPage(ctx, s.EntityStore, item, query)
		if err != nil {
			writeError(w, apperror.Wrap(apperror.KindStore, err))
			return
		}
		writeCompacted(w, page.Main, s.ServerBase)
		return
	}

	if item.Main.HasType(ap.AS2OrderedCollection) && item.Owned(s.InstanceID) {
		item = assemble.WithSyntheticFirst(item)
	}

	assembled, err := assemble.Assemble(ctx, s.EntityStore, s.InstanceID, item, 0, authorizer, map[string]bool{})
	if err != nil {
		writeError(w, apperror.Wrap(apperror.KindStore, err))
		return
	}
	writeCompacted(w, assembled, s.ServerBase)
}

// handlePost runs the ingest pipeline against the path's entity.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := s.ServerBase + r.URL.Path
	user := auth.Authenticate(ctx, r, s.EntityStore)

	body, err := readBody(r)
	if err != nil {
		writeError(w, apperror.Wrap(apperror.KindHandler, err))
		return
	}

	rc := &reqctx.Context{
		ServerBase:  s.ServerBase,
		InstanceID:  s.InstanceID,
		User:        user,
		EntityStore: s.EntityStore,
		Queue:       s.Queue,
	}

	result, err := ingest.Handle(ctx, rc, id, body)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Location", result.RootID)
	w.Header().Set("Content-Type", ldJSONType)
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"@id": result.RootID})
}

func (s *Server) handleContextDocument(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/ld+json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"@context": map[string]interface{}{
			"kroeg": ap.KroegNS,
			"ldp":   ap.LDPNS,
			"sec":   ap.SecurityNS,
		},
	})
}

func writeCompacted(w http.ResponseWriter, n *ap.Node, base string) {
	w.Header().Set("Content-Type", ldJSONType)
	_ = json.NewEncoder(w).Encode(ap.Compact(n, base))
}

func notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", ldJSONType)
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"@type":              ap.KroegNS + "NotFound",
		ap.AS2NS + "content": "Not found",
	})
}

// writeError classifies err via apperror.Kind, falling back to 500 for
// anything not wrapped.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if appErr, ok := err.(*apperror.Error); ok {
		status = appErr.Kind.HTTPStatus()
	}
	slog.Error("request failed", "status", status, "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 4<<20))
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", wrapped.status, "duration", time.Since(start))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Signature")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}
