// Package delivery implements the delivery worker: a bounded pool that
// drains the queue, signs each outgoing activity with the acting
// actor's key, and POSTs it to the recipient inbox, or dispatches
// in-process when the inbox is one of our own.
package delivery

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"hash/crc32"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-fed/httpsig"

	"github.com/kroegd/kroegd/internal/ap"
	"github.com/kroegd/kroegd/internal/apperror"
	"github.com/kroegd/kroegd/internal/assemble"
	"github.com/kroegd/kroegd/internal/auth"
	"github.com/kroegd/kroegd/internal/ingest"
	"github.com/kroegd/kroegd/internal/reqctx"
	"github.com/kroegd/kroegd/internal/store"
)

// maxAttempts bounds the queue's exponential backoff: items are
// abandoned, not retried forever, past this many failures.
const maxAttempts = 16

// leaseBatch is how many queue items a single poll claims at once.
const leaseBatch = 16

// idlePause is how long the worker sleeps after an empty poll.
const idlePause = 10 * time.Second

// Worker drains the delivery queue and fans work out across a bounded
// set of per-inbox channel workers, so that many pending deliveries to
// the same inbox serialize (preserving federation ordering to that
// inbox) while deliveries to different inboxes proceed concurrently.
type Worker struct {
	Queue       store.Queue
	EntityStore store.EntityStore
	ServerBase  string
	InstanceID  int64
	Key         *ap.KeyPair
	KeyID       string
	Concurrency int
	HTTPClient  *http.Client
}

// NewWorker builds a Worker with default HTTP client timeout and
// concurrency.
func NewWorker(q store.Queue, es store.EntityStore, serverBase string, instanceID int64, key *ap.KeyPair, keyID string) *Worker {
	return &Worker{
		Queue:       q,
		EntityStore: es,
		ServerBase:  serverBase,
		InstanceID:  instanceID,
		Key:         key,
		KeyID:       keyID,
		Concurrency: 8,
		HTTPClient:  &http.Client{Timeout: 7 * time.Second},
	}
}

// Run polls the queue until ctx is cancelled, leasing a batch at a
// time and distributing items to a fixed pool of per-bucket channel
// workers.
func (w *Worker) Run(ctx context.Context) {
	concurrency := w.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	channels := make([]chan store.QueueItem, concurrency)
	for i := range channels {
		channels[i] = make(chan store.QueueItem, leaseBatch)
		go w.runChannel(ctx, channels[i])
	}
	defer func() {
		for _, ch := range channels {
			close(ch)
		}
	}()

	ticker := time.NewTicker(idlePause)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		items, err := w.Queue.Lease(ctx, leaseBatch)
		if err != nil {
			slog.Error("delivery: lease failed", "error", err)
		}
		if len(items) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		for _, item := range items {
			key := item.Data
			if _, inbox, err := store.DecodeQueueData(item.Data); err == nil {
				key = inbox
			}
			bucket := crc32.ChecksumIEEE([]byte(key)) % uint32(concurrency)
			select {
			case channels[bucket] <- item:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *Worker) runChannel(ctx context.Context, ch chan store.QueueItem) {
	for item := range ch {
		w.deliverOne(ctx, item)
	}
}

// deliverOne processes a single "deliver" queue entry: signs and POSTs
// the referenced item to the referenced inbox if remote, or
// dispatches it into the ingest pipeline directly if the inbox is
// local (in-process delivery, no network hop).
func (w *Worker) deliverOne(ctx context.Context, item store.QueueItem) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("delivery: worker panic recovered", "item", item.ID, "panic", r)
			_ = w.Queue.MarkFailure(ctx, item.ID, maxAttempts)
		}
	}()

	if item.Event != "deliver" {
		_ = w.Queue.MarkSuccess(ctx, item.ID)
		return
	}

	itemIRI, inboxIRI, err := store.DecodeQueueData(item.Data)
	if err != nil {
		slog.Error("delivery: malformed queue entry, dropping", "id", item.ID, "error", err)
		_ = w.Queue.MarkSuccess(ctx, item.ID) // unrecoverable, don't retry forever
		return
	}

	if err := w.deliver(ctx, itemIRI, inboxIRI); err != nil {
		slog.Warn("delivery: attempt failed", "item", itemIRI, "inbox", inboxIRI, "error", err)
		_ = w.Queue.MarkFailure(ctx, item.ID, maxAttempts)
		return
	}
	_ = w.Queue.MarkSuccess(ctx, item.ID)
}

func (w *Worker) deliver(ctx context.Context, itemIRI, inboxIRI string) error {
	root, err := w.EntityStore.Get(ctx, itemIRI, false)
	if err != nil {
		return apperror.Wrap(apperror.KindStore, err)
	}
	if root == nil {
		return nil // item since retracted; nothing to deliver
	}

	inboxItem, err := w.EntityStore.Get(ctx, inboxIRI, false)
	if err == nil && inboxItem != nil && inboxItem.Owned(w.InstanceID) {
		return w.deliverLocal(ctx, itemIRI, inboxIRI)
	}
	return w.deliverRemote(ctx, root, inboxIRI)
}

// deliverLocal dispatches an already-stored item directly into the
// ingest pipeline for a box we own, skipping the network entirely.
// sharedInbox fan-out to local followers runs synchronously during
// PrepareDelivery, so this path only fires for plain local-to-local
// inbox deliveries (e.g. a local Follow/Like directed at another local
// actor's inbox).
func (w *Worker) deliverLocal(ctx context.Context, itemIRI, inboxIRI string) error {
	root, err := w.EntityStore.Get(ctx, itemIRI, false)
	if err != nil {
		return err
	}
	if root == nil {
		return nil
	}
	body, err := json.Marshal(ap.Compact(root.Main, w.ServerBase))
	if err != nil {
		return err
	}

	rc := &reqctx.Context{
		ServerBase:  w.ServerBase,
		InstanceID:  w.InstanceID,
		User:        auth.User{Subject: itemIRIActor(root)},
		EntityStore: w.EntityStore,
		Queue:       w.Queue,
	}
	_, err = ingest.Handle(ctx, rc, inboxIRI, body)
	return err
}

func itemIRIActor(item *ap.StoreItem) string {
	if actor, ok := item.Main.FirstID(ap.AS2Actor); ok {
		return actor
	}
	return item.ID
}

// deliverRemote assembles, compacts, signs, and POSTs root to a remote
// inbox. Assembly uses a LocalOnlyAuthorizer so only our own content is
// ever inlined into what we federate out.
func (w *Worker) deliverRemote(ctx context.Context, root *ap.StoreItem, inboxIRI string) error {
	authorizer := auth.LocalOnlyAuthorizer{Inner: auth.DefaultAuthorizer{User: auth.Anonymous()}}
	assembled, err := assemble.Assemble(ctx, w.EntityStore, w.InstanceID, root, 0, authorizer, map[string]bool{})
	if err != nil {
		return err
	}
	body, err := json.Marshal(ap.Compact(assembled, w.ServerBase))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inboxIRI, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	signKey, signKeyID := w.actorKey(ctx, itemIRIActor(root))
	if err := w.sign(req, body, signKey, signKeyID); err != nil {
		return fmt.Errorf("sign delivery: %w", err)
	}

	resp, err := w.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", inboxIRI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// A response was actually received, so the delivery attempt
		// completed; only transport failures above are retryable.
		slog.Warn("remote inbox rejected delivery", "inbox", inboxIRI, "status", resp.StatusCode)
	}
	return nil
}

func (w *Worker) sign(req *http.Request, body []byte, key *rsa.PrivateKey, keyID string) error {
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return err
	}
	return signer.SignRequest(key, keyID, req, body)
}

// actorKey resolves the private key to sign a delivery with: the
// activity's own actor's key, found via actor -> sec:publicKey ->
// sec:privateKeyPem. Falls back to the worker's configured service key
// when the actor has none on record (e.g. a malformed or
// not-yet-materialized actor reference).
func (w *Worker) actorKey(ctx context.Context, actorID string) (*rsa.PrivateKey, string) {
	actor, err := w.EntityStore.Get(ctx, actorID, false)
	if err != nil || actor == nil {
		return w.Key.Private, w.KeyID
	}
	keyID, ok := actor.Main.FirstID(ap.SecPublicKey)
	if !ok {
		return w.Key.Private, w.KeyID
	}
	keyItem, err := w.EntityStore.Get(ctx, keyID, false)
	if err != nil || keyItem == nil {
		return w.Key.Private, w.KeyID
	}
	pemStr, ok := keyItem.Main.FirstString(ap.SecPrivateKeyPem)
	if !ok {
		return w.Key.Private, w.KeyID
	}
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return w.Key.Private, w.KeyID
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return w.Key.Private, w.KeyID
	}
	return priv, keyID
}
