// kroegd is a federated ActivityPub server: it accepts signed JSON-LD
// activities, persists them in a content-addressable graph, and delivers
// outgoing activities to remote peers over signed HTTP.
//
// Usage:
//
//	export CONFIG=server.toml
//	./kroegd serve
//	./kroegd create-user https://example.com/users/alice alice "Alice"
package main

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kroegd/kroegd/internal/ap"
	"github.com/kroegd/kroegd/internal/config"
	"github.com/kroegd/kroegd/internal/delivery"
	"github.com/kroegd/kroegd/internal/httpserver"
	"github.com/kroegd/kroegd/internal/store"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kroegd",
	Short: "kroegd is a federated ActivityPub server",
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(createUserCmd)
}

func initLogging() {
	debug, _ := rootCmd.PersistentFlags().GetBool("debug")
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and delivery workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		slog.Info("config loaded",
			"base", cfg.Server.Base, "instance_id", cfg.Server.InstanceID,
			"database", cfg.Database.ConnectionString)

		db, entityStore, queue, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		keyPair, err := ap.LoadOrGenerateKeyPair(cfg.Server.PrivateKeyPath, cfg.Server.PublicKeyPath)
		if err != nil {
			return fmt.Errorf("load/generate RSA key pair: %w", err)
		}
		slog.Info("RSA key pair ready")

		retrieving := store.NewRetrievingStore(entityStore, cfg.Server.Base)

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		concurrency := cfg.Delivery.Concurrency
		if concurrency < 1 {
			concurrency = 1
		}
		worker := delivery.NewWorker(queue, retrieving, cfg.Server.Base, cfg.Server.InstanceID, keyPair, cfg.Server.Base+"/-/actor#main-key")
		worker.Concurrency = concurrency
		go worker.Run(ctx)
		slog.Info("delivery workers started", "concurrency", concurrency)

		if cfg.Server.Listen == "" {
			slog.Info("no server.listen configured, running delivery-only")
			<-ctx.Done()
			return nil
		}

		srv := httpserver.New(cfg.Server.Base, cfg.Server.InstanceID, retrieving, queue)
		srv.Start(ctx, cfg.Server.Listen) // blocks until ctx is cancelled

		slog.Info("kroegd stopped")
		return nil
	},
}

var createUserCmd = &cobra.Command{
	Use:   "create-user <id> <username> <name>",
	Short: "Create a local actor with an inbox and outbox",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, username, name := args[0], args[1], args[2]

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		db, entityStore, _, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		keyPair, err := ap.LoadOrGenerateKeyPair(cfg.Server.PrivateKeyPath, cfg.Server.PublicKeyPath)
		if err != nil {
			return fmt.Errorf("load/generate RSA key pair: %w", err)
		}

		if err := createUser(context.Background(), entityStore, cfg.Server.InstanceID, id, username, name, keyPair); err != nil {
			return fmt.Errorf("create user: %w", err)
		}

		fmt.Printf("created user %s (%s)\n", id, username)
		return nil
	},
}

// openStore wires up the SQL-backed entity store and queue from config.
func openStore(cfg *config.Config) (*store.SQLStore, *store.SQLStore, store.Queue, error) {
	db, err := store.Open(cfg.Database.ConnectionString)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, db, store.NewSQLQueue(db), nil
}

// createUser builds a Person actor with its own inbox/outbox, keyed by a
// shared key pair, and persists all the nodes directly through the
// store: a fresh local actor is minted by an operator, not by ingest.
func createUser(ctx context.Context, es store.EntityStore, instanceID int64, id, username, name string, keys *ap.KeyPair) error {
	inboxID := id + "/inbox"
	outboxID := id + "/outbox"
	keyID := id + "#main-key"
	instance := ap.ValuePointer(strconv.FormatInt(instanceID, 10), ap.XSDInteger)

	actor := ap.NewStoreItem(id)
	actor.Main.Push("@type", ap.IDPointer(ap.AS2Person))
	actor.Main.Push(ap.AS2Name, ap.ValuePointer(name, ap.XSDString))
	actor.Main.Push(ap.AS2PreferredUsername, ap.ValuePointer(username, ap.XSDString))
	actor.Main.Push(ap.AS2Outbox, ap.IDPointer(outboxID))
	actor.Main.Push(ap.LDPInbox, ap.IDPointer(inboxID))
	actor.Main.Push(ap.SecPublicKey, ap.IDPointer(keyID))
	actor.Meta.Push(ap.KroegInstance, instance)

	key := ap.NewStoreItem(keyID)
	key.Main.Push("@type", ap.IDPointer(ap.SecurityNS+"Key"))
	key.Main.Push(ap.SecOwner, ap.IDPointer(id))
	key.Main.Push(ap.SecPublicKeyPem, ap.ValuePointer(keys.PublicPEM, ap.XSDString))
	key.Main.Push(ap.SecPrivateKeyPem, ap.ValuePointer(pemPrivate(keys), ap.XSDString))
	key.Meta.Push(ap.KroegInstance, instance)

	inbox := ap.NewStoreItem(inboxID)
	inbox.Main.Push("@type", ap.IDPointer(ap.AS2OrderedCollection))
	inbox.Main.Push(ap.AS2AttributedTo, ap.IDPointer(id))
	inbox.Meta.Push(ap.KroegInstance, instance)
	inbox.Meta.Push(ap.KroegBox, ap.IDPointer(ap.LDPInbox))

	outbox := ap.NewStoreItem(outboxID)
	outbox.Main.Push("@type", ap.IDPointer(ap.AS2OrderedCollection))
	outbox.Main.Push(ap.AS2AttributedTo, ap.IDPointer(id))
	outbox.Meta.Push(ap.KroegInstance, instance)
	outbox.Meta.Push(ap.KroegBox, ap.IDPointer(ap.AS2Outbox))

	for _, item := range []*ap.StoreItem{actor, key, inbox, outbox} {
		if err := es.Put(ctx, item.ID, item); err != nil {
			return err
		}
	}
	return nil
}

func pemPrivate(keys *ap.KeyPair) string {
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(keys.Private)}
	return string(pem.EncodeToMemory(block))
}
