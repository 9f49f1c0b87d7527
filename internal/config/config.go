// Package config loads kroegd's single TOML configuration document. A
// .env file is read first if present, then the document named by the
// CONFIG environment variable is overlaid onto built-in defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// ServerConfig covers the HTTP listener and the server's own identity.
type ServerConfig struct {
	Base           string   `toml:"base"`   // e.g. "https://kroeg.example"
	Listen         string   `toml:"listen"` // e.g. ":8080"
	InstanceID     int64    `toml:"instance_id"`
	Admins         []string `toml:"admins"` // subject IRIs with operator privileges; unused by the core pipeline itself
	PrivateKeyPath string   `toml:"private_key_path"`
	PublicKeyPath  string   `toml:"public_key_path"`
}

// DatabaseConfig covers the SQL backend.
type DatabaseConfig struct {
	// ConnectionString is parsed for its scheme to detect driver:
	// "sqlite://path" or "postgres://..." (see internal/store.Open).
	ConnectionString string `toml:"connection_string"`
}

// DeliveryConfig tunes the worker pool (C7).
type DeliveryConfig struct {
	Concurrency int           `toml:"concurrency"`
	PollIdle    time.Duration `toml:"poll_idle"`
}

// Config is the top-level document, one TOML file.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Delivery DeliveryConfig `toml:"delivery"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Listen:         ":8080",
			InstanceID:     1,
			PrivateKeyPath: "private.pem",
			PublicKeyPath:  "public.pem",
		},
		Database: DatabaseConfig{
			ConnectionString: "sqlite://kroegd.db",
		},
		Delivery: DeliveryConfig{
			Concurrency: 8,
			PollIdle:    10 * time.Second,
		},
	}
}

// Load reads .env (if present, ignored if not) then the TOML document
// named by the CONFIG environment variable (default "server.toml"),
// overlaying it onto sane defaults.
func Load() (*Config, error) {
	_ = godotenv.Load() // best-effort; absent .env is not an error

	path := os.Getenv("CONFIG")
	if path == "" {
		path = "server.toml"
	}

	cfg := defaults()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if cfg.Server.Base == "" {
		return nil, fmt.Errorf("config: server.base is required")
	}
	return &cfg, nil
}
