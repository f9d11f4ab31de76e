package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	knownBackends   = map[string]bool{"pgvector": true, "chromem": true, "none": true}
	knownEmbedders  = map[string]bool{"openai": true, "hashing": true}
	knownTurnStores = map[string]bool{"postgres": true, "sqlite": true}
	knownBrains     = map[string]bool{"anthropic": true, "echo": true}
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	if len(c.JWT.Secret) < 32 {
		errs = append(errs, "JWT_SECRET must be at least 32 characters")
	}

	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}
	if c.GRPC.Port < 1 || c.GRPC.Port > 65535 {
		errs = append(errs, fmt.Sprintf("GRPC_PORT must be 1–65535, got %d", c.GRPC.Port))
	}

	// Memory
	if !knownBackends[c.Memory.PreferredBackend] {
		errs = append(errs, fmt.Sprintf("MEMORY_PREFERRED_BACKEND %q is not a known backend", c.Memory.PreferredBackend))
	}
	if !knownBackends[c.Memory.SecondaryBackend] {
		errs = append(errs, fmt.Sprintf("MEMORY_SECONDARY_BACKEND %q is not a known backend", c.Memory.SecondaryBackend))
	}
	if c.Memory.ContextTimeout <= 0 {
		errs = append(errs, "MEMORY_CONTEXT_TIMEOUT must be positive")
	}

	// Embedding credentials are a configuration error, not a runtime retry.
	if !knownEmbedders[c.Embedding.Provider] {
		errs = append(errs, fmt.Sprintf("EMBEDDING_PROVIDER %q is not supported", c.Embedding.Provider))
	}
	if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" {
		errs = append(errs, "EMBEDDING_API_KEY is required for the openai embedding provider")
	}
	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, fmt.Sprintf("EMBEDDING_DIMENSIONS must be positive, got %d", c.Embedding.Dimensions))
	}

	if !knownBrains[c.Brain.Provider] {
		errs = append(errs, fmt.Sprintf("BRAIN_PROVIDER %q is not supported", c.Brain.Provider))
	}
	if c.Brain.Provider == "anthropic" && c.Brain.APIKey == "" {
		errs = append(errs, "BRAIN_API_KEY is required for the anthropic brain provider")
	}

	if !knownTurnStores[c.Turns.Driver] {
		errs = append(errs, fmt.Sprintf("TURNS_DRIVER %q is not supported", c.Turns.Driver))
	}

	if c.XMPP.Enabled && c.XMPP.Secret == "" {
		errs = append(errs, "XMPP_SECRET is required when XMPP_ENABLED is set")
	}

	// gRPC API key: warn only
	if c.GRPC.APIKey == "" {
		slog.Warn("GRPC_API_KEY is empty, gRPC health server has no authentication")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
