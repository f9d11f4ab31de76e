package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server       ServerConfig
	GRPC         GRPCConfig
	DB           DBConfig
	Redis        RedisConfig
	NATS         NATSConfig
	JWT          JWTConfig
	Memory       MemoryConfig
	Embedding    EmbeddingConfig
	Brain        BrainConfig
	Conversation ConversationConfig
	Turns        TurnsConfig
	XMPP         XMPPConfig
	Log          LogConfig
}

type ServerConfig struct {
	Host        string
	Port        int
	CORSOrigins []string
	// RateLimit is the per-owner request budget per minute on /api/v1.
	RateLimit int
}

type GRPCConfig struct {
	Host   string
	Port   int
	APIKey string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
	// MigrationsPath is the directory of golang-migrate SQL files.
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	URL string
}

type JWTConfig struct {
	Secret       string
	Issuer       string
	AccessExpiry time.Duration
}

// MemoryConfig selects the vector backends and the retrieval budget.
type MemoryConfig struct {
	PreferredBackend string
	SecondaryBackend string
	ContextTimeout   time.Duration
	KeywordWindow    int
	ChromemPath      string
	ChromemCompress  bool
}

type EmbeddingConfig struct {
	Provider   string // "openai" or "hashing"
	Model      string
	BaseURL    string
	APIKey     string
	Dimensions int
	CacheSize  int64
}

type BrainConfig struct {
	Provider  string
	Model     string
	APIKey    string
	MaxTokens int64
}

type ConversationConfig struct {
	HistoryLimit    int
	HistoryTTL      time.Duration
	ErrorRecovery   time.Duration
	MasterConfigYML string
}

type TurnsConfig struct {
	Driver     string // "postgres" or "sqlite"
	SQLitePath string
	MaxPerUser int
}

type XMPPConfig struct {
	Enabled bool
	Domain  string
	Address string
	Secret  string
	// UserDomains lists the XMPP domains trusted to carry user-<uuid> JIDs.
	UserDomains []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:        k.String("server.host"),
			Port:        k.Int("server.port"),
			CORSOrigins: splitList(k.String("server.cors.origins")),
			RateLimit:   k.Int("server.rate.limit"),
		},
		GRPC: GRPCConfig{
			Host:   k.String("grpc.host"),
			Port:   k.Int("grpc.port"),
			APIKey: k.String("grpc.api.key"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("db.migrations.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		JWT: JWTConfig{
			Secret: k.String("jwt.secret"),
			Issuer: k.String("jwt.issuer"),
		},
		Memory: MemoryConfig{
			PreferredBackend: k.String("memory.preferred.backend"),
			SecondaryBackend: k.String("memory.secondary.backend"),
			KeywordWindow:    k.Int("memory.keyword.window"),
			ChromemPath:      k.String("memory.chromem.path"),
			ChromemCompress:  k.Bool("memory.chromem.compress"),
		},
		Embedding: EmbeddingConfig{
			Provider:   k.String("embedding.provider"),
			Model:      k.String("embedding.model"),
			BaseURL:    k.String("embedding.base.url"),
			APIKey:     k.String("embedding.api.key"),
			Dimensions: k.Int("embedding.dimensions"),
			CacheSize:  k.Int64("embedding.cache.size"),
		},
		Brain: BrainConfig{
			Provider:  k.String("brain.provider"),
			Model:     k.String("brain.model"),
			APIKey:    k.String("brain.api.key"),
			MaxTokens: k.Int64("brain.max.tokens"),
		},
		Conversation: ConversationConfig{
			HistoryLimit:    k.Int("conversation.history.limit"),
			MasterConfigYML: k.String("conversation.master.config"),
		},
		Turns: TurnsConfig{
			Driver:     k.String("turns.driver"),
			SQLitePath: k.String("turns.sqlite.path"),
			MaxPerUser: k.Int("turns.max.per.user"),
		},
		XMPP: XMPPConfig{
			Enabled:     k.Bool("xmpp.enabled"),
			Domain:      k.String("xmpp.domain"),
			Address:     k.String("xmpp.address"),
			Secret:      k.String("xmpp.secret"),
			UserDomains: splitList(k.String("xmpp.user.domains")),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.GRPC.Host == "" {
		cfg.GRPC.Host = "0.0.0.0"
	}
	if cfg.GRPC.Port == 0 {
		cfg.GRPC.Port = 50051
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "companion"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "companion"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 60
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "companion"
	}
	if cfg.Memory.PreferredBackend == "" {
		cfg.Memory.PreferredBackend = "pgvector"
	}
	if cfg.Memory.SecondaryBackend == "" {
		cfg.Memory.SecondaryBackend = "chromem"
	}
	if cfg.Memory.KeywordWindow == 0 {
		cfg.Memory.KeywordWindow = 200
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "openai"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 1536
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10_000
	}
	if cfg.Brain.Provider == "" {
		cfg.Brain.Provider = "anthropic"
	}
	if cfg.Brain.Model == "" {
		cfg.Brain.Model = "claude-sonnet-4-5"
	}
	if cfg.Brain.MaxTokens == 0 {
		cfg.Brain.MaxTokens = 1024
	}
	if cfg.Conversation.HistoryLimit == 0 {
		cfg.Conversation.HistoryLimit = 20
	}
	if cfg.Turns.Driver == "" {
		cfg.Turns.Driver = "postgres"
	}
	if cfg.Turns.SQLitePath == "" {
		cfg.Turns.SQLitePath = "companion.db"
	}
	if cfg.Turns.MaxPerUser == 0 {
		cfg.Turns.MaxPerUser = 500
	}
	if cfg.XMPP.Domain == "" {
		cfg.XMPP.Domain = "companion.local"
	}
	if cfg.XMPP.Address == "" {
		cfg.XMPP.Address = "localhost:5275"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	cfg.Memory.ContextTimeout, err = parseDuration(k, "memory.context.timeout", "8s")
	if err != nil {
		return nil, err
	}
	cfg.Conversation.HistoryTTL, err = parseDuration(k, "conversation.history.ttl", "1h")
	if err != nil {
		return nil, err
	}
	cfg.Conversation.ErrorRecovery, err = parseDuration(k, "conversation.error.recovery", "3s")
	if err != nil {
		return nil, err
	}
	cfg.JWT.AccessExpiry, err = parseDuration(k, "jwt.access.expiry", "24h")
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseDuration(k *koanf.Koanf, key, fallback string) (time.Duration, error) {
	s := k.String(key)
	if s == "" {
		s = fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
