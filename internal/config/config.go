package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Library   LibraryConfig
	Embedding EmbeddingConfig
	Retrieval RetrievalConfig
	Ingest    IngestConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
	// MCPTransport is "http" (mounted at /mcp), "stdio" or "none".
	MCPTransport string
	APIToken     string
}

type StorageConfig struct {
	DataDir string
}

type LibraryConfig struct {
	// Dir holds one folder per past proposal. Empty means
	// <data_dir>/past_proposals.
	Dir string
}

type EmbeddingConfig struct {
	Provider     string
	Model        string
	Dimensions   int
	BaseURL      string
	VoyageAPIKey string
	OpenAIAPIKey string
}

type RetrievalConfig struct {
	// TopK is the search result count when a request names no limit.
	TopK          int
	VectorTimeout time.Duration
	RRFK          int
	ContextLimit  int
	ContextChars  int
}

type IngestConfig struct {
	Workers      int
	PollInterval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// Default embedding models per provider, used when embedding.model is unset.
var defaultModels = map[string]string{
	"ollama": "nomic-embed-text",
	"voyage": "voyage-3-lite",
	"openai": "text-embedding-3-small",
}

// ModelFor returns the configured model, or the default for provider.
func (e EmbeddingConfig) ModelFor(provider string) string {
	if e.Model != "" {
		return e.Model
	}
	return defaultModels[provider]
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8000,
			MCPTransport: "http",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Embedding: EmbeddingConfig{
			Provider: "auto",
		},
		Retrieval: RetrievalConfig{
			TopK:          5,
			VectorTimeout: 2 * time.Second,
			RRFK:          60,
			ContextLimit:  3,
			ContextChars:  3000,
		},
		Ingest: IngestConfig{
			Workers:      2,
			PollInterval: 500 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DotEnvFile is loaded from the working directory before environment
// overrides are applied. Variables already set in the environment win.
const DotEnvFile = ".env"

// Load reads configuration from the platform-native backend, a .env file,
// environment variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.tenderai.tenderd) and
// secrets fall back to the macOS Keychain.
// Elsewhere the backend is a JSON file at $XDG_CONFIG_HOME/tenderd/config.json
// and secrets fall back to $XDG_DATA_HOME/tenderd/secrets.json.
//
// Environment variables (TENDERD_*, then their plain aliases) override
// backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain(), DotEnvFile)
}

func loadWith(b ConfigBackend, kc Keychain, dotenv string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not load %s: %v\n", dotenv, err)
		}
	}
	applyEnvOverrides(&cfg)

	if cfg.Embedding.VoyageAPIKey == "" {
		if key, err := kc.Get(secretService, "voyage_api_key"); err == nil && key != "" {
			cfg.Embedding.VoyageAPIKey = key
		}
	}
	if cfg.Embedding.OpenAIAPIKey == "" {
		if key, err := kc.Get(secretService, "openai_api_key"); err == nil && key != "" {
			cfg.Embedding.OpenAIAPIKey = key
		}
	}

	if cfg.Library.Dir == "" {
		cfg.Library.Dir = filepath.Join(cfg.Storage.DataDir, "past_proposals")
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Server.MCPTransport {
	case "http", "stdio", "none":
	default:
		return fmt.Errorf("invalid server.mcp_transport %q: want http, stdio or none", c.Server.MCPTransport)
	}
	switch strings.ToLower(c.Embedding.Provider) {
	case "auto", "ollama", "voyage", "openai", "none":
	default:
		return fmt.Errorf("invalid embedding.provider %q: want auto, ollama, voyage, openai or none", c.Embedding.Provider)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("invalid retrieval.top_k %d: must be positive", c.Retrieval.TopK)
	}
	if c.Embedding.Dimensions < 0 {
		return fmt.Errorf("invalid embedding.dimensions %d", c.Embedding.Dimensions)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format %q: want text or json", c.Log.Format)
	}
	return nil
}
