package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key string
	typ keyType
	env string
	// aliases are plain variable names read when env is unset.
	aliases []string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "TENDERD_SERVER_HOST", aliases: []string{"HOST"},
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "TENDERD_SERVER_PORT", aliases: []string{"PORT"},
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_transport", typ: kString, env: "TENDERD_SERVER_MCP_TRANSPORT", aliases: []string{"TRANSPORT"},
		apply:   func(cfg *Config, v any) { cfg.Server.MCPTransport = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.MCPTransport },
	},
	{
		key: "server.api_token", typ: kString, env: "TENDERD_API_TOKEN", aliases: []string{"MCP_API_KEY"},
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TENDERD_STORAGE_DATA_DIR", aliases: []string{"DATA_DIR"},
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "library.dir", typ: kString, env: "TENDERD_LIBRARY_DIR",
		apply:   func(cfg *Config, v any) { cfg.Library.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Library.Dir },
	},
	{
		key: "embedding.provider", typ: kString, env: "TENDERD_EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.model", typ: kString, env: "TENDERD_EMBEDDING_MODEL", aliases: []string{"EMBEDDING_MODEL"},
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.dimensions", typ: kInt, env: "TENDERD_EMBEDDING_DIMENSIONS", aliases: []string{"EMBEDDING_DIMENSIONS"},
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimensions },
	},
	{
		key: "embedding.base_url", typ: kString, env: "TENDERD_EMBEDDING_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.BaseURL },
	},
	{
		key: "embedding.voyage_api_key", typ: kString, env: "TENDERD_VOYAGE_API_KEY", aliases: []string{"VOYAGE_API_KEY"},
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Embedding.VoyageAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.VoyageAPIKey },
	},
	{
		key: "embedding.openai_api_key", typ: kString, env: "TENDERD_OPENAI_API_KEY", aliases: []string{"OPENAI_API_KEY"},
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Embedding.OpenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.OpenAIAPIKey },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "TENDERD_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.vector_timeout", typ: kDuration, env: "TENDERD_RETRIEVAL_VECTOR_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.VectorTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.VectorTimeout },
	},
	{
		key: "retrieval.rrf_k", typ: kInt, env: "TENDERD_RETRIEVAL_RRF_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RRFK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.RRFK },
	},
	{
		key: "retrieval.context_limit", typ: kInt, env: "TENDERD_RETRIEVAL_CONTEXT_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ContextLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.ContextLimit },
	},
	{
		key: "retrieval.context_chars", typ: kInt, env: "TENDERD_RETRIEVAL_CONTEXT_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ContextChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.ContextChars },
	},
	{
		key: "ingest.workers", typ: kInt, env: "TENDERD_INGEST_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Workers },
	},
	{
		key: "ingest.poll_interval", typ: kDuration, env: "TENDERD_INGEST_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.PollInterval },
	},
	{
		key: "log.level", typ: kString, env: "TENDERD_LOG_LEVEL", aliases: []string{"LOG_LEVEL"},
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "TENDERD_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

// lookupEnv returns the key's TENDERD_* variable, falling back to its aliases.
func (s keySpec) lookupEnv() (name, raw string) {
	if v := os.Getenv(s.env); v != "" {
		return s.env, v
	}
	for _, a := range s.aliases {
		if v := os.Getenv(a); v != "" {
			return a, v
		}
	}
	return "", ""
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		name, raw := s.lookupEnv()
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		}
	}
}
