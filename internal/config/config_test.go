package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type memBackend struct {
	strings map[string]string
	ints    map[string]int
}

func newMemBackend() *memBackend {
	return &memBackend{strings: map[string]string{}, ints: map[string]int{}}
}

func (m *memBackend) GetString(key string) (string, bool, error) {
	v, ok := m.strings[key]
	return v, ok, nil
}

func (m *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.ints[key]
	return v, ok, nil
}

func (m *memBackend) SetString(key, val string) error  { m.strings[key] = val; return nil }
func (m *memBackend) SetInt(key string, val int) error { m.ints[key] = val; return nil }

func (m *memBackend) Delete(key string) error {
	delete(m.strings, key)
	delete(m.ints, key)
	return nil
}

// mockKeychain is an in-memory secret store keyed by "service/account".
type mockKeychain struct {
	secrets map[string]string
	setErr  error
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	v, ok := m.secrets[service+"/"+account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *mockKeychain) Set(service, account, value string) error {
	if m.setErr != nil {
		return m.setErr
	}
	if m.secrets == nil {
		m.secrets = map[string]string{}
	}
	m.secrets[service+"/"+account] = value
	return nil
}

// clearEnv unsets every variable the loader reads for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		for _, name := range append([]string{s.env}, s.aliases...) {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(newMemBackend(), &mockKeychain{}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Server.MCPTransport != "http" {
		t.Errorf("Server.MCPTransport = %q, want http", cfg.Server.MCPTransport)
	}
	if cfg.Embedding.Provider != "auto" {
		t.Errorf("Embedding.Provider = %q, want auto", cfg.Embedding.Provider)
	}
	if cfg.Retrieval.VectorTimeout != 2*time.Second {
		t.Errorf("Retrieval.VectorTimeout = %v, want 2s", cfg.Retrieval.VectorTimeout)
	}
	if cfg.Retrieval.TopK != 5 {
		t.Errorf("Retrieval.TopK = %d, want 5", cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.RRFK != 60 {
		t.Errorf("Retrieval.RRFK = %d, want 60", cfg.Retrieval.RRFK)
	}
	if cfg.Retrieval.ContextLimit != 3 {
		t.Errorf("Retrieval.ContextLimit = %d, want 3", cfg.Retrieval.ContextLimit)
	}
	if cfg.Ingest.Workers != 2 || cfg.Ingest.PollInterval != 500*time.Millisecond {
		t.Errorf("Ingest = %+v, want 2 workers polling every 500ms", cfg.Ingest)
	}
	if want := filepath.Join(cfg.Storage.DataDir, "past_proposals"); cfg.Library.Dir != want {
		t.Errorf("Library.Dir = %q, want %q", cfg.Library.Dir, want)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v, want info/text", cfg.Log)
	}
}

func TestBackendValues(t *testing.T) {
	clearEnv(t)
	b := newMemBackend()
	b.ints["server.port"] = 9100
	b.strings["embedding.provider"] = "voyage"
	b.strings["retrieval.vector_timeout"] = "750ms"
	b.strings["ingest.poll_interval"] = "not-a-duration"
	b.strings["storage.data_dir"] = "/srv/tenderd"

	cfg, err := loadWith(b, &mockKeychain{}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Embedding.Provider != "voyage" {
		t.Errorf("Embedding.Provider = %q, want voyage", cfg.Embedding.Provider)
	}
	if cfg.Retrieval.VectorTimeout != 750*time.Millisecond {
		t.Errorf("Retrieval.VectorTimeout = %v, want 750ms", cfg.Retrieval.VectorTimeout)
	}
	if cfg.Ingest.PollInterval != 500*time.Millisecond {
		t.Errorf("bad duration should keep default, got %v", cfg.Ingest.PollInterval)
	}
	if cfg.Library.Dir != filepath.Join("/srv/tenderd", "past_proposals") {
		t.Errorf("Library.Dir = %q, should follow data dir", cfg.Library.Dir)
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	clearEnv(t)
	b := newMemBackend()
	b.ints["server.port"] = 9100
	t.Setenv("TENDERD_SERVER_PORT", "9200")
	t.Setenv("TENDERD_RETRIEVAL_RRF_K", "30")
	t.Setenv("TENDERD_RETRIEVAL_TOP_K", "8")
	t.Setenv("TENDERD_INGEST_WORKERS", "lots")

	cfg, err := loadWith(b, &mockKeychain{}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9200 {
		t.Errorf("Server.Port = %d, want 9200", cfg.Server.Port)
	}
	if cfg.Retrieval.RRFK != 30 {
		t.Errorf("Retrieval.RRFK = %d, want 30", cfg.Retrieval.RRFK)
	}
	if cfg.Retrieval.TopK != 8 {
		t.Errorf("Retrieval.TopK = %d, want 8", cfg.Retrieval.TopK)
	}
	if cfg.Ingest.Workers != 2 {
		t.Errorf("unparseable int should keep default, got %d", cfg.Ingest.Workers)
	}
}

func TestAliases(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("TRANSPORT", "stdio")
	t.Setenv("EMBEDDING_MODEL", "voyage-3")
	t.Setenv("EMBEDDING_DIMENSIONS", "512")
	t.Setenv("VOYAGE_API_KEY", "vk-alias")
	t.Setenv("MCP_API_KEY", "token-alias")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := loadWith(newMemBackend(), &mockKeychain{}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.MCPTransport != "stdio" {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Embedding.Model != "voyage-3" || cfg.Embedding.Dimensions != 512 {
		t.Errorf("Embedding = %+v", cfg.Embedding)
	}
	if cfg.Embedding.VoyageAPIKey != "vk-alias" {
		t.Errorf("VoyageAPIKey = %q, want vk-alias", cfg.Embedding.VoyageAPIKey)
	}
	if cfg.Server.APIToken != "token-alias" {
		t.Errorf("APIToken = %q, want token-alias", cfg.Server.APIToken)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}

	// The prefixed variable wins over its alias.
	t.Setenv("TENDERD_SERVER_PORT", "9000")
	cfg, err = loadWith(newMemBackend(), &mockKeychain{}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
}

func TestDotEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	content := "TENDERD_SERVER_HOST=0.0.0.0\nLOG_LEVEL=warn\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TENDERD_LOG_LEVEL", "error")

	cfg, err := loadWith(newMemBackend(), &mockKeychain{}, path)
	// godotenv sets variables process-wide; the cleanup registered by
	// clearEnv restores them.
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("Log.Level = %q, want error from the environment", cfg.Log.Level)
	}
}

func TestMissingDotEnvIsIgnored(t *testing.T) {
	clearEnv(t)
	if _, err := loadWith(newMemBackend(), &mockKeychain{}, filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestKeychainFallback(t *testing.T) {
	clearEnv(t)
	kc := &mockKeychain{secrets: map[string]string{
		"tenderd/voyage_api_key": "vk-keychain",
		"tenderd/openai_api_key": "sk-keychain",
	}}
	cfg, err := loadWith(newMemBackend(), kc, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Embedding.VoyageAPIKey != "vk-keychain" || cfg.Embedding.OpenAIAPIKey != "sk-keychain" {
		t.Errorf("Embedding keys = %q, %q", cfg.Embedding.VoyageAPIKey, cfg.Embedding.OpenAIAPIKey)
	}

	t.Setenv("OPENAI_API_KEY", "sk-env")
	cfg, err = loadWith(newMemBackend(), kc, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Embedding.OpenAIAPIKey != "sk-env" {
		t.Errorf("env should win over keychain, got %q", cfg.Embedding.OpenAIAPIKey)
	}
}

func TestSecretsIgnoreBackend(t *testing.T) {
	clearEnv(t)
	b := newMemBackend()
	b.strings["embedding.voyage_api_key"] = "stored-in-plaintext"
	cfg, err := loadWith(b, &mockKeychain{}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Embedding.VoyageAPIKey != "" {
		t.Errorf("secret read from backend: %q", cfg.Embedding.VoyageAPIKey)
	}
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"TENDERD_SERVER_MCP_TRANSPORT": "websocket",
		"TENDERD_EMBEDDING_PROVIDER":   "cohere",
		"TENDERD_SERVER_PORT":          "70000",
		"TENDERD_EMBEDDING_DIMENSIONS": "-1",
		"TENDERD_LOG_FORMAT":           "xml",
		"TENDERD_RETRIEVAL_TOP_K":      "0",
	}
	for env, val := range cases {
		t.Run(env, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(env, val)
			if _, err := loadWith(newMemBackend(), &mockKeychain{}, ""); err == nil {
				t.Errorf("%s=%s: expected error", env, val)
			}
		})
	}
}

func TestModelFor(t *testing.T) {
	e := EmbeddingConfig{}
	if got := e.ModelFor("ollama"); got != "nomic-embed-text" {
		t.Errorf("ModelFor(ollama) = %q", got)
	}
	if got := e.ModelFor("voyage"); got != "voyage-3-lite" {
		t.Errorf("ModelFor(voyage) = %q", got)
	}
	e.Model = "custom"
	if got := e.ModelFor("openai"); got != "custom" {
		t.Errorf("ModelFor with explicit model = %q", got)
	}
}

func TestSetKey(t *testing.T) {
	b := newMemBackend()
	if err := setKeyWith(b, "server.port", "9300"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.ints["server.port"] != 9300 {
		t.Errorf("server.port = %d, want 9300", b.ints["server.port"])
	}
	if err := setKeyWith(b, "retrieval.vector_timeout", "1s"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.strings["retrieval.vector_timeout"] != "1s" {
		t.Errorf("vector_timeout = %q", b.strings["retrieval.vector_timeout"])
	}

	if err := setKeyWith(b, "server.port", "abc"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKeyWith(b, "retrieval.vector_timeout", "soon"); err == nil {
		t.Error("expected error for bad duration")
	}
	if err := setKeyWith(b, "embedding.voyage_api_key", "x"); err == nil {
		t.Error("expected error for secret key")
	}
	if err := setKeyWith(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Embedding.VoyageAPIKey = "vk-secret"
	for _, info := range ShowAll(cfg) {
		if info.Value == "vk-secret" {
			t.Fatalf("secret exposed under %s", info.Key)
		}
	}
	keys := ValidKeys()
	if len(keys) != len(ShowAll(cfg)) {
		t.Errorf("ValidKeys and ShowAll disagree: %d vs %d", len(keys), len(ShowAll(cfg)))
	}
}

func TestGetAPIToken(t *testing.T) {
	kc := &mockKeychain{}
	first, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 36 {
		t.Errorf("token %q is not a uuid", first)
	}
	second, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Errorf("token changed between calls: %q then %q", first, second)
	}

	_, err = GetAPIToken(&mockKeychain{setErr: errors.New("locked")})
	if err == nil {
		t.Error("expected error when the token cannot be stored")
	}
}
