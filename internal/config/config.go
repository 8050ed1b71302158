// Package config loads and validates memoracle configuration.
//
// Configuration lives at <dataDir>/config.json and is read once at startup.
// The key set is closed: unknown keys are rejected rather than ignored, so a
// typo never silently falls back to a default. All offending keys and
// out-of-range values are aggregated into a single error.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/memoracle/memoracle/internal/errors"
	"github.com/memoracle/memoracle/pkg/version"
)

// Provider enums.
const (
	EmbeddingLocal  = "local"
	EmbeddingOpenAI = "openai"
	EmbeddingVoyage = "voyage"
	EmbeddingCohere = "cohere"

	VectorLocal    = "local"
	VectorQdrant   = "qdrant"
	VectorPinecone = "pinecone"

	KeywordSQLite = "sqlite"
	KeywordBleve  = "bleve"
)

// EnvDataDir overrides the data directory when set.
const EnvDataDir = "MEMORACLE_DATA_DIR"

// EnvKeywordEngine overrides hybrid.keywordEngine when set.
const EnvKeywordEngine = "MEMORACLE_KEYWORD_ENGINE"

// Config is the full runtime configuration.
type Config struct {
	DataDir     string            `json:"dataDir"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	VectorStore VectorStoreConfig `json:"vectorStore"`
	Worker      WorkerConfig      `json:"worker"`
	Crawler     CrawlerConfig     `json:"crawler"`
	Hybrid      HybridConfig      `json:"hybrid"`
	Retrieval   RetrievalConfig   `json:"retrieval"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Model     string `json:"model,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	APIBase   string `json:"apiBase,omitempty"`
	BatchSize int    `json:"batchSize,omitempty"`
}

// VectorStoreConfig selects and configures the vector store backend.
type VectorStoreConfig struct {
	Provider         string `json:"provider"`
	URL              string `json:"url,omitempty"`
	APIKey           string `json:"apiKey,omitempty"`
	CollectionPrefix string `json:"collectionPrefix,omitempty"`
}

// WorkerConfig configures the HTTP worker surface.
type WorkerConfig struct {
	Port int    `json:"port"`
	Host string `json:"host"`
}

// CrawlerConfig bounds the crawl worker pool.
type CrawlerConfig struct {
	Concurrency    int    `json:"concurrency"`
	RequestDelayMs int    `json:"requestDelay"`
	TimeoutMs      int    `json:"timeout"`
	MaxPages       int    `json:"maxPages"`
	UserAgent      string `json:"userAgent"`
}

// HybridConfig tunes hybrid score fusion.
type HybridConfig struct {
	Enabled         *bool   `json:"enabled,omitempty"`
	Alpha           float64 `json:"alpha"`
	VectorTopK      int     `json:"vectorTopK,omitempty"`
	KeywordTopK     int     `json:"keywordTopK,omitempty"`
	MinKeywordScore float64 `json:"minKeywordScore,omitempty"`
	KeywordEngine   string  `json:"keywordEngine,omitempty"`
}

// RetrievalConfig shapes search results.
type RetrievalConfig struct {
	MaxChunksPerPage int   `json:"maxChunksPerPage"`
	MaxTotalChars    int   `json:"maxTotalChars"`
	FormatSnippets   *bool `json:"formatSnippets,omitempty"`
	SnippetMaxChars  int   `json:"snippetMaxChars"`
}

// Default returns the built-in configuration. Everything works offline:
// local deterministic embeddings, local JSON vector store, SQLite keyword
// index.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Embedding: EmbeddingConfig{
			Provider:  EmbeddingLocal,
			BatchSize: 32,
		},
		VectorStore: VectorStoreConfig{
			Provider: VectorLocal,
		},
		Worker: WorkerConfig{
			Port: 7432,
			Host: "127.0.0.1",
		},
		Crawler: CrawlerConfig{
			Concurrency:    4,
			RequestDelayMs: 1000,
			TimeoutMs:      30000,
			MaxPages:       1000,
			UserAgent:      version.UserAgent(),
		},
		Hybrid: HybridConfig{
			Enabled:         BoolPtr(true),
			Alpha:           0.7,
			VectorTopK:      50,
			KeywordTopK:     50,
			MinKeywordScore: 0.05,
			KeywordEngine:   KeywordSQLite,
		},
		Retrieval: RetrievalConfig{
			MaxChunksPerPage: 3,
			MaxTotalChars:    20000,
			FormatSnippets:   BoolPtr(true),
			SnippetMaxChars:  2000,
		},
	}
}

// DefaultDataDir returns $MEMORACLE_DATA_DIR, else $HOME/.mem-oracle.
func DefaultDataDir() string {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mem-oracle"
	}
	return filepath.Join(home, ".mem-oracle")
}

// Load reads <dataDir>/config.json (if present), merges it over defaults,
// and validates. A non-empty dataDir argument wins over the environment and
// the built-in default. The dataDir key inside the file relocates the data
// stores but not the config file itself.
func Load(dataDir string) (*Config, error) {
	cfg := Default()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	path := filepath.Join(cfg.DataDir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	user, problems, err := parse(data)
	if err != nil {
		return nil, err
	}
	if len(problems) > 0 {
		return nil, errors.ConfigInvalid(problems...)
	}

	cfg.merge(user)
	if dataDir != "" {
		// An explicit flag always wins over the file.
		cfg.DataDir = dataDir
	}
	if engine := os.Getenv(EnvKeywordEngine); engine != "" {
		cfg.Hybrid.KeywordEngine = engine
	}
	return cfg, cfg.Validate()
}

// knownKeys maps each config section to its closed key set. Top-level keys
// are under "".
var knownKeys = map[string][]string{
	"":            {"dataDir", "embedding", "vectorStore", "worker", "crawler", "hybrid", "retrieval"},
	"embedding":   {"provider", "model", "apiKey", "apiBase", "batchSize"},
	"vectorStore": {"provider", "url", "apiKey", "collectionPrefix"},
	"worker":      {"port", "host"},
	"crawler":     {"concurrency", "requestDelay", "timeout", "maxPages", "userAgent"},
	"hybrid":      {"enabled", "alpha", "vectorTopK", "keywordTopK", "minKeywordScore", "keywordEngine"},
	"retrieval":   {"maxChunksPerPage", "maxTotalChars", "formatSnippets", "snippetMaxChars"},
}

// parse decodes user JSON and collects unknown-key problems without
// stopping at the first one.
func parse(data []byte) (*Config, []string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, errors.ConfigInvalid("config.json is not valid JSON: " + err.Error())
	}

	var problems []string
	problems = append(problems, unknownKeys("", raw)...)
	for section := range knownKeys {
		if section == "" {
			continue
		}
		sub, ok := raw[section]
		if !ok {
			continue
		}
		var subRaw map[string]json.RawMessage
		if err := json.Unmarshal(sub, &subRaw); err != nil {
			problems = append(problems, fmt.Sprintf("%s must be an object", section))
			continue
		}
		problems = append(problems, unknownKeys(section, subRaw)...)
	}

	var user Config
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, nil, errors.ConfigInvalid("config.json: " + err.Error())
	}
	return &user, problems, nil
}

func unknownKeys(section string, raw map[string]json.RawMessage) []string {
	allowed := make(map[string]struct{}, len(knownKeys[section]))
	for _, k := range knownKeys[section] {
		allowed[k] = struct{}{}
	}
	var problems []string
	for k := range raw {
		if _, ok := allowed[k]; !ok {
			if section == "" {
				problems = append(problems, fmt.Sprintf("unknown key %q", k))
			} else {
				problems = append(problems, fmt.Sprintf("unknown key %q in %s", k, section))
			}
		}
	}
	return problems
}

// merge copies every set (non-zero) field of user over c.
func (c *Config) merge(user *Config) {
	if user.DataDir != "" {
		c.DataDir = user.DataDir
	}

	if user.Embedding.Provider != "" {
		c.Embedding.Provider = user.Embedding.Provider
	}
	if user.Embedding.Model != "" {
		c.Embedding.Model = user.Embedding.Model
	}
	if user.Embedding.APIKey != "" {
		c.Embedding.APIKey = user.Embedding.APIKey
	}
	if user.Embedding.APIBase != "" {
		c.Embedding.APIBase = user.Embedding.APIBase
	}
	if user.Embedding.BatchSize != 0 {
		c.Embedding.BatchSize = user.Embedding.BatchSize
	}

	if user.VectorStore.Provider != "" {
		c.VectorStore.Provider = user.VectorStore.Provider
	}
	if user.VectorStore.URL != "" {
		c.VectorStore.URL = user.VectorStore.URL
	}
	if user.VectorStore.APIKey != "" {
		c.VectorStore.APIKey = user.VectorStore.APIKey
	}
	if user.VectorStore.CollectionPrefix != "" {
		c.VectorStore.CollectionPrefix = user.VectorStore.CollectionPrefix
	}

	if user.Worker.Port != 0 {
		c.Worker.Port = user.Worker.Port
	}
	if user.Worker.Host != "" {
		c.Worker.Host = user.Worker.Host
	}

	if user.Crawler.Concurrency != 0 {
		c.Crawler.Concurrency = user.Crawler.Concurrency
	}
	if user.Crawler.RequestDelayMs != 0 {
		c.Crawler.RequestDelayMs = user.Crawler.RequestDelayMs
	}
	if user.Crawler.TimeoutMs != 0 {
		c.Crawler.TimeoutMs = user.Crawler.TimeoutMs
	}
	if user.Crawler.MaxPages != 0 {
		c.Crawler.MaxPages = user.Crawler.MaxPages
	}
	if user.Crawler.UserAgent != "" {
		c.Crawler.UserAgent = user.Crawler.UserAgent
	}

	if user.Hybrid.Enabled != nil {
		c.Hybrid.Enabled = user.Hybrid.Enabled
	}
	if user.Hybrid.Alpha != 0 {
		c.Hybrid.Alpha = user.Hybrid.Alpha
	}
	if user.Hybrid.VectorTopK != 0 {
		c.Hybrid.VectorTopK = user.Hybrid.VectorTopK
	}
	if user.Hybrid.KeywordTopK != 0 {
		c.Hybrid.KeywordTopK = user.Hybrid.KeywordTopK
	}
	if user.Hybrid.MinKeywordScore != 0 {
		c.Hybrid.MinKeywordScore = user.Hybrid.MinKeywordScore
	}
	if user.Hybrid.KeywordEngine != "" {
		c.Hybrid.KeywordEngine = user.Hybrid.KeywordEngine
	}

	if user.Retrieval.MaxChunksPerPage != 0 {
		c.Retrieval.MaxChunksPerPage = user.Retrieval.MaxChunksPerPage
	}
	if user.Retrieval.MaxTotalChars != 0 {
		c.Retrieval.MaxTotalChars = user.Retrieval.MaxTotalChars
	}
	if user.Retrieval.FormatSnippets != nil {
		c.Retrieval.FormatSnippets = user.Retrieval.FormatSnippets
	}
	if user.Retrieval.SnippetMaxChars != 0 {
		c.Retrieval.SnippetMaxChars = user.Retrieval.SnippetMaxChars
	}
}

// Validate checks enum membership and numeric ranges, aggregating every
// problem into one ConfigInvalid error.
func (c *Config) Validate() error {
	var problems []string

	switch c.Embedding.Provider {
	case EmbeddingLocal, EmbeddingOpenAI, EmbeddingVoyage, EmbeddingCohere:
	default:
		problems = append(problems, fmt.Sprintf("embedding.provider must be one of local, openai, voyage, cohere (got %q)", c.Embedding.Provider))
	}
	if c.Embedding.BatchSize < 1 || c.Embedding.BatchSize > 1000 {
		problems = append(problems, fmt.Sprintf("embedding.batchSize must be in [1,1000] (got %d)", c.Embedding.BatchSize))
	}
	if c.Embedding.APIBase != "" {
		if u, err := url.Parse(c.Embedding.APIBase); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("embedding.apiBase must be a valid URL (got %q)", c.Embedding.APIBase))
		}
	}

	switch c.VectorStore.Provider {
	case VectorLocal, VectorQdrant, VectorPinecone:
	default:
		problems = append(problems, fmt.Sprintf("vectorStore.provider must be one of local, qdrant, pinecone (got %q)", c.VectorStore.Provider))
	}

	if c.Worker.Port < 1 || c.Worker.Port > 65535 {
		problems = append(problems, fmt.Sprintf("worker.port must be in [1,65535] (got %d)", c.Worker.Port))
	}

	if c.Crawler.Concurrency < 1 || c.Crawler.Concurrency > 50 {
		problems = append(problems, fmt.Sprintf("crawler.concurrency must be in [1,50] (got %d)", c.Crawler.Concurrency))
	}
	if c.Crawler.RequestDelayMs < 0 || c.Crawler.RequestDelayMs > 60000 {
		problems = append(problems, fmt.Sprintf("crawler.requestDelay must be in [0,60000] (got %d)", c.Crawler.RequestDelayMs))
	}
	if c.Crawler.TimeoutMs < 1000 || c.Crawler.TimeoutMs > 120000 {
		problems = append(problems, fmt.Sprintf("crawler.timeout must be in [1000,120000] (got %d)", c.Crawler.TimeoutMs))
	}
	if c.Crawler.MaxPages < 1 || c.Crawler.MaxPages > 100000 {
		problems = append(problems, fmt.Sprintf("crawler.maxPages must be in [1,100000] (got %d)", c.Crawler.MaxPages))
	}

	if c.Hybrid.Alpha < 0 || c.Hybrid.Alpha > 1 {
		problems = append(problems, fmt.Sprintf("hybrid.alpha must be in [0,1] (got %g)", c.Hybrid.Alpha))
	}
	if c.Hybrid.VectorTopK < 1 || c.Hybrid.VectorTopK > 1000 {
		problems = append(problems, fmt.Sprintf("hybrid.vectorTopK must be in [1,1000] (got %d)", c.Hybrid.VectorTopK))
	}
	if c.Hybrid.KeywordTopK < 1 || c.Hybrid.KeywordTopK > 1000 {
		problems = append(problems, fmt.Sprintf("hybrid.keywordTopK must be in [1,1000] (got %d)", c.Hybrid.KeywordTopK))
	}
	if c.Hybrid.MinKeywordScore < 0 || c.Hybrid.MinKeywordScore > 1 {
		problems = append(problems, fmt.Sprintf("hybrid.minKeywordScore must be in [0,1] (got %g)", c.Hybrid.MinKeywordScore))
	}
	switch c.Hybrid.KeywordEngine {
	case "", KeywordSQLite, KeywordBleve:
	default:
		problems = append(problems, fmt.Sprintf("hybrid.keywordEngine must be sqlite or bleve (got %q)", c.Hybrid.KeywordEngine))
	}

	if c.Retrieval.MaxChunksPerPage < 1 || c.Retrieval.MaxChunksPerPage > 20 {
		problems = append(problems, fmt.Sprintf("retrieval.maxChunksPerPage must be in [1,20] (got %d)", c.Retrieval.MaxChunksPerPage))
	}
	if c.Retrieval.MaxTotalChars < 1000 || c.Retrieval.MaxTotalChars > 500000 {
		problems = append(problems, fmt.Sprintf("retrieval.maxTotalChars must be in [1000,500000] (got %d)", c.Retrieval.MaxTotalChars))
	}
	if c.Retrieval.SnippetMaxChars < 100 || c.Retrieval.SnippetMaxChars > 10000 {
		problems = append(problems, fmt.Sprintf("retrieval.snippetMaxChars must be in [100,10000] (got %d)", c.Retrieval.SnippetMaxChars))
	}

	if len(problems) > 0 {
		return errors.ConfigInvalid(problems...)
	}
	return nil
}

// HybridEnabled dereferences the tri-state flag (default true).
func (c *Config) HybridEnabled() bool {
	return c.Hybrid.Enabled == nil || *c.Hybrid.Enabled
}

// FormatSnippets dereferences the tri-state flag (default true).
func (c *Config) FormatSnippets() bool {
	return c.Retrieval.FormatSnippets == nil || *c.Retrieval.FormatSnippets
}

// Save writes the configuration to <dataDir>/config.json.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(c.ConfigPath(), append(data, '\n'), 0o644)
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }

// Derived paths under the data directory.

func (c *Config) ConfigPath() string   { return filepath.Join(c.DataDir, "config.json") }
func (c *Config) CacheDir() string     { return filepath.Join(c.DataDir, "cache") }
func (c *Config) VectorsDir() string   { return filepath.Join(c.DataDir, "vectors") }
func (c *Config) DBPath() string       { return filepath.Join(c.DataDir, "db", "metadata.db") }
func (c *Config) BleveDir() string     { return filepath.Join(c.DataDir, "db", "keyword.bleve") }
func (c *Config) PIDPath() string      { return filepath.Join(c.DataDir, "worker.pid") }
func (c *Config) LogPath() string      { return filepath.Join(c.DataDir, "worker.log") }
func (c *Config) ManifestPath() string { return filepath.Join(c.DataDir, "docsets.yaml") }

// EnsureDirs creates the data directory tree.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		c.DataDir,
		c.CacheDir(),
		c.VectorsDir(),
		filepath.Dir(c.DBPath()),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
