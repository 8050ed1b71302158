package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0o644))
}

func TestDefaultsWorkOffline(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, EmbeddingLocal, cfg.Embedding.Provider)
	assert.Equal(t, VectorLocal, cfg.VectorStore.Provider)
	assert.Equal(t, 7432, cfg.Worker.Port)
	assert.Equal(t, "127.0.0.1", cfg.Worker.Host)
	assert.Equal(t, 4, cfg.Crawler.Concurrency)
	assert.Equal(t, 1000, cfg.Crawler.RequestDelayMs)
	assert.Equal(t, 1000, cfg.Crawler.MaxPages)
	assert.InDelta(t, 0.7, cfg.Hybrid.Alpha, 1e-9)
	assert.True(t, cfg.HybridEnabled())
	assert.True(t, cfg.FormatSnippets())
	assert.Equal(t, 3, cfg.Retrieval.MaxChunksPerPage)
	assert.Equal(t, 20000, cfg.Retrieval.MaxTotalChars)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, EmbeddingLocal, cfg.Embedding.Provider)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{
		"worker": {"port": 9000},
		"hybrid": {"alpha": 0.5},
		"crawler": {"concurrency": 2}
	}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Worker.Port)
	assert.InDelta(t, 0.5, cfg.Hybrid.Alpha, 1e-9)
	assert.Equal(t, 2, cfg.Crawler.Concurrency)
	// Untouched sections keep defaults.
	assert.Equal(t, "127.0.0.1", cfg.Worker.Host)
	assert.Equal(t, 1000, cfg.Crawler.RequestDelayMs)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{"worker": {"prot": 9000}, "retreival": {}}`)

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"prot"`)
	assert.Contains(t, err.Error(), `"retreival"`)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{worker:`)
	_, err := Load(dir)
	require.Error(t, err)
}

func TestValidateAggregatesProblems(t *testing.T) {
	cfg := Default()
	cfg.Worker.Port = 0
	cfg.Hybrid.Alpha = 1.5
	cfg.Crawler.Concurrency = 99

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker.port")
	assert.Contains(t, err.Error(), "hybrid.alpha")
	assert.Contains(t, err.Error(), "crawler.concurrency")
}

func TestValidateEnums(t *testing.T) {
	cfg := Default()
	cfg.Embedding.Provider = "hal9000"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding.provider")

	cfg = Default()
	cfg.Hybrid.KeywordEngine = "lucene"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keywordEngine")
}

func TestKeywordEngineEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvKeywordEngine, KeywordBleve)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, KeywordBleve, cfg.Hybrid.KeywordEngine)
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/tmp/mo"
	assert.Equal(t, "/tmp/mo/config.json", cfg.ConfigPath())
	assert.Equal(t, "/tmp/mo/cache", cfg.CacheDir())
	assert.Equal(t, filepath.Join("/tmp/mo", "db", "metadata.db"), cfg.DBPath())
	assert.Equal(t, "/tmp/mo/docsets.yaml", cfg.ManifestPath())
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docsets.yaml")

	// Missing file is an empty manifest.
	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Empty(t, m.Docsets)

	require.NoError(t, os.WriteFile(path, []byte(`
docsets:
  - baseUrl: https://docs.example.com
    seedSlug: /intro
    name: Example
  - name: missing-url-is-dropped
`), 0o644))

	m, err = LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, m.Docsets, 1)
	assert.Equal(t, "https://docs.example.com", m.Docsets[0].BaseURL)
	assert.Equal(t, "/intro", m.Docsets[0].SeedSlug)

	require.NoError(t, os.WriteFile(path, []byte("docsets: {nope"), 0o644))
	_, err = LoadManifest(path)
	require.Error(t, err)
}
