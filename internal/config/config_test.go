package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Bind != "127.0.0.1:5556" {
		t.Errorf("default bind = %s, want 127.0.0.1:5556", cfg.Server.Bind)
	}
	if cfg.Ingest.MaxConcurrency != 2 {
		t.Errorf("default max concurrency = %d, want 2", cfg.Ingest.MaxConcurrency)
	}
	if cfg.Ingest.MaxFileBytes != 1<<20 {
		t.Errorf("default max file bytes = %d, want %d", cfg.Ingest.MaxFileBytes, 1<<20)
	}
	if cfg.Ingest.ChunkTargetChars != 1500 || cfg.Ingest.ChunkOverlapChars != 150 {
		t.Errorf("default chunking = %d/%d, want 1500/150",
			cfg.Ingest.ChunkTargetChars, cfg.Ingest.ChunkOverlapChars)
	}
	if cfg.RequestTimeout() != 60*time.Second {
		t.Errorf("default request timeout = %v, want 60s", cfg.RequestTimeout())
	}
	if cfg.WSHeartbeat() != 20*time.Second {
		t.Errorf("default ws heartbeat = %v, want 20s", cfg.WSHeartbeat())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_BIND", "0.0.0.0:9999")
	t.Setenv("DATA_ROOT", "/tmp/keeper-test")
	t.Setenv("EMBEDDING_DIM", "1536")
	t.Setenv("MAX_INGEST_CONCURRENCY", "4")
	t.Setenv("REQUEST_TIMEOUT_SECS", "15")
	t.Setenv("DRIFT_MESSAGE_WEIGHT", "0.7")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Server.Bind != "0.0.0.0:9999" {
		t.Errorf("HTTP_BIND override not applied: %s", cfg.Server.Bind)
	}
	if cfg.Storage.DataRoot != "/tmp/keeper-test" {
		t.Errorf("DATA_ROOT override not applied: %s", cfg.Storage.DataRoot)
	}
	if cfg.Embedding.Dimension != 1536 {
		t.Errorf("EMBEDDING_DIM override not applied: %d", cfg.Embedding.Dimension)
	}
	if cfg.Ingest.MaxConcurrency != 4 {
		t.Errorf("MAX_INGEST_CONCURRENCY override not applied: %d", cfg.Ingest.MaxConcurrency)
	}
	if cfg.RequestTimeout() != 15*time.Second {
		t.Errorf("REQUEST_TIMEOUT_SECS override not applied: %v", cfg.RequestTimeout())
	}
	if cfg.Drift.MessageWeight != 0.7 {
		t.Errorf("DRIFT_MESSAGE_WEIGHT override not applied: %f", cfg.Drift.MessageWeight)
	}
}

func TestEnvOverrideIgnoresGarbage(t *testing.T) {
	t.Setenv("EMBEDDING_DIM", "not-a-number")
	t.Setenv("MAX_INGEST_CONCURRENCY", "-3")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Embedding.Dimension != 768 {
		t.Errorf("garbage EMBEDDING_DIM should keep default, got %d", cfg.Embedding.Dimension)
	}
	if cfg.Ingest.MaxConcurrency != 2 {
		t.Errorf("negative MAX_INGEST_CONCURRENCY should keep default, got %d", cfg.Ingest.MaxConcurrency)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if cfg.Server.Bind != "127.0.0.1:5556" {
		t.Errorf("missing file should yield defaults, got bind %s", cfg.Server.Bind)
	}
}

func TestLoadYAMLThenEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keeper.yaml")
	body := "server:\n  bind: \"10.0.0.1:7000\"\ningest:\n  max_concurrency: 8\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HTTP_BIND", "127.0.0.1:7001")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Bind != "127.0.0.1:7001" {
		t.Errorf("env should win over yaml, got %s", cfg.Server.Bind)
	}
	if cfg.Ingest.MaxConcurrency != 8 {
		t.Errorf("yaml value lost, got %d", cfg.Ingest.MaxConcurrency)
	}
}

func TestValidateRequiredKeys(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Embedding.APIKey = "k1"
	cfg.Generation.APIKey = "k2"
	cfg.Sacred.ApprovalKey = "k3"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("fully-keyed config should validate: %v", err)
	}

	cfg.Sacred.ApprovalKey = ""
	if err := cfg.Validate(); err == nil {
		t.Error("missing SACRED_APPROVAL_KEY should fail validation")
	}

	cfg.Sacred.ApprovalKey = "k3"
	cfg.Ingest.ChunkOverlapChars = 2000
	if err := cfg.Validate(); err == nil {
		t.Error("overlap >= target should fail validation")
	}
}

func TestGenerationTimeoutHardCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Generation.Timeout = "300s"
	if got := cfg.GenerationTimeout(); got != 60*time.Second {
		t.Errorf("generation timeout should cap at 60s, got %v", got)
	}
}
