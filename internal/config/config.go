// Package config loads keeper configuration from defaults, an optional YAML
// file, and environment overrides, in that order. Environment keys win.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all keeper configuration.
type Config struct {
	// HTTP server settings
	Server ServerConfig `yaml:"server"`

	// Persistent state location
	Storage StorageConfig `yaml:"storage"`

	// Embedding service
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Generation service
	Generation GenerationConfig `yaml:"generation"`

	// Sacred plan approval
	Sacred SacredConfig `yaml:"sacred"`

	// Ingestion pipeline
	Ingest IngestConfig `yaml:"ingest"`

	// Drift analysis
	Drift DriftConfig `yaml:"drift"`

	// Filesystem watcher
	Watch WatchConfig `yaml:"watch"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP+WebSocket surface.
type ServerConfig struct {
	Bind           string `yaml:"bind"`
	RequestTimeout string `yaml:"request_timeout"`
	// Heartbeat interval for WebSocket subscribers.
	WSHeartbeat string `yaml:"ws_heartbeat"`
}

// StorageConfig locates the persistent data tree.
type StorageConfig struct {
	DataRoot string `yaml:"data_root"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // genai, ollama
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	// Expected vector dimension; guards collection integrity.
	Dimension int    `yaml:"dimension"`
	Endpoint  string `yaml:"endpoint"` // ollama only
	Timeout   string `yaml:"timeout"`
}

// GenerationConfig configures the answer-generation client.
type GenerationConfig struct {
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	Timeout         string `yaml:"timeout"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
}

// SacredConfig configures plan approval.
type SacredConfig struct {
	// Second factor required by approve_plan. Never logged.
	ApprovalKey string `yaml:"approval_key"`
}

// IngestConfig bounds the ingestion pipeline.
type IngestConfig struct {
	MaxConcurrency    int   `yaml:"max_concurrency"`
	MaxFileBytes      int64 `yaml:"max_file_bytes"`
	ChunkTargetChars  int   `yaml:"chunk_target_chars"`
	ChunkOverlapChars int   `yaml:"chunk_overlap_chars"`
	// Query log feeds drift analysis; ring size per project.
	QueryLogEnabled bool `yaml:"query_log_enabled"`
	QueryLogSize    int  `yaml:"query_log_size"`
}

// DriftConfig tunes drift scoring. Weights are normalised at use.
type DriftConfig struct {
	MessageWeight float64 `yaml:"message_weight"`
	PathWeight    float64 `yaml:"path_weight"`
	WindowHours   int     `yaml:"window_hours"`
}

// WatchConfig configures the auto-reindex watcher.
type WatchConfig struct {
	Enabled bool `yaml:"enabled"`
	// Quiet period before a changed path is re-ingested.
	Debounce string `yaml:"debounce"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Bind:           "127.0.0.1:5556",
			RequestTimeout: "60s",
			WSHeartbeat:    "20s",
		},

		Storage: StorageConfig{
			DataRoot: filepath.Join(home, ".contextkeeper"),
		},

		Embedding: EmbeddingConfig{
			Provider:  "genai",
			Model:     "text-embedding-004",
			Dimension: 768,
			Endpoint:  "http://localhost:11434",
			Timeout:   "30s",
		},

		Generation: GenerationConfig{
			Model:           "gemini-2.0-flash",
			Timeout:         "30s",
			MaxOutputTokens: 2048,
		},

		Ingest: IngestConfig{
			MaxConcurrency:    2,
			MaxFileBytes:      1 << 20,
			ChunkTargetChars:  1500,
			ChunkOverlapChars: 150,
			QueryLogEnabled:   true,
			QueryLogSize:      100,
		},

		Drift: DriftConfig{
			MessageWeight: 0.5,
			PathWeight:    0.5,
			WindowHours:   24,
		},

		Watch: WatchConfig{
			Enabled:  false,
			Debounce: "2s",
		},

		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
	}
}

// Load loads configuration from a YAML file with environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Defaults plus environment when no config file exists.
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HTTP_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("DATA_ROOT"); v != "" {
		c.Storage.DataRoot = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Embedding.Dimension = n
		}
	}
	if v := os.Getenv("EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("OLLAMA_ENDPOINT"); v != "" {
		c.Embedding.Endpoint = v
	}
	if v := os.Getenv("GENERATION_API_KEY"); v != "" {
		c.Generation.APIKey = v
	}
	if v := os.Getenv("GENERATION_MODEL"); v != "" {
		c.Generation.Model = v
	}
	if v := os.Getenv("SACRED_APPROVAL_KEY"); v != "" {
		c.Sacred.ApprovalKey = v
	}
	if v := os.Getenv("MAX_INGEST_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Ingest.MaxConcurrency = n
		}
	}
	if v := os.Getenv("MAX_FILE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Ingest.MaxFileBytes = n
		}
	}
	if v := os.Getenv("CHUNK_TARGET_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Ingest.ChunkTargetChars = n
		}
	}
	if v := os.Getenv("CHUNK_OVERLAP_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Ingest.ChunkOverlapChars = n
		}
	}
	if v := os.Getenv("REQUEST_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Server.RequestTimeout = fmt.Sprintf("%ds", n)
		}
	}
	if v := os.Getenv("GENERATION_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Generation.Timeout = fmt.Sprintf("%ds", n)
		}
	}
	if v := os.Getenv("QUERY_LOG_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Ingest.QueryLogEnabled = b
		}
	}
	if v := os.Getenv("DRIFT_MESSAGE_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.Drift.MessageWeight = f
		}
	}
	if v := os.Getenv("DRIFT_PATH_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.Drift.PathWeight = f
		}
	}
	if v := os.Getenv("WATCH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Watch.Enabled = b
		}
	}
}

// Validate checks required keys and numeric sanity. Called once at startup;
// endpoint reachability is probed separately and only degrades health.
func (c *Config) Validate() error {
	if c.Server.Bind == "" {
		return fmt.Errorf("server.bind must not be empty")
	}
	if c.Storage.DataRoot == "" {
		return fmt.Errorf("storage.data_root must not be empty")
	}
	if c.Embedding.Provider == "genai" && c.Embedding.APIKey == "" {
		return fmt.Errorf("EMBEDDING_API_KEY is required")
	}
	if c.Generation.APIKey == "" {
		return fmt.Errorf("GENERATION_API_KEY is required")
	}
	if c.Sacred.ApprovalKey == "" {
		return fmt.Errorf("SACRED_APPROVAL_KEY is required")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Ingest.MaxConcurrency <= 0 {
		return fmt.Errorf("ingest.max_concurrency must be positive, got %d", c.Ingest.MaxConcurrency)
	}
	if c.Ingest.ChunkOverlapChars >= c.Ingest.ChunkTargetChars {
		return fmt.Errorf("chunk overlap (%d) must be smaller than chunk target (%d)",
			c.Ingest.ChunkOverlapChars, c.Ingest.ChunkTargetChars)
	}
	if c.Drift.MessageWeight+c.Drift.PathWeight <= 0 {
		return fmt.Errorf("drift weights must not both be zero")
	}
	return nil
}

// RequestTimeout returns the per-request deadline as a duration.
func (c *Config) RequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.RequestTimeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GenerationTimeout returns the generation call budget, hard-capped at 60s.
func (c *Config) GenerationTimeout() time.Duration {
	d, err := time.ParseDuration(c.Generation.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	if d > 60*time.Second {
		return 60 * time.Second
	}
	return d
}

// EmbeddingTimeout returns the per-batch embedding call budget.
func (c *Config) EmbeddingTimeout() time.Duration {
	d, err := time.ParseDuration(c.Embedding.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// WSHeartbeat returns the WebSocket heartbeat interval.
func (c *Config) WSHeartbeat() time.Duration {
	d, err := time.ParseDuration(c.Server.WSHeartbeat)
	if err != nil {
		return 20 * time.Second
	}
	return d
}

// WatchDebounce returns the watcher quiet period.
func (c *Config) WatchDebounce() time.Duration {
	d, err := time.ParseDuration(c.Watch.Debounce)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// ProjectsDir returns the project record directory.
func (c *Config) ProjectsDir() string {
	return filepath.Join(c.Storage.DataRoot, "projects")
}

// VectorStoreDir returns the vector store root.
func (c *Config) VectorStoreDir() string {
	return filepath.Join(c.Storage.DataRoot, "vector_store")
}

// SacredPlansDir returns the sacred plan record directory.
func (c *Config) SacredPlansDir() string {
	return filepath.Join(c.Storage.DataRoot, "sacred_plans")
}

// LogsDir returns the log file directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.Storage.DataRoot, "logs")
}

// LockPath returns the data-root lock file path.
func (c *Config) LockPath() string {
	return filepath.Join(c.Storage.DataRoot, "keeper.lock")
}

// EnsureDirs creates the persistent directory tree.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		c.Storage.DataRoot,
		c.ProjectsDir(),
		c.VectorStoreDir(),
		c.SacredPlansDir(),
		c.LogsDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
