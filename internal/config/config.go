// Package config loads osgrep configuration from ~/.osgrep/config.yaml with
// environment-variable overrides taking precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for tunables the config file may override.
const (
	DefaultPort          = 4664
	DefaultWorkerTimeout = 60 * time.Second
	DefaultStoreName     = "default"
	DefaultEmbedBatch    = 12
	DefaultFlushRows     = 500
)

// Config is the complete osgrep configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Workers WorkersConfig `yaml:"workers"`
	Index   IndexConfig   `yaml:"index"`
	Search  SearchConfig  `yaml:"search"`
}

// ServerConfig configures the HTTP serving shell.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// WorkersConfig configures the inference worker pool.
type WorkersConfig struct {
	// Count is the number of subordinate processes. 0 means min(4, #cores).
	Count int `yaml:"count"`

	// TimeoutMS is the per-request hard timeout in milliseconds.
	TimeoutMS int `yaml:"timeout_ms"`

	// MaxRSSMB recycles a worker whose resident set exceeds this (default 1536).
	MaxRSSMB int `yaml:"max_rss_mb"`
}

// IndexConfig configures the indexing pipeline.
type IndexConfig struct {
	// StoreName selects the vector store under ~/.osgrep/data/.
	StoreName string `yaml:"store_name"`

	// EmbedBatchSize is the number of chunk texts per embed request.
	EmbedBatchSize int `yaml:"embed_batch_size"`

	// FlushRows is the row-buffer size before a store.Add flush.
	FlushRows int `yaml:"flush_rows"`

	// Watch gates the experimental watch mode.
	Watch bool `yaml:"watch"`
}

// SearchConfig configures hybrid retrieval.
type SearchConfig struct {
	// CandidateK is the per-source candidate fan-out (default 200).
	CandidateK int `yaml:"candidate_k"`

	// RerankDepth is how many fused candidates get neural rescoring (default 50).
	RerankDepth int `yaml:"rerank_depth"`

	// RRFConstant is the RRF smoothing parameter k (default 20).
	RRFConstant int `yaml:"rrf_constant"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: DefaultPort},
		Workers: WorkersConfig{
			Count:     defaultWorkerCount(),
			TimeoutMS: int(DefaultWorkerTimeout / time.Millisecond),
			MaxRSSMB:  1536,
		},
		Index: IndexConfig{
			StoreName:      DefaultStoreName,
			EmbedBatchSize: DefaultEmbedBatch,
			FlushRows:      DefaultFlushRows,
		},
		Search: SearchConfig{
			CandidateK:  200,
			RerankDepth: 50,
			RRFConstant: 20,
		},
	}
}

func defaultWorkerCount() int {
	n := runtime.GOMAXPROCS(0)
	if n > 4 {
		n = 4
	}
	if n < 1 {
		n = 1
	}
	return n
}

// HomeDir returns the osgrep home directory (~/.osgrep), creating it if
// needed.
func HomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".osgrep")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create osgrep home: %w", err)
	}
	return dir, nil
}

// Load reads ~/.osgrep/config.yaml if present, applies environment
// overrides, and returns the result. A missing file yields defaults.
func Load() (*Config, error) {
	cfg := Default()

	dir, err := HomeDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "config.yaml")

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.fillZeros()
	return cfg, nil
}

// applyEnv overlays environment variables onto the config. Env always wins.
func (c *Config) applyEnv() {
	if v := os.Getenv("OSGREP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("OSGREP_WORKER_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Workers.TimeoutMS = ms
		}
	}
	if v := os.Getenv("MXBAI_STORE"); v != "" {
		c.Index.StoreName = v
	}
	if v := strings.ToLower(os.Getenv("OSGREP_ENABLE_WATCH")); v == "1" || v == "true" {
		c.Index.Watch = true
	}
}

// fillZeros restores defaults for fields the config file zeroed out.
func (c *Config) fillZeros() {
	d := Default()
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Workers.Count <= 0 {
		c.Workers.Count = d.Workers.Count
	}
	if c.Workers.TimeoutMS <= 0 {
		c.Workers.TimeoutMS = d.Workers.TimeoutMS
	}
	if c.Workers.MaxRSSMB <= 0 {
		c.Workers.MaxRSSMB = d.Workers.MaxRSSMB
	}
	if c.Index.StoreName == "" {
		c.Index.StoreName = d.Index.StoreName
	}
	if c.Index.EmbedBatchSize <= 0 {
		c.Index.EmbedBatchSize = d.Index.EmbedBatchSize
	}
	if c.Index.FlushRows <= 0 {
		c.Index.FlushRows = d.Index.FlushRows
	}
	if c.Search.CandidateK <= 0 {
		c.Search.CandidateK = d.Search.CandidateK
	}
	if c.Search.RerankDepth <= 0 {
		c.Search.RerankDepth = d.Search.RerankDepth
	}
	if c.Search.RRFConstant <= 0 {
		c.Search.RRFConstant = d.Search.RRFConstant
	}
}

// WorkerTimeout returns the per-request timeout as a duration.
func (c *Config) WorkerTimeout() time.Duration {
	return time.Duration(c.Workers.TimeoutMS) * time.Millisecond
}

// DataDir returns the vector-store directory for the configured store name.
func (c *Config) DataDir() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data", c.Index.StoreName), nil
}

// MetaPath returns the meta-store file path.
func MetaPath() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "meta.json"), nil
}
