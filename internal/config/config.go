// Package config resolves the kernel's runtime configuration: a data
// directory, a database filename, model/provider settings, and LRU cache
// sizing. There is no YAML/TOML loader here: values come from built-in
// defaults, environment overrides (FromEnv) and command-line flags
// (RegisterFlags). This package does not watch files; cmd/chatctl reloads
// the system-prompts file through store.Engine.WatchFile.
package config

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	DataDir           string
	DBFilename        string
	ModelName         string
	ModelBaseURL      string
	ModelAPIKeyEnv    string
	SystemPromptsFile string
	ContextCacheSize  int
	ShutdownTimeout   time.Duration
}

// DBPath is the full path to the SQLite database file.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, c.DBFilename)
}

const (
	defaultDataDir          = ".chatkernel"
	defaultDBFilename       = "kernel.db"
	defaultModelName        = "llama-3.3-70b"
	defaultModelBaseURL     = "https://api.cerebras.ai/v1"
	defaultModelAPIKeyEnv   = "CEREBRAS_API_KEY"
	defaultContextCacheSize = 256
	defaultShutdownTimeout  = 5 * time.Second
)

// FromEnv resolves defaults, then environment overrides
// (CHATKERNEL_DATA_DIR, CHATKERNEL_DB_FILENAME, CHATKERNEL_MODEL_NAME,
// CHATKERNEL_MODEL_BASE_URL, CHATKERNEL_MODEL_API_KEY_ENV,
// CHATKERNEL_SYSTEM_PROMPTS_FILE, CHATKERNEL_CONTEXT_CACHE_SIZE).
func FromEnv() Config {
	c := Config{
		DataDir:          defaultDataDir,
		DBFilename:       defaultDBFilename,
		ModelName:        defaultModelName,
		ModelBaseURL:     defaultModelBaseURL,
		ModelAPIKeyEnv:   defaultModelAPIKeyEnv,
		ContextCacheSize: defaultContextCacheSize,
		ShutdownTimeout:  defaultShutdownTimeout,
	}
	if v := os.Getenv("CHATKERNEL_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CHATKERNEL_DB_FILENAME"); v != "" {
		c.DBFilename = v
	}
	if v := os.Getenv("CHATKERNEL_MODEL_NAME"); v != "" {
		c.ModelName = v
	}
	if v := os.Getenv("CHATKERNEL_MODEL_BASE_URL"); v != "" {
		c.ModelBaseURL = v
	}
	if v := os.Getenv("CHATKERNEL_MODEL_API_KEY_ENV"); v != "" {
		c.ModelAPIKeyEnv = v
	}
	if v := os.Getenv("CHATKERNEL_SYSTEM_PROMPTS_FILE"); v != "" {
		c.SystemPromptsFile = v
	}
	if v := os.Getenv("CHATKERNEL_CONTEXT_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ContextCacheSize = n
		}
	}
	return c
}

// RegisterFlags binds flag.FlagSet entries over the env-resolved defaults,
// so command-line flags win over environment, which wins over built-in
// defaults. Call before flag.Parse.
func RegisterFlags(fs *flag.FlagSet, c *Config) {
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "directory holding the SQLite database file")
	fs.StringVar(&c.DBFilename, "db-filename", c.DBFilename, "SQLite database filename within data-dir")
	fs.StringVar(&c.ModelName, "model", c.ModelName, "default model name for new threads")
	fs.StringVar(&c.ModelBaseURL, "model-base-url", c.ModelBaseURL, "OpenAI-compatible chat completions base URL")
	fs.StringVar(&c.ModelAPIKeyEnv, "model-api-key-env", c.ModelAPIKeyEnv, "environment variable holding the model API key")
	fs.StringVar(&c.SystemPromptsFile, "system-prompts-file", c.SystemPromptsFile, "optional JSON file of {key: {template, description}} prompts, watched for changes")
	fs.IntVar(&c.ContextCacheSize, "context-cache-size", c.ContextCacheSize, "LRU entry count for the context manager's decoded-message cache")
}

// EnsureDataDir creates DataDir if it does not already exist.
func (c Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o755)
}
