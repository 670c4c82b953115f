package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// runnerYAML is the runner.yaml file structure. All fields are optional
// overrides; durations are strings parsed with time.ParseDuration.
type runnerYAML struct {
	Dispatch  *dispatchYAML  `yaml:"dispatch"`
	Bridge    *bridgeYAML    `yaml:"bridge"`
	Assembler *assemblerYAML `yaml:"assembler"`
	Executor  *executorYAML  `yaml:"executor"`
	Retry     *retryYAML     `yaml:"retry"`
}

type dispatchYAML struct {
	MailboxSize          int    `yaml:"mailbox_size,omitempty"`
	StatusTableCap       int    `yaml:"status_table_cap,omitempty"`
	ReconnectMinBackoff  string `yaml:"reconnect_min_backoff,omitempty"`
	ReconnectMaxBackoff  string `yaml:"reconnect_max_backoff,omitempty"`
	TokenRefreshInterval string `yaml:"token_refresh_interval,omitempty"`
	BridgeFetchTimeout   string `yaml:"bridge_fetch_timeout,omitempty"`
}

type bridgeYAML struct {
	HistorySize        int    `yaml:"history_size,omitempty"`
	DefaultWaitTimeout string `yaml:"default_wait_timeout,omitempty"`
}

type assemblerYAML struct {
	QueueSize int `yaml:"queue_size,omitempty"`
}

type executorYAML struct {
	HandlerTimeout string `yaml:"handler_timeout,omitempty"`
	ToolLoopLimit  int    `yaml:"tool_loop_limit,omitempty"`
	ParallelWidth  int    `yaml:"parallel_width,omitempty"`
	DrainTimeout   string `yaml:"drain_timeout,omitempty"`
}

type retryYAML struct {
	MaxAttempts       int     `yaml:"max_attempts,omitempty"`
	BackoffBase       string  `yaml:"backoff_base,omitempty"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier,omitempty"`
	MaxBackoff        string  `yaml:"max_backoff,omitempty"`
}

// Load resolves configuration: built-in defaults, then environment,
// then runner.yaml overrides from CONFIG_DIR, then validation.
func Load() (*Config, error) {
	cfg := fromEnv()

	if err := applyYAMLOverrides(cfg); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	slog.Info("Configuration loaded",
		"base_url", cfg.BaseURL,
		"workspace", cfg.Workspace,
		"deployment_mode", cfg.DeploymentMode,
		"http_port", cfg.HTTPPort,
		"config_dir", cfg.ConfigDir,
		"bootstrap_disabled", cfg.BootstrapDisabled)

	return cfg, nil
}

// fromEnv builds a Config from environment variables with defaults.
func fromEnv() *Config {
	mode := envOr("DEPLOYMENT_MODE", ModeLocal)

	return &Config{
		BaseURL:           envOr("RCRT_BASE_URL", DefaultBaseURL),
		OwnerID:           envOr("OWNER_ID", DefaultOwnerID),
		AgentID:           envOr("AGENT_ID", DefaultAgentID),
		Workspace:         normalizeWorkspace(envOr("WORKSPACE", DefaultWorkspace)),
		DeploymentMode:    mode,
		HTTPPort:          envIntOr("HTTP_PORT", DefaultHTTPPort),
		LogLevel:          envOr("LOG_LEVEL", DefaultLogLevel),
		ConfigDir:         envOr("CONFIG_DIR", DefaultConfigDir),
		RuntimeDir:        envOr("RUNTIME_DIR", defaultRuntimeDir(mode)),
		BootstrapDisabled: envBool("BOOTSTRAP_DISABLED"),
		LocalKEKBase64:    os.Getenv("LOCAL_KEK_BASE64"),
		Dispatch:          DefaultDispatchConfig(),
		Bridge:            DefaultBridgeConfig(),
		Assembler:         DefaultAssemblerConfig(),
		Executor:          DefaultExecutorConfig(),
		Retry:             DefaultRetryConfig(),
	}
}

// applyYAMLOverrides merges runner.yaml on top of cfg. A missing file
// is not an error; the file is optional.
func applyYAMLOverrides(cfg *Config) error {
	path := filepath.Join(cfg.ConfigDir, "runner.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &LoadError{File: path, Err: err}
	}

	data = ExpandEnv(data)

	var y runnerYAML
	if err := yaml.Unmarshal(data, &y); err != nil {
		return &LoadError{File: path, Err: fmt.Errorf("%w: %v", ErrInvalidYAML, err)}
	}

	if d := y.Dispatch; d != nil {
		setPositive(&cfg.Dispatch.MailboxSize, d.MailboxSize)
		setPositive(&cfg.Dispatch.StatusTableCap, d.StatusTableCap)
		setDuration(&cfg.Dispatch.ReconnectMinBackoff, d.ReconnectMinBackoff, path)
		setDuration(&cfg.Dispatch.ReconnectMaxBackoff, d.ReconnectMaxBackoff, path)
		setDuration(&cfg.Dispatch.TokenRefreshInterval, d.TokenRefreshInterval, path)
		setDuration(&cfg.Dispatch.BridgeFetchTimeout, d.BridgeFetchTimeout, path)
	}
	if b := y.Bridge; b != nil {
		setPositive(&cfg.Bridge.HistorySize, b.HistorySize)
		setDuration(&cfg.Bridge.DefaultWaitTimeout, b.DefaultWaitTimeout, path)
	}
	if a := y.Assembler; a != nil {
		setPositive(&cfg.Assembler.QueueSize, a.QueueSize)
	}
	if e := y.Executor; e != nil {
		setDuration(&cfg.Executor.HandlerTimeout, e.HandlerTimeout, path)
		setPositive(&cfg.Executor.ToolLoopLimit, e.ToolLoopLimit)
		setPositive(&cfg.Executor.ParallelWidth, e.ParallelWidth)
		setDuration(&cfg.Executor.DrainTimeout, e.DrainTimeout, path)
	}
	if r := y.Retry; r != nil {
		setPositive(&cfg.Retry.MaxAttempts, r.MaxAttempts)
		setDuration(&cfg.Retry.BackoffBase, r.BackoffBase, path)
		if r.BackoffMultiplier > 0 {
			cfg.Retry.BackoffMultiplier = r.BackoffMultiplier
		}
		setDuration(&cfg.Retry.MaxBackoff, r.MaxBackoff, path)
	}

	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default",
			"key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}

func envBool(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "True", "yes":
		return true
	}
	return false
}

func setPositive(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v, file string) {
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Invalid duration in runner.yaml, keeping default",
			"file", file, "value", v, "error", err)
		return
	}
	*dst = d
}
