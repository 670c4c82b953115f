package config

import "time"

// Built-in defaults. Env and runner.yaml override them in that order.
const (
	DefaultBaseURL   = "http://localhost:8080"
	DefaultOwnerID   = "00000000-0000-0000-0000-000000000001"
	DefaultAgentID   = "rcrt-runner"
	DefaultWorkspace = "workspace:default"
	DefaultHTTPPort  = 8081
	DefaultLogLevel  = "info"
	DefaultConfigDir = "./config"
)

// DefaultDispatchConfig returns dispatcher defaults.
func DefaultDispatchConfig() *DispatchConfig {
	return &DispatchConfig{
		MailboxSize:          16,
		StatusTableCap:       1000,
		ReconnectMinBackoff:  500 * time.Millisecond,
		ReconnectMaxBackoff:  30 * time.Second,
		TokenRefreshInterval: 10 * time.Minute,
		BridgeFetchTimeout:   5 * time.Second,
	}
}

// DefaultBridgeConfig returns event bridge defaults.
func DefaultBridgeConfig() *BridgeConfig {
	return &BridgeConfig{
		HistorySize:        100,
		DefaultWaitTimeout: 60 * time.Second,
	}
}

// DefaultAssemblerConfig returns context assembler defaults.
func DefaultAssemblerConfig() *AssemblerConfig {
	return &AssemblerConfig{
		QueueSize: 8,
	}
}

// DefaultExecutorConfig returns executor defaults.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		HandlerTimeout: 120 * time.Second,
		ToolLoopLimit:  4,
		ParallelWidth:  4,
		DrainTimeout:   30 * time.Second,
	}
}

// DefaultRetryConfig returns the transient-failure retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
	}
}

// defaultRuntimeDir picks the runtime directory for a deployment mode
// when RUNTIME_DIR is unset.
func defaultRuntimeDir(mode string) string {
	switch mode {
	case ModeDocker:
		return "/data/rcrt-runner"
	default:
		return "./.rcrt-runner"
	}
}
