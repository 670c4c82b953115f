// Package config resolves runner configuration from the environment,
// with optional overrides from a runner.yaml file in CONFIG_DIR.
package config

import (
	"time"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
)

// Deployment modes. Mode affects store readiness polling and runtime
// directory defaults, not behavior of the running system.
const (
	ModeLocal   = "local"
	ModeDocker  = "docker"
	ModeDesktop = "desktop"
)

// Config is the umbrella configuration object returned by Load() and
// threaded through the application.
type Config struct {
	// Identity and store endpoint
	BaseURL   string
	OwnerID   string
	AgentID   string
	Workspace string // normalized workspace tag, e.g. "workspace:tools"

	DeploymentMode string
	HTTPPort       int // status API port
	LogLevel       string
	ConfigDir      string
	RuntimeDir     string

	BootstrapDisabled bool
	LocalKEKBase64    string

	// Subsystem tunables
	Dispatch  *DispatchConfig
	Bridge    *BridgeConfig
	Assembler *AssemblerConfig
	Executor  *ExecutorConfig
	Retry     *RetryConfig
}

// DispatchConfig tunes the SSE dispatcher.
type DispatchConfig struct {
	MailboxSize          int           // per-consumer mailbox bound
	StatusTableCap       int           // processing table soft cap
	ReconnectMinBackoff  time.Duration // first reconnect delay
	ReconnectMaxBackoff  time.Duration // backoff ceiling
	TokenRefreshInterval time.Duration // proactive token refresh period
	BridgeFetchTimeout   time.Duration // ceiling on thin-event hydration fetches
}

// BridgeConfig tunes the event bridge.
type BridgeConfig struct {
	HistorySize        int           // recent-event ring size
	DefaultWaitTimeout time.Duration // applied when a wait carries none
}

// AssemblerConfig tunes the context assembler.
type AssemblerConfig struct {
	QueueSize int // per-consumer rebuild queue bound, newest wins
}

// ExecutorConfig tunes executor lifecycles.
type ExecutorConfig struct {
	HandlerTimeout time.Duration // per-trigger handler budget
	ToolLoopLimit  int           // agent tool-call depth cap
	ParallelWidth  int           // workflow parallel group worker bound
	DrainTimeout   time.Duration // graceful shutdown budget
}

// RetryConfig shapes retries of transient store failures.
type RetryConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// WorkspaceName returns the workspace without the tag prefix.
func (c *Config) WorkspaceName() string {
	const prefix = "workspace:"
	if len(c.Workspace) > len(prefix) && c.Workspace[:len(prefix)] == prefix {
		return c.Workspace[len(prefix):]
	}
	return c.Workspace
}

// normalizeWorkspace applies the tag prefix to a bare workspace name.
func normalizeWorkspace(ws string) string {
	return breadcrumb.WorkspaceTag(ws)
}
