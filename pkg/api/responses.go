package api

import (
	"github.com/rcrt-project/rcrt-runner/pkg/bridge"
	"github.com/rcrt-project/rcrt-runner/pkg/dispatch"
	"github.com/rcrt-project/rcrt-runner/pkg/registry"
)

// HealthCheck is one subsystem's verdict inside a health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Version        string         `json:"version"`
	Workspace      string         `json:"workspace"`
	UptimeSeconds  int64          `json:"uptime_seconds"`
	Consumers      registry.Stats `json:"consumers"`
	Dispatcher     dispatch.Stats `json:"dispatcher"`
	Bridge         bridge.Stats   `json:"bridge"`
	ContextConfigs int            `json:"context_configs"`
}
