// Package e2e boots the complete runner against an in-memory record
// store and drives it over the same HTTP and SSE surfaces production
// uses. Only the store and the LLM endpoint are fakes; every runner
// subsystem is real.
package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcrt-project/rcrt-runner/pkg/api"
	"github.com/rcrt-project/rcrt-runner/pkg/bridge"
	"github.com/rcrt-project/rcrt-runner/pkg/config"
	"github.com/rcrt-project/rcrt-runner/pkg/contextbuilder"
	"github.com/rcrt-project/rcrt-runner/pkg/dispatch"
	"github.com/rcrt-project/rcrt-runner/pkg/executor"
	"github.com/rcrt-project/rcrt-runner/pkg/registry"
	"github.com/rcrt-project/rcrt-runner/pkg/store"
)

// waitFor is the ceiling for every Eventually assertion in the suite.
const waitFor = 5 * time.Second

// tick is the poll interval for Eventually assertions.
const tick = 10 * time.Millisecond

// TestBus is a fully wired runner instance for scenario tests.
type TestBus struct {
	Store *recordStore
	LLM   *scriptedLLM

	Config     *config.Config
	Client     *store.Client
	Bridge     *bridge.Bridge
	Assembler  *contextbuilder.Service
	Toolbox    *executor.Toolbox
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	API        *api.Server

	t *testing.T
}

// busConfig holds options accumulated before the bus boots.
type busConfig struct {
	cfg   *config.Config
	tools map[string]executor.ToolFunc
	seed  func(bus *TestBus)
}

// BusOption configures the test bus.
type BusOption func(*busConfig)

// WithWorkspace scopes the bus to a different workspace tag.
func WithWorkspace(ws string) BusOption {
	return func(c *busConfig) { c.cfg.Workspace = ws }
}

// WithHandlerTimeout bounds every executor invocation.
func WithHandlerTimeout(d time.Duration) BusOption {
	return func(c *busConfig) { c.cfg.Executor.HandlerTimeout = d }
}

// WithToolFunc registers an extra in-process tool before any consumer
// materializes.
func WithToolFunc(name string, fn executor.ToolFunc) BusOption {
	return func(c *busConfig) {
		if c.tools == nil {
			c.tools = make(map[string]executor.ToolFunc)
		}
		c.tools[name] = fn
	}
}

// WithSeed runs after the store and LLM exist but before the registry's
// initial load, so definitions placed via bus.Store.seed are discovered
// the way pre-existing rows are.
func WithSeed(fn func(bus *TestBus)) BusOption {
	return func(c *busConfig) { c.seed = fn }
}

// NewTestBus boots a runner against fresh fakes. Shutdown is registered
// via t.Cleanup in reverse dependency order.
func NewTestBus(t *testing.T, opts ...BusOption) *TestBus {
	t.Helper()

	bc := &busConfig{cfg: defaultBusConfig()}
	for _, opt := range opts {
		opt(bc)
	}

	rs := newRecordStore(t)
	llm := newScriptedLLM(t)
	bc.cfg.BaseURL = rs.URL

	ctx := context.Background()
	client := store.New(rs.URL, bc.cfg.OwnerID, bc.cfg.AgentID, bc.cfg.Retry)
	require.NoError(t, client.Authenticate(ctx))

	br := bridge.New(bc.cfg.Bridge)
	assembler := contextbuilder.NewService(bc.cfg, client)
	toolbox := executor.NewToolbox()
	for name, fn := range bc.tools {
		toolbox.Register(name, fn)
	}
	reg := registry.New(bc.cfg, client, br, assembler, toolbox)

	bus := &TestBus{
		Store:     rs,
		LLM:       llm,
		Config:    bc.cfg,
		Client:    client,
		Bridge:    br,
		Assembler: assembler,
		Toolbox:   toolbox,
		Registry:  reg,
		t:         t,
	}

	if bc.seed != nil {
		bc.seed(bus)
	}
	require.NoError(t, reg.LoadInitial(ctx))

	dispatcher := dispatch.New(bc.cfg, client, br, reg, reg)
	dispatcher.Start(ctx)
	bus.Dispatcher = dispatcher

	bus.API = api.NewServer(bc.cfg, client, dispatcher, reg, br, assembler)

	t.Cleanup(func() {
		dispatcher.Stop()
		assembler.Stop()
		client.Stop()
	})

	bus.WaitConnected(t)
	return bus
}

// defaultBusConfig is tuned for fast tests: millisecond backoffs and a
// reconnect floor far below the Eventually ceiling.
func defaultBusConfig() *config.Config {
	return &config.Config{
		OwnerID:        "owner-e2e",
		AgentID:        "runner-e2e",
		Workspace:      "workspace:e2e",
		DeploymentMode: config.ModeLocal,
		LogLevel:       "info",
		Dispatch: &config.DispatchConfig{
			MailboxSize:          32,
			StatusTableCap:       256,
			ReconnectMinBackoff:  10 * time.Millisecond,
			ReconnectMaxBackoff:  100 * time.Millisecond,
			TokenRefreshInterval: time.Hour,
		},
		Bridge: &config.BridgeConfig{
			HistorySize:        64,
			DefaultWaitTimeout: 5 * time.Second,
		},
		Assembler: &config.AssemblerConfig{QueueSize: 8},
		Executor: &config.ExecutorConfig{
			HandlerTimeout: 10 * time.Second,
			ToolLoopLimit:  4,
			ParallelWidth:  4,
			DrainTimeout:   5 * time.Second,
		},
		Retry: &config.RetryConfig{
			MaxAttempts:       3,
			BackoffBase:       time.Millisecond,
			BackoffMultiplier: 2.0,
			MaxBackoff:        5 * time.Millisecond,
		},
	}
}

// WaitConnected blocks until the dispatcher holds a live stream.
func (bus *TestBus) WaitConnected(t *testing.T) {
	t.Helper()
	require.Eventually(t, bus.Dispatcher.Connected, waitFor, tick,
		"dispatcher never connected to the event stream")
}

// WaitDisconnected blocks until the dispatcher has lost its stream.
func (bus *TestBus) WaitDisconnected(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return !bus.Dispatcher.Connected() }, waitFor, tick,
		"dispatcher never noticed the outage")
}

// WaitForCursor blocks until the dispatcher has recorded a resume
// cursor. A reconnect without one starts at the stream's tail, so
// outage tests establish a cursor before severing.
func (bus *TestBus) WaitForCursor(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return bus.Dispatcher.Stats().LastEventID != "" }, waitFor, tick,
		"dispatcher never recorded an event id")
}

// WaitForConsumer blocks until the registry has materialized the
// consumer, typically after a live definition create.
func (bus *TestBus) WaitForConsumer(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := bus.Registry.Lookup(id)
		return ok
	}, waitFor, tick, "consumer %s never registered", id)
}

// WaitForConsumerGone blocks until the consumer has been evicted.
func (bus *TestBus) WaitForConsumerGone(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := bus.Registry.Lookup(id)
		return !ok
	}, waitFor, tick, "consumer %s never deregistered", id)
}
