// Package api serves the runner's operational surface: liveness,
// subsystem status, and Prometheus metrics. It is unauthenticated and
// meant for orchestrators and dashboards, not for bus traffic.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcrt-project/rcrt-runner/pkg/bridge"
	"github.com/rcrt-project/rcrt-runner/pkg/config"
	"github.com/rcrt-project/rcrt-runner/pkg/dispatch"
	"github.com/rcrt-project/rcrt-runner/pkg/registry"
)

// Pinger probes store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DispatcherInfo is the dispatcher's status surface.
type DispatcherInfo interface {
	Connected() bool
	Stats() dispatch.Stats
}

// RegistryInfo is the consumer registry's status surface.
type RegistryInfo interface {
	Stats() registry.Stats
}

// BridgeInfo is the event bridge's status surface.
type BridgeInfo interface {
	Stats() bridge.Stats
}

// AssemblerInfo is the context assembler's status surface.
type AssemblerInfo interface {
	Configs() int
}

// Server is the HTTP status server.
type Server struct {
	cfg       *config.Config
	store     Pinger
	disp      DispatcherInfo
	reg       RegistryInfo
	bridge    BridgeInfo
	assembler AssemblerInfo

	engine    *gin.Engine
	http      *http.Server
	startedAt time.Time
}

// NewServer wires the status routes. Release mode unless the runner
// logs at debug.
func NewServer(cfg *config.Config, store Pinger, disp DispatcherInfo, reg RegistryInfo, br BridgeInfo, asm AssemblerInfo) *Server {
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		store:     store,
		disp:      disp,
		reg:       reg,
		bridge:    br,
		assembler: asm,
		startedAt: time.Now(),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/health", s.healthHandler)
	engine.GET("/status", s.statusHandler)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine = engine
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown or a listener error. Blocking; callers
// run it in a goroutine.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
