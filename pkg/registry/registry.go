// Package registry materializes consumer-definition breadcrumbs into
// live consumers and serves them to the dispatcher. The consumer set
// is copy-on-write: readers take a lock-free snapshot, writers rebuild
// it under a mutex. Definition changes arriving on the stream reshape
// the set without a restart.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
	"github.com/rcrt-project/rcrt-runner/pkg/bridge"
	"github.com/rcrt-project/rcrt-runner/pkg/config"
	"github.com/rcrt-project/rcrt-runner/pkg/contextbuilder"
	"github.com/rcrt-project/rcrt-runner/pkg/dispatch"
	"github.com/rcrt-project/rcrt-runner/pkg/executor"
	"github.com/rcrt-project/rcrt-runner/pkg/metrics"
	"github.com/rcrt-project/rcrt-runner/pkg/store"
)

// VariantContext marks assembler-backed consumers in stats; executor
// variants use their own names.
const VariantContext = "context"

// entry is one materialized definition. sourceID is the definition
// breadcrumb's id; consumerID the identity the consumer runs under.
// Context workers run under a derived dispatch id so a context config
// can serve a consumer id an executor already owns; bareID keeps the
// assembler identity for deregistration.
type entry struct {
	sourceID   string
	consumerID string
	bareID     string
	variant    string
	consumer   dispatch.Consumer
}

// contextConsumer overlays the derived dispatch identity on an
// assembler worker.
type contextConsumer struct {
	*contextbuilder.Consumer
	id string
}

func (c *contextConsumer) ID() string { return c.id }

// snapshot is the immutable view handed to the dispatcher.
type snapshot struct {
	consumers []dispatch.Consumer
	byID      map[string]dispatch.Consumer
}

// Registry implements dispatch.Provider and dispatch.DefinitionSink.
type Registry struct {
	cfg       *config.Config
	client    *store.Client
	bridge    *bridge.Bridge
	assembler *contextbuilder.Service
	toolbox   *executor.Toolbox

	mu       sync.Mutex // serializes definition writers
	bySource map[string]*entry
	live     atomic.Value // *snapshot
}

// New builds an empty registry. Definitions arrive via LoadInitial and
// the dispatcher's definition sink callbacks.
func New(cfg *config.Config, client *store.Client, br *bridge.Bridge, assembler *contextbuilder.Service, tb *executor.Toolbox) *Registry {
	r := &Registry{
		cfg:       cfg,
		client:    client,
		bridge:    br,
		assembler: assembler,
		toolbox:   tb,
		bySource:  make(map[string]*entry),
	}
	r.live.Store(&snapshot{byID: map[string]dispatch.Consumer{}})
	return r
}

// Snapshot implements dispatch.Provider.
func (r *Registry) Snapshot() []dispatch.Consumer {
	return r.live.Load().(*snapshot).consumers
}

// Lookup implements dispatch.Provider.
func (r *Registry) Lookup(id string) (dispatch.Consumer, bool) {
	c, ok := r.live.Load().(*snapshot).byID[id]
	return c, ok
}

// LoadInitial seeds the registry from definitions already in the
// store, scoped to the runner's workspace. Tools come first so the
// consumers agents call are live before the agents are.
func (r *Registry) LoadInitial(ctx context.Context) error {
	for _, schema := range []string{
		breadcrumb.SchemaToolDef,
		breadcrumb.SchemaAgentDef,
		breadcrumb.SchemaWorkflowDef,
		breadcrumb.SchemaContextConfig,
	} {
		summaries, err := r.client.Search(ctx, store.SearchFilter{
			SchemaName: schema,
			Tags:       []string{r.cfg.Workspace},
		})
		if err != nil {
			return err
		}
		for _, s := range summaries {
			bc, err := r.client.Get(ctx, s.ID)
			if err != nil {
				slog.Warn("Skipping unreadable definition", "id", s.ID, "error", err)
				continue
			}
			r.apply(bc)
		}
	}
	slog.Info("Initial definitions loaded", "consumers", len(r.Snapshot()))
	return nil
}

// ApplyDefinition implements dispatch.DefinitionSink for upserts.
func (r *Registry) ApplyDefinition(ctx context.Context, ev *breadcrumb.Event) {
	bc := ev.Record()
	if bc == nil {
		var err error
		bc, err = r.client.Get(ctx, ev.BreadcrumbID)
		if err != nil {
			slog.Error("Definition fetch failed",
				"breadcrumb_id", ev.BreadcrumbID, "error", err)
			return
		}
	}
	r.apply(bc)
}

// RemoveDefinition implements dispatch.DefinitionSink for deletions.
// Unknown sources are a no-op.
func (r *Registry) RemoveDefinition(_ context.Context, ev *breadcrumb.Event) {
	r.mu.Lock()
	e, ok := r.bySource[ev.BreadcrumbID]
	if ok {
		delete(r.bySource, ev.BreadcrumbID)
		r.publish()
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if e.variant == VariantContext {
		r.assembler.Deregister(e.bareID)
	}
	slog.Info("Consumer deregistered",
		"consumer", e.consumerID, "variant", e.variant, "source", e.sourceID)
}

// apply decodes and materializes one definition breadcrumb. A
// definition that fails to materialize leaves any previous
// registration for the same source running.
func (r *Registry) apply(bc *breadcrumb.Breadcrumb) {
	def, err := breadcrumb.DecodeDefinition(bc)
	if err != nil {
		slog.Warn("Undecodable definition", "id", bc.ID, "schema", bc.SchemaName, "error", err)
		return
	}

	e, err := r.materialize(def)
	if err != nil {
		slog.Error("Definition rejected",
			"id", bc.ID, "schema", bc.SchemaName, "error", err)
		return
	}

	r.mu.Lock()
	// A consumer id belongs to exactly one source; a new source
	// claiming a live id evicts the old registration.
	for src, old := range r.bySource {
		if old.consumerID == e.consumerID && src != e.sourceID {
			delete(r.bySource, src)
			slog.Warn("Consumer id reclaimed by new definition",
				"consumer", e.consumerID, "old_source", src, "new_source", e.sourceID)
		}
	}
	prev := r.bySource[e.sourceID]
	r.bySource[e.sourceID] = e
	r.publish()
	r.mu.Unlock()

	// A renamed or re-typed definition leaves its old context worker
	// behind; retire it.
	if prev != nil && prev.variant == VariantContext &&
		(prev.bareID != e.bareID || e.variant != VariantContext) {
		r.assembler.Deregister(prev.bareID)
	}

	if prev == nil {
		slog.Info("Consumer registered",
			"consumer", e.consumerID, "variant", e.variant,
			"selectors", len(e.consumer.Selectors()))
	} else {
		slog.Info("Consumer updated",
			"consumer", e.consumerID, "variant", e.variant, "version", bc.Version)
	}
}

// materialize turns a decoded definition into a routable consumer.
func (r *Registry) materialize(def *breadcrumb.Definition) (*entry, error) {
	e := &entry{sourceID: def.Source.ID, consumerID: def.ConsumerID()}
	switch {
	case def.Context != nil:
		inner := r.assembler.Register(def.Context, def.Source.ID)
		e.variant = VariantContext
		e.bareID = inner.ID()
		e.consumerID = "context:" + inner.ID()
		e.consumer = &contextConsumer{Consumer: inner, id: e.consumerID}
	case def.Agent != nil:
		exec, err := executor.NewAgent(r.cfg, r.client, r.bridge, def)
		if err != nil {
			return nil, err
		}
		e.variant, e.consumer = exec.Variant(), exec
	case def.Tool != nil:
		exec, err := executor.NewTool(r.cfg, r.client, r.bridge, def, r.toolbox)
		if err != nil {
			return nil, err
		}
		e.variant, e.consumer = exec.Variant(), exec
	default:
		exec, err := executor.NewWorkflow(r.cfg, r.client, r.bridge, def)
		if err != nil {
			return nil, err
		}
		e.variant, e.consumer = exec.Variant(), exec
	}
	return e, nil
}

// publish rebuilds the lock-free snapshot. Callers hold r.mu.
func (r *Registry) publish() {
	snap := &snapshot{
		consumers: make([]dispatch.Consumer, 0, len(r.bySource)),
		byID:      make(map[string]dispatch.Consumer, len(r.bySource)),
	}
	for _, e := range r.bySource {
		snap.consumers = append(snap.consumers, e.consumer)
		snap.byID[e.consumerID] = e.consumer
	}
	r.live.Store(snap)
	metrics.ConsumersRegistered.Set(float64(len(snap.consumers)))
}

// Stats summarizes the live set for the status API.
type Stats struct {
	Consumers int            `json:"consumers"`
	ByVariant map[string]int `json:"by_variant"`
}

// Stats returns a point-in-time summary.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{Consumers: len(r.bySource), ByVariant: map[string]int{}}
	for _, e := range r.bySource {
		st.ByVariant[e.variant]++
	}
	return st
}
