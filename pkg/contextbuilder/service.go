package contextbuilder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
	"github.com/rcrt-project/rcrt-runner/pkg/config"
	"github.com/rcrt-project/rcrt-runner/pkg/dispatch"
	"github.com/rcrt-project/rcrt-runner/pkg/metrics"
	"github.com/rcrt-project/rcrt-runner/pkg/store"
)

// job is one queued rebuild request.
type job struct {
	ev       *breadcrumb.Event
	sel      breadcrumb.Selector
	deferred bool
}

// state is the tracked lifecycle of one context config. The config
// pointer is swapped under the service mutex on re-registration; the
// worker snapshots it per rebuild.
type state struct {
	consumerID string
	config     *breadcrumb.ContextConfig
	queue      chan job
	quit       chan struct{}

	// contextID is the assigned rolling breadcrumb, set after the
	// first write. Worker-only.
	contextID string
}

// Service owns one rebuild worker per registered context config.
// Rebuilds for a consumer are serialized; the queue is bounded and
// newest-wins.
type Service struct {
	cfg     *config.Config
	client  *store.Client
	fetcher *Fetcher
	est     Estimator

	mu     sync.Mutex
	states map[string]*state

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService builds the assembler. The client should carry the
// runner's base identity: context updates must not be attributed to
// the consumers they feed.
func NewService(cfg *config.Config, client *store.Client) *Service {
	return &Service{
		cfg:     cfg,
		client:  client,
		fetcher: NewFetcher(client, cfg.Workspace),
		est:     WordEstimator{},
		states:  make(map[string]*state),
		stopCh:  make(chan struct{}),
	}
}

// SetEstimator swaps the token heuristic for a real tokenizer.
func (s *Service) SetEstimator(est Estimator) {
	if est != nil {
		s.est = est
	}
}

// Register tracks a context config and returns the consumer to hook
// into the dispatcher. Re-registering a consumer id swaps the config
// in place; the existing worker and queue survive.
func (s *Service) Register(cc *breadcrumb.ContextConfig, fallbackID string) *Consumer {
	id := cc.ConsumerID
	if id == "" {
		id = fallbackID
	}

	s.mu.Lock()
	st, ok := s.states[id]
	if ok {
		st.config = cc
		s.mu.Unlock()
		slog.Info("Context config replaced", "consumer", id, "sources", len(cc.Sources))
		return &Consumer{svc: s, id: id}
	}

	size := s.cfg.Assembler.QueueSize
	if size < 1 {
		size = config.DefaultAssemblerConfig().QueueSize
	}
	st = &state{
		consumerID: id,
		config:     cc,
		queue:      make(chan job, size),
		quit:       make(chan struct{}),
	}
	s.states[id] = st
	s.mu.Unlock()

	s.wg.Add(1)
	go s.worker(st)
	slog.Info("Context config registered", "consumer", id, "sources", len(cc.Sources))
	return &Consumer{svc: s, id: id}
}

// Deregister stops tracking a consumer's config. Idempotent.
func (s *Service) Deregister(consumerID string) {
	s.mu.Lock()
	st, ok := s.states[consumerID]
	if ok {
		delete(s.states, consumerID)
	}
	s.mu.Unlock()
	if ok {
		close(st.quit)
		slog.Info("Context config deregistered", "consumer", consumerID)
	}
}

// Configs returns the number of tracked context configs.
func (s *Service) Configs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// Stop halts all rebuild workers and waits for in-flight rebuilds.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// enqueue adds a rebuild job, dropping the oldest pending job when the
// queue is full so the newest trigger wins.
func (s *Service) enqueue(consumerID string, t *dispatch.Trigger) {
	s.mu.Lock()
	st, ok := s.states[consumerID]
	s.mu.Unlock()
	if !ok {
		return
	}

	j := job{ev: t.Event, sel: t.Selector, deferred: t.Deferred}
	for {
		select {
		case st.queue <- j:
			return
		default:
		}
		select {
		case old := <-st.queue:
			slog.Debug("Rebuild queue full, superseding oldest",
				"consumer", consumerID, "superseded", old.ev.BreadcrumbID)
			metrics.EventsDropped.WithLabelValues("rebuild_superseded").Inc()
		default:
			return
		}
	}
}

func (s *Service) worker(st *state) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-st.quit:
			return
		case j := <-st.queue:
			s.rebuild(st, j)
		}
	}
}

// rebuild runs the full pipeline for one trigger: hydrate, re-check
// deferred predicates, fetch sources, dedupe, budget, format, write.
// Failures are reported and counted, never propagated.
func (s *Service) rebuild(st *state, j job) {
	s.mu.Lock()
	cc := st.config
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Executor.HandlerTimeout)
	defer cancel()

	trigger := s.hydrateTrigger(ctx, j.ev)

	if j.deferred {
		if trigger == nil || !j.sel.Match(eventWithContext(j.ev, trigger)).Matched {
			slog.Debug("Deferred predicates failed on full record, skipping rebuild",
				"consumer", st.consumerID, "breadcrumb_id", j.ev.BreadcrumbID)
			metrics.ContextRebuilds.WithLabelValues("skipped").Inc()
			return
		}
	}

	secs := make([]*section, 0, len(cc.Sources))
	for i := range cc.Sources {
		src := &cc.Sources[i]
		items, err := s.fetcher.Fetch(ctx, src, trigger)
		if err != nil {
			slog.Error("Context source fetch failed",
				"consumer", st.consumerID, "key", src.Key, "error", err)
			metrics.ContextRebuilds.WithLabelValues("error").Inc()
			return
		}
		secs = append(secs, &section{src: *src, items: items})
	}

	s.dedupeAcrossSections(ctx, secs, cc.Formatting.DedupeCutoff())
	tokens := trimToBudget(secs, cc.Formatting.TokenBudget(), s.est, cc.Formatting.IncludeMetadata)
	formatted := renderSections(secs, cc.Formatting.IncludeMetadata)

	payload := map[string]any{
		"consumer_id":       st.consumerID,
		"trigger_event_id":  j.ev.BreadcrumbID,
		"assembled_at":      time.Now().UTC().Format(time.RFC3339),
		"token_estimate":    tokens,
		"sources_assembled": len(cc.Sources),
		"formatted_context": formatted,
		"breadcrumb_count":  itemCount(secs),
		"sections":          sectionRefs(secs),
	}

	if err := s.publish(ctx, st, cc, payload); err != nil {
		slog.Error("Context publish failed", "consumer", st.consumerID, "error", err)
		metrics.ContextRebuilds.WithLabelValues("error").Inc()
		return
	}

	metrics.ContextRebuilds.WithLabelValues("ok").Inc()
	slog.Info("Context published",
		"consumer", st.consumerID,
		"breadcrumb_count", itemCount(secs),
		"token_estimate", tokens)
}

// hydrateTrigger resolves the full trigger record. A trigger deleted
// between event and rebuild degrades to nil; recency sources still
// run.
func (s *Service) hydrateTrigger(ctx context.Context, ev *breadcrumb.Event) *breadcrumb.Breadcrumb {
	if bc := ev.Record(); bc != nil {
		return bc
	}
	bc, err := s.client.Get(ctx, ev.BreadcrumbID)
	if err != nil {
		slog.Warn("Trigger fetch failed, rebuilding without event payload",
			"breadcrumb_id", ev.BreadcrumbID, "error", err)
		return nil
	}
	return bc
}

// dedupeAcrossSections collapses near-duplicates over the union of all
// sections, preserving section membership for survivors.
func (s *Service) dedupeAcrossSections(ctx context.Context, secs []*section, cutoff float64) {
	if cutoff <= 0 {
		return
	}
	var all []*breadcrumb.Breadcrumb
	owner := make(map[*breadcrumb.Breadcrumb]*section)
	for _, sec := range secs {
		for _, it := range sec.items {
			all = append(all, it)
			owner[it] = sec
		}
	}

	kept := dedupe(ctx, all, cutoff, newEmbeddings(s.client))
	if len(kept) == len(all) {
		return
	}

	survivors := make(map[*breadcrumb.Breadcrumb]bool, len(kept))
	for _, it := range kept {
		survivors[it] = true
	}
	for _, sec := range secs {
		items := sec.items[:0]
		for _, it := range sec.items {
			if survivors[it] && owner[it] == sec {
				items = append(items, it)
			}
		}
		sec.items = items
	}
}

// publish writes the rolling context breadcrumb: reuse the known id,
// else adopt an existing record found by tags, else create. Updates
// ride optimistic concurrency with one retry.
func (s *Service) publish(ctx context.Context, st *state, cc *breadcrumb.ContextConfig, payload map[string]any) error {
	schema := cc.Output.OutputSchema()
	tags := contextTags(cc, st.consumerID, s.cfg.Workspace)

	var ttl *time.Time
	if cc.Output.TTLSeconds > 0 {
		t := time.Now().Add(time.Duration(cc.Output.TTLSeconds) * time.Second)
		ttl = &t
	}

	if st.contextID == "" {
		found, err := s.client.Search(ctx, store.SearchFilter{
			SchemaName: schema,
			Tags:       []string{breadcrumb.ConsumerTag(st.consumerID), s.cfg.Workspace},
			Limit:      1,
		})
		if err != nil {
			return err
		}
		if len(found) > 0 {
			st.contextID = found[0].ID
		}
	}

	if st.contextID == "" {
		res, err := s.client.Create(ctx, &breadcrumb.CreateRequest{
			SchemaName: schema,
			Title:      "Context for " + st.consumerID,
			Tags:       tags,
			Context:    payload,
			TTL:        ttl,
		})
		if err != nil {
			return err
		}
		st.contextID = res.ID
		return nil
	}

	current, err := s.client.Get(ctx, st.contextID)
	if err != nil {
		if ctx.Err() == nil {
			// The record went away underneath us; forget it and
			// recreate on the next rebuild.
			st.contextID = ""
		}
		return err
	}
	_, err = s.client.UpdateWithRetry(ctx, st.contextID, current.Version, &breadcrumb.UpdateRequest{
		Context: payload,
		TTL:     ttl,
	})
	return err
}

// contextTags assembles the rolling breadcrumb's tags: the discovery
// pair every consumer subscribes on, the workspace, plus any extras
// the config declares.
func contextTags(cc *breadcrumb.ContextConfig, consumerID, workspace string) []string {
	tags := []string{
		"agent:context",
		breadcrumb.ConsumerTag(consumerID),
		breadcrumb.WorkspaceTag(workspace),
	}
	for _, t := range cc.Output.Tags {
		if !containsTag(tags, t) {
			tags = append(tags, t)
		}
	}
	return tags
}

// eventWithContext re-evaluates a selector against the hydrated
// record.
func eventWithContext(ev *breadcrumb.Event, bc *breadcrumb.Breadcrumb) *breadcrumb.Event {
	return &breadcrumb.Event{
		Type:         ev.Type,
		BreadcrumbID: ev.BreadcrumbID,
		SchemaName:   bc.SchemaName,
		Tags:         bc.Tags,
		Version:      bc.Version,
		Context:      bc.Context,
	}
}

// Consumer adapts the service to the dispatcher: Handle enqueues a
// rebuild and returns, so the mailbox worker is never held by store
// I/O.
type Consumer struct {
	svc *Service
	id  string
}

func (c *Consumer) ID() string { return c.id }

// Selectors returns the config's update triggers.
func (c *Consumer) Selectors() []breadcrumb.Selector {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	st, ok := c.svc.states[c.id]
	if !ok {
		return nil
	}
	return st.config.UpdateTriggers
}

func (c *Consumer) Handle(_ context.Context, t *dispatch.Trigger) {
	c.svc.enqueue(c.id, t)
}
