package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
	"github.com/rcrt-project/rcrt-runner/pkg/config"
	"github.com/rcrt-project/rcrt-runner/pkg/metrics"
	"github.com/rcrt-project/rcrt-runner/pkg/store"
)

// Dispatcher maintains the single SSE connection to the record store
// and fans events out. Exactly one read loop runs at a time; consumer
// work happens on per-consumer workers so a slow handler never stalls
// the stream.
type Dispatcher struct {
	cfg      *config.Config
	client   *store.Client
	bridge   Publisher
	provider Provider
	defs     DefinitionSink

	table *StatusTable

	// boxes is touched only by the read loop; statsMu covers the reads
	// the status API performs.
	boxes       map[string]*mailbox
	lastEventID string
	statsMu     sync.Mutex

	connected  atomic.Bool
	cancelLoop context.CancelFunc
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// New builds a dispatcher. The provider and sinks must outlive it.
func New(cfg *config.Config, client *store.Client, bridge Publisher, provider Provider, defs DefinitionSink) *Dispatcher {
	if cfg.Dispatch.MailboxSize < 1 {
		cfg.Dispatch.MailboxSize = config.DefaultDispatchConfig().MailboxSize
	}
	return &Dispatcher{
		cfg:      cfg,
		client:   client,
		bridge:   bridge,
		provider: provider,
		defs:     defs,
		table:    NewStatusTable(cfg.Dispatch.StatusTableCap),
		boxes:    make(map[string]*mailbox),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the read loop. It returns immediately; the stream
// connects (and reconnects) in the background.
func (d *Dispatcher) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancelLoop = cancel
	d.wg.Add(1)
	go d.run(loopCtx)
	slog.Info("Dispatcher started")
}

// Stop closes the stream and waits for the read loop and all consumer
// workers to finish their current delivery. Queued deliveries are
// discarded.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		if d.cancelLoop != nil {
			d.cancelLoop()
		}
	})
	d.wg.Wait()
}

// Connected reports whether the SSE stream is currently established.
func (d *Dispatcher) Connected() bool {
	return d.connected.Load()
}

// Stats describes the dispatcher for the status API.
type Stats struct {
	Connected   bool   `json:"connected"`
	LastEventID string `json:"last_event_id,omitempty"`
	Consumers   int    `json:"consumers"`
	Mailboxes   int    `json:"mailboxes"`
	Processing  int    `json:"processing_entries"`
}

// Stats returns a point-in-time snapshot.
func (d *Dispatcher) Stats() Stats {
	d.statsMu.Lock()
	last := d.lastEventID
	mailboxes := len(d.boxes)
	d.statsMu.Unlock()
	return Stats{
		Connected:   d.connected.Load(),
		LastEventID: last,
		Consumers:   len(d.provider.Snapshot()),
		Mailboxes:   mailboxes,
		Processing:  d.table.Size(),
	}
}

// run owns the connect/read/reconnect cycle.
func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	backoff := d.cfg.Dispatch.ReconnectMinBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		stream, err := d.client.ConnectStream(ctx, d.currentLastEventID())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, store.ErrUnauthorized) {
				if rerr := d.client.RefreshToken(ctx); rerr != nil {
					slog.Warn("Token refresh before reconnect failed", "error", rerr)
				}
			}
			slog.Warn("Event stream connect failed", "error", err, "retry_in", backoff)
			if !d.sleep(ctx, jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff, d.cfg.Dispatch.ReconnectMaxBackoff)
			metrics.Reconnects.Inc()
			continue
		}

		d.connected.Store(true)
		slog.Info("Event stream connected", "last_event_id", d.currentLastEventID())
		backoff = d.cfg.Dispatch.ReconnectMinBackoff

		err = d.readLoop(ctx, stream)
		d.connected.Store(false)
		_ = stream.Close()

		if ctx.Err() != nil {
			return
		}
		slog.Warn("Event stream lost", "error", err)
		metrics.Reconnects.Inc()
		if !d.sleep(ctx, jitter(backoff)) {
			return
		}
	}
}

// readLoop decodes and routes frames until the stream breaks.
func (d *Dispatcher) readLoop(ctx context.Context, stream *store.Stream) error {
	for {
		frame, err := stream.Next()
		if err != nil {
			return err
		}

		ev, err := store.DecodeEvent(frame.Data)
		if err != nil {
			slog.Warn("Skipping undecodable event frame", "error", err)
			metrics.EventsDropped.WithLabelValues("parse").Inc()
			continue
		}
		if frame.ID != "" {
			d.setLastEventID(frame.ID)
		}

		d.routeEvent(ctx, ev)
	}
}

// routeEvent applies one decoded event: definition changes first so
// routing sees the reshaped consumer set, then the bridge, then
// consumer mailboxes.
func (d *Dispatcher) routeEvent(ctx context.Context, ev *breadcrumb.Event) {
	metrics.EventsReceived.WithLabelValues(ev.Type).Inc()

	switch {
	case ev.Type == breadcrumb.EventPing:
		return
	case ev.Type == breadcrumb.EventDeleted:
		if breadcrumb.IsDefinitionSchema(ev.SchemaName) {
			d.defs.RemoveDefinition(ctx, ev)
		}
		return
	case !ev.Upserted():
		slog.Debug("Ignoring unknown event type", "type", ev.Type)
		metrics.EventsDropped.WithLabelValues("unknown_type").Inc()
		return
	}

	if breadcrumb.IsDefinitionSchema(ev.SchemaName) {
		d.defs.ApplyDefinition(ctx, ev)
	}

	d.publishToBridge(ctx, ev)

	for _, c := range d.provider.Snapshot() {
		sel, res, ok := firstTriggerMatch(c.Selectors(), ev)
		if !ok {
			continue
		}
		if !d.table.Claim(c.ID(), ev.BreadcrumbID, ev.Version) {
			slog.Debug("Trigger already claimed",
				"consumer", c.ID(),
				"breadcrumb_id", ev.BreadcrumbID,
				"version", ev.Version)
			continue
		}
		dl := delivery{consumerID: c.ID(), ev: ev, sel: sel, deferred: res.Deferred}
		dropped, ok := d.mailboxFor(c.ID()).enqueue(dl)
		if dropped != nil {
			d.table.Release(dropped.consumerID, dropped.ev.BreadcrumbID, dropped.ev.Version)
			slog.Warn("Mailbox overflow, dropped oldest delivery",
				"consumer", c.ID(),
				"dropped_breadcrumb_id", dropped.ev.BreadcrumbID)
		}
		if !ok {
			d.table.Release(dl.consumerID, dl.ev.BreadcrumbID, dl.ev.Version)
		}
	}
}

// publishToBridge resolves waiters with the full record: straight from
// the event when it is hydrated, otherwise fetched on demand. The
// fetch runs under its own deadline so a slow store cannot stall the
// read loop for the client's whole retry window.
func (d *Dispatcher) publishToBridge(ctx context.Context, ev *breadcrumb.Event) {
	bc := ev.Record()
	if bc == nil {
		if d.cfg.Dispatch.BridgeFetchTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.cfg.Dispatch.BridgeFetchTimeout)
			defer cancel()
		}
		var err error
		bc, err = d.client.Get(ctx, ev.BreadcrumbID)
		if err != nil {
			slog.Warn("Fetch for waiter resolution failed",
				"breadcrumb_id", ev.BreadcrumbID, "error", err)
			metrics.EventsDropped.WithLabelValues("bridge_fetch").Inc()
			return
		}
	}
	d.bridge.Publish(bc)
}

// firstTriggerMatch scans trigger-role selectors in declared order and
// returns the first match. Context-role selectors never make an event
// deliverable; they are evaluated at assembly time.
func firstTriggerMatch(sels []breadcrumb.Selector, ev *breadcrumb.Event) (breadcrumb.Selector, breadcrumb.MatchResult, bool) {
	for _, sel := range sels {
		if !sel.IsTrigger() {
			continue
		}
		if res := sel.Match(ev); res.Matched {
			return sel, res, true
		}
	}
	return breadcrumb.Selector{}, breadcrumb.MatchResult{}, false
}

// mailboxFor returns the consumer's mailbox, starting its worker on
// first use. Mailboxes persist across re-registration so one consumer
// id always maps to one serial lane.
func (d *Dispatcher) mailboxFor(id string) *mailbox {
	if mb, ok := d.boxes[id]; ok {
		return mb
	}
	mb := &mailbox{ch: make(chan delivery, d.cfg.Dispatch.MailboxSize)}
	d.statsMu.Lock()
	d.boxes[id] = mb
	d.statsMu.Unlock()
	d.wg.Add(1)
	go d.consumerWorker(mb)
	return mb
}

// consumerWorker drains one mailbox serially.
func (d *Dispatcher) consumerWorker(mb *mailbox) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case dl := <-mb.ch:
			d.handle(dl)
		}
	}
}

// handle runs one delivery against the consumer's current
// registration. Deliveries for consumers deregistered while queued are
// released, not run.
func (d *Dispatcher) handle(dl delivery) {
	c, ok := d.provider.Lookup(dl.consumerID)
	if !ok {
		d.table.Release(dl.consumerID, dl.ev.BreadcrumbID, dl.ev.Version)
		slog.Debug("Consumer deregistered while delivery queued", "consumer", dl.consumerID)
		return
	}

	defer d.table.Complete(dl.consumerID, dl.ev.BreadcrumbID, dl.ev.Version)

	// Last-resort isolation; executors trap their own panics first.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Consumer handler panicked",
				"consumer", dl.consumerID,
				"breadcrumb_id", dl.ev.BreadcrumbID,
				"panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Executor.HandlerTimeout)
	defer cancel()

	c.Handle(ctx, &Trigger{Event: dl.ev, Selector: dl.sel, Deferred: dl.deferred})
}

func (d *Dispatcher) setLastEventID(id string) {
	d.statsMu.Lock()
	d.lastEventID = id
	d.statsMu.Unlock()
}

func (d *Dispatcher) currentLastEventID() string {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.lastEventID
}

// sleep waits for the duration unless the context ends first.
func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(dur):
		return true
	}
}

// jitter spreads a delay ±20% so restarting runners do not reconnect
// in lockstep.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}

func nextBackoff(cur, ceiling time.Duration) time.Duration {
	next := cur * 2
	if next > ceiling {
		return ceiling
	}
	return next
}
