// Package bridge lets in-flight handlers wait for future breadcrumbs.
// A handler that has just emitted a request breadcrumb registers a
// waiter; the dispatcher publishes every fetched breadcrumb into the
// bridge, resolving whoever matches. A bounded recent-history ring
// covers responses that arrive in the gap before the waiter registers.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
	"github.com/rcrt-project/rcrt-runner/pkg/config"
	"github.com/rcrt-project/rcrt-runner/pkg/metrics"
)

// ErrWaitTimeout is returned when no matching breadcrumb arrives within
// the wait's deadline.
var ErrWaitTimeout = errors.New("wait timed out")

// Criteria selects the breadcrumb a waiter is interested in. Zero
// fields are wildcards; RequestID matches context.request_id.
type Criteria struct {
	SchemaName   string
	RequestID    string
	Tags         []string
	ContextMatch []breadcrumb.ContextMatch
}

// Matches reports whether a breadcrumb satisfies the criteria.
func (c *Criteria) Matches(b *breadcrumb.Breadcrumb) bool {
	if c.SchemaName != "" && c.SchemaName != b.SchemaName {
		return false
	}
	if c.RequestID != "" && b.ContextString("request_id") != c.RequestID {
		return false
	}
	for _, tag := range c.Tags {
		if !b.HasTag(tag) {
			return false
		}
	}
	for _, cm := range c.ContextMatch {
		if b.Context == nil || !cm.Eval(b.Context) {
			return false
		}
	}
	return true
}

type waiter struct {
	criteria Criteria
	ch       chan *breadcrumb.Breadcrumb // buffered 1, send never blocks
}

// Bridge is safe for concurrent use from any number of handlers.
type Bridge struct {
	defaultTimeout time.Duration
	historySize    int

	mu      sync.Mutex
	history []*breadcrumb.Breadcrumb // oldest first
	waiters map[uint64]*waiter
	nextID  uint64
}

// New builds a bridge. A nil cfg uses the defaults.
func New(cfg *config.BridgeConfig) *Bridge {
	if cfg == nil {
		cfg = config.DefaultBridgeConfig()
	}
	return &Bridge{
		defaultTimeout: cfg.DefaultWaitTimeout,
		historySize:    cfg.HistorySize,
		waiters:        make(map[uint64]*waiter),
	}
}

// Publish feeds a fetched breadcrumb into the bridge: append to the
// history ring (dropping the oldest) and resolve every matching waiter.
// One breadcrumb may resolve multiple waiters.
func (b *Bridge) Publish(bc *breadcrumb.Breadcrumb) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, bc)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}

	for id, w := range b.waiters {
		if w.criteria.Matches(bc) {
			w.ch <- bc
			delete(b.waiters, id)
		}
	}
}

// Wait blocks until a breadcrumb matching criteria arrives, the timeout
// fires, or ctx is cancelled. A timeout of zero or less uses the
// bridge's default. Recent history is consulted first, newest entry
// wins.
func (b *Bridge) Wait(ctx context.Context, criteria Criteria, timeout time.Duration) (*breadcrumb.Breadcrumb, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	b.mu.Lock()
	for i := len(b.history) - 1; i >= 0; i-- {
		if criteria.Matches(b.history[i]) {
			bc := b.history[i]
			b.mu.Unlock()
			metrics.BridgeWaits.WithLabelValues("history_hit").Inc()
			return bc, nil
		}
	}
	id := b.nextID
	b.nextID++
	w := &waiter{criteria: criteria, ch: make(chan *breadcrumb.Breadcrumb, 1)}
	b.waiters[id] = w
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case bc := <-w.ch:
		metrics.BridgeWaits.WithLabelValues("resolved").Inc()
		return bc, nil
	case <-timer.C:
		b.remove(id)
		// A resolution may have landed between the timer firing and
		// the removal; honor it.
		select {
		case bc := <-w.ch:
			metrics.BridgeWaits.WithLabelValues("resolved").Inc()
			return bc, nil
		default:
		}
		metrics.BridgeWaits.WithLabelValues("timeout").Inc()
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		b.remove(id)
		metrics.BridgeWaits.WithLabelValues("cancelled").Inc()
		return nil, ctx.Err()
	}
}

func (b *Bridge) remove(id uint64) {
	b.mu.Lock()
	delete(b.waiters, id)
	b.mu.Unlock()
}

// Stats reports current bridge occupancy for the status API.
type Stats struct {
	Waiters    int `json:"waiters"`
	HistoryLen int `json:"history_len"`
}

// Stats returns a snapshot of waiter and history counts.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Waiters: len(b.waiters), HistoryLen: len(b.history)}
}
