package dispatch

import (
	"log/slog"
	"sync"

	"github.com/rcrt-project/rcrt-runner/pkg/metrics"
)

// procState tracks one claimed trigger.
type procState int

const (
	stateProcessing procState = iota + 1
	stateCompleted
)

// claimKey identifies a trigger per consumer. Version is part of the
// key so an in-place update is a fresh trigger while a redelivery of
// the same version is suppressed.
type claimKey struct {
	consumer string
	id       string
	version  int
}

// StatusTable suppresses duplicate handling of a trigger by the same
// consumer. It is size-bounded: at the soft cap the table is cleared
// wholesale and response request-ids take over duplicate detection
// downstream.
type StatusTable struct {
	mu      sync.Mutex
	softCap int
	entries map[claimKey]procState
}

// NewStatusTable builds a table that clears itself at softCap entries.
func NewStatusTable(softCap int) *StatusTable {
	if softCap <= 0 {
		softCap = 1000
	}
	return &StatusTable{
		softCap: softCap,
		entries: make(map[claimKey]procState),
	}
}

// Claim marks the trigger as processing for the consumer. It returns
// false when the trigger is already processing or completed.
func (t *StatusTable) Claim(consumerID, breadcrumbID string, version int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) >= t.softCap {
		slog.Warn("Processing table at soft cap, clearing",
			"entries", len(t.entries),
			"cap", t.softCap)
		t.entries = make(map[claimKey]procState)
	}

	k := claimKey{consumer: consumerID, id: breadcrumbID, version: version}
	if _, claimed := t.entries[k]; claimed {
		return false
	}
	t.entries[k] = stateProcessing
	metrics.ProcessingTableSize.Set(float64(len(t.entries)))
	return true
}

// Complete marks a claimed trigger as handled. Completed entries keep
// suppressing redeliveries until the table clears.
func (t *StatusTable) Complete(consumerID, breadcrumbID string, version int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := claimKey{consumer: consumerID, id: breadcrumbID, version: version}
	if _, claimed := t.entries[k]; claimed {
		t.entries[k] = stateCompleted
	}
}

// Release forgets a claim entirely, so the same trigger can be claimed
// again. Used when a queued delivery is dropped before it ran.
func (t *StatusTable) Release(consumerID, breadcrumbID string, version int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, claimKey{consumer: consumerID, id: breadcrumbID, version: version})
	metrics.ProcessingTableSize.Set(float64(len(t.entries)))
}

// Size returns the current entry count.
func (t *StatusTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
