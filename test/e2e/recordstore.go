package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
	"github.com/rcrt-project/rcrt-runner/pkg/store"
)

// storedEvent is one entry of the store's event log. The log is kept
// forever (tests are short) so reconnects can replay from any
// Last-Event-ID.
type storedEvent struct {
	seq     int
	id      string
	payload []byte
}

// subscriber is one live SSE connection.
type subscriber struct {
	ch   chan storedEvent
	quit chan struct{}
}

// recordStore is an in-memory record store speaking the full HTTP
// surface the runner uses: auth, breadcrumb CRUD with optimistic
// concurrency and idempotency keys, listing, vector search, secrets,
// and the SSE event stream with Last-Event-ID replay. Vector search
// ranks by naive substring containment, which is deterministic enough
// for scenario assertions.
type recordStore struct {
	*httptest.Server

	mu       sync.Mutex
	seq      int
	eventSeq int
	records  map[string]*breadcrumb.Breadcrumb
	order    []string // creation order, for stable listings
	idem     map[string]string
	secrets  map[string]string
	log      []storedEvent
	subs     map[*subscriber]struct{}
	down     bool // stream outage flag; CRUD stays up
}

func newRecordStore(t *testing.T) *recordStore {
	t.Helper()
	rs := &recordStore{
		records: make(map[string]*breadcrumb.Breadcrumb),
		idem:    make(map[string]string),
		secrets: make(map[string]string),
		subs:    make(map[*subscriber]struct{}),
	}
	rs.Server = httptest.NewServer(http.HandlerFunc(rs.handle))
	t.Cleanup(func() {
		rs.setStreamDown(true) // release hanging stream handlers
		rs.Close()
	})
	return rs
}

func (rs *recordStore) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health":
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	case r.URL.Path == "/auth/token":
		var req store.TokenRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, store.TokenResponse{
			Token:     "tok:" + req.AgentID,
			ExpiresAt: time.Now().Add(time.Hour),
		})
	case r.URL.Path == "/events/stream":
		rs.handleStream(w, r)
	case r.URL.Path == "/breadcrumbs/search":
		rs.handleVector(w, r)
	case r.URL.Path == "/breadcrumbs" && r.Method == http.MethodPost:
		rs.handleCreate(w, r)
	case r.URL.Path == "/breadcrumbs" && r.Method == http.MethodGet:
		rs.handleList(w, r)
	case strings.HasSuffix(r.URL.Path, "/full"):
		rs.handleGetFull(w, r)
	case r.URL.Path == "/secrets":
		rs.handleSecretList(w)
	case strings.HasPrefix(r.URL.Path, "/secrets/"):
		rs.handleSecretGet(w, r)
	case r.Method == http.MethodPatch:
		rs.handleUpdate(w, r)
	case r.Method == http.MethodDelete:
		rs.handleDelete(w, r)
	default:
		rs.handleGet(w, r)
	}
}

// agentOf recovers the caller identity baked into the bearer token.
func agentOf(r *http.Request) string {
	return strings.TrimPrefix(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "), "tok:")
}

func (rs *recordStore) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req breadcrumb.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}

	rs.mu.Lock()
	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		if id, ok := rs.idem[key]; ok {
			version := rs.records[id].Version
			rs.mu.Unlock()
			w.WriteHeader(http.StatusConflict)
			fmt.Fprintf(w, `{"error":"duplicate idempotency key","id":%q,"version":%d}`, id, version)
			return
		}
	}
	rs.seq++
	id := "bc-" + strconv.Itoa(rs.seq)
	if key != "" {
		rs.idem[key] = id
	}
	now := time.Now()
	rec := &breadcrumb.Breadcrumb{
		ID:         id,
		SchemaName: req.SchemaName,
		Title:      req.Title,
		Tags:       req.Tags,
		Context:    req.Context,
		Version:    1,
		CreatedBy:  agentOf(r),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	rs.records[id] = rec
	rs.order = append(rs.order, id)
	rs.broadcastLocked(breadcrumb.EventCreated, rec)
	rs.mu.Unlock()

	writeJSON(w, breadcrumb.CreateResult{ID: rec.ID, Version: rec.Version})
}

func (rs *recordStore) handleGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/breadcrumbs/")
	rs.mu.Lock()
	rec, ok := rs.records[id]
	rs.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, rec)
}

func (rs *recordStore) handleGetFull(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/breadcrumbs/"), "/full")
	rs.mu.Lock()
	rec, ok := rs.records[id]
	rs.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, breadcrumb.Full{Breadcrumb: *rec, OwnerID: "owner-e2e"})
}

func (rs *recordStore) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/breadcrumbs/")
	var patch breadcrumb.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	expected, err := strconv.Atoi(strings.Trim(r.Header.Get("If-Match"), `"`))
	if err != nil {
		http.Error(w, `{"error":"missing if-match"}`, http.StatusBadRequest)
		return
	}

	rs.mu.Lock()
	rec, ok := rs.records[id]
	if !ok {
		rs.mu.Unlock()
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	if rec.Version != expected {
		rs.mu.Unlock()
		http.Error(w, `{"error":"version mismatch"}`, http.StatusPreconditionFailed)
		return
	}
	if patch.Title != nil {
		rec.Title = *patch.Title
	}
	if patch.Tags != nil {
		rec.Tags = patch.Tags
	}
	if patch.Context != nil {
		rec.Context = patch.Context
	}
	rec.Version++
	rec.UpdatedAt = time.Now()
	cp := *rec
	rs.broadcastLocked(breadcrumb.EventUpdated, rec)
	rs.mu.Unlock()

	writeJSON(w, cp)
}

func (rs *recordStore) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/breadcrumbs/")
	rs.mu.Lock()
	rec, ok := rs.records[id]
	if ok {
		delete(rs.records, id)
		rs.broadcastLocked(breadcrumb.EventDeleted, rec)
	}
	rs.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rs *recordStore) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tag := q.Get("tag")
	schema := q.Get("schema_name")
	limit, _ := strconv.Atoi(q.Get("limit"))

	rs.mu.Lock()
	var hits []*breadcrumb.Breadcrumb
	for _, rec := range rs.records {
		if schema != "" && rec.SchemaName != schema {
			continue
		}
		if tag != "" && !rec.HasTag(tag) {
			continue
		}
		hits = append(hits, rec)
	}
	rs.mu.Unlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].UpdatedAt.Equal(hits[j].UpdatedAt) {
			return hits[i].ID > hits[j].ID
		}
		return hits[i].UpdatedAt.After(hits[j].UpdatedAt)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	writeJSON(w, toSummaries(hits))
}

// handleVector ranks records whose serialized context contains every
// word of the query, newest first.
func (rs *recordStore) handleVector(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	words := strings.Fields(strings.ToLower(q.Get("q")))
	schema := q.Get("schema_name")
	nn, _ := strconv.Atoi(q.Get("nn"))

	rs.mu.Lock()
	var hits []*breadcrumb.Breadcrumb
	for _, rec := range rs.records {
		if schema != "" && rec.SchemaName != schema {
			continue
		}
		raw, _ := json.Marshal(rec.Context)
		body := strings.ToLower(string(raw) + " " + rec.Title)
		match := len(words) > 0
		for _, word := range words {
			if !strings.Contains(body, word) {
				match = false
				break
			}
		}
		if match {
			hits = append(hits, rec)
		}
	}
	rs.mu.Unlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].UpdatedAt.After(hits[j].UpdatedAt) })
	if nn > 0 && len(hits) > nn {
		hits = hits[:nn]
	}
	writeJSON(w, toSummaries(hits))
}

func (rs *recordStore) handleSecretList(w http.ResponseWriter) {
	rs.mu.Lock()
	out := make([]store.Secret, 0, len(rs.secrets))
	for name := range rs.secrets {
		out = append(out, store.Secret{ID: "sec-" + name, Name: name})
	}
	rs.mu.Unlock()
	writeJSON(w, out)
}

func (rs *recordStore) handleSecretGet(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/secrets/"), "sec-")
	rs.mu.Lock()
	value, ok := rs.secrets[name]
	rs.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, store.SecretValue{Value: value})
}

// handleStream serves one SSE subscriber. A caller with a
// Last-Event-ID gets everything after it; a fresh connection starts at
// the tail, like a real stream. Replay and live-subscription happen
// under one lock hold so no event is skipped or doubled across the
// seam.
func (rs *recordStore) handleStream(w http.ResponseWriter, r *http.Request) {
	rs.mu.Lock()
	if rs.down {
		rs.mu.Unlock()
		http.Error(w, `{"error":"stream unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	after := rs.eventSeq
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		after, _ = strconv.Atoi(strings.TrimPrefix(last, "ev-"))
	}
	var replay []storedEvent
	for _, ev := range rs.log {
		if ev.seq > after {
			replay = append(replay, ev)
		}
	}
	sub := &subscriber{
		ch:   make(chan storedEvent, len(replay)+256),
		quit: make(chan struct{}),
	}
	for _, ev := range replay {
		sub.ch <- ev
	}
	rs.subs[sub] = struct{}{}
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		delete(rs.subs, sub)
		rs.mu.Unlock()
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.quit:
			return
		case ev := <-sub.ch:
			fmt.Fprintf(w, "id: %s\ndata: %s\n\n", ev.id, ev.payload)
			flusher.Flush()
		}
	}
}

// broadcastLocked appends a thin event to the log and fans it out.
// Callers hold rs.mu.
func (rs *recordStore) broadcastLocked(eventType string, rec *breadcrumb.Breadcrumb) {
	rs.eventSeq++
	payload, _ := json.Marshal(breadcrumb.Event{
		Type:         eventType,
		BreadcrumbID: rec.ID,
		SchemaName:   rec.SchemaName,
		Tags:         rec.Tags,
		Version:      rec.Version,
	})
	ev := storedEvent{seq: rs.eventSeq, id: "ev-" + strconv.Itoa(rs.eventSeq), payload: payload}
	rs.log = append(rs.log, ev)
	for sub := range rs.subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// setStreamDown toggles the SSE outage: active streams are severed and
// new connections are refused until the flag clears. CRUD endpoints
// stay reachable throughout.
func (rs *recordStore) setStreamDown(down bool) {
	rs.mu.Lock()
	rs.down = down
	if down {
		for sub := range rs.subs {
			close(sub.quit)
		}
		rs.subs = make(map[*subscriber]struct{})
	}
	rs.mu.Unlock()
}

// resend rebroadcasts a created event for an existing record, without
// touching the record itself. Simulates the duplicate deliveries an
// at-least-once stream produces.
func (rs *recordStore) resend(id string) {
	rs.mu.Lock()
	if rec, ok := rs.records[id]; ok {
		rs.broadcastLocked(breadcrumb.EventCreated, rec)
	}
	rs.mu.Unlock()
}

// seed inserts a record directly, bypassing HTTP and the event stream.
// Seeded records are only discoverable via listing, like rows that
// predate the runner's connection.
func (rs *recordStore) seed(schema, title string, ctx map[string]any, tags ...string) *breadcrumb.Breadcrumb {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.seq++
	id := "bc-" + strconv.Itoa(rs.seq)
	now := time.Now()
	rec := &breadcrumb.Breadcrumb{
		ID:         id,
		SchemaName: schema,
		Title:      title,
		Tags:       tags,
		Context:    ctx,
		Version:    1,
		CreatedBy:  "seed",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	rs.records[id] = rec
	rs.order = append(rs.order, id)
	return rec
}

func (rs *recordStore) setSecret(name, value string) {
	rs.mu.Lock()
	rs.secrets[name] = value
	rs.mu.Unlock()
}

// bySchema returns copies of all records with the schema, in creation
// order.
func (rs *recordStore) bySchema(schema string) []breadcrumb.Breadcrumb {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var out []breadcrumb.Breadcrumb
	for _, id := range rs.order {
		rec, ok := rs.records[id]
		if ok && rec.SchemaName == schema {
			out = append(out, *rec)
		}
	}
	return out
}

// get returns a copy of one record, or nil.
func (rs *recordStore) get(id string) *breadcrumb.Breadcrumb {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rec, ok := rs.records[id]; ok {
		cp := *rec
		return &cp
	}
	return nil
}

func toSummaries(hits []*breadcrumb.Breadcrumb) []breadcrumb.Summary {
	out := make([]breadcrumb.Summary, 0, len(hits))
	for _, rec := range hits {
		out = append(out, breadcrumb.Summary{
			ID:         rec.ID,
			SchemaName: rec.SchemaName,
			Title:      rec.Title,
			Tags:       rec.Tags,
			Version:    rec.Version,
			UpdatedAt:  rec.UpdatedAt,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
