package contextbuilder

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
	"github.com/rcrt-project/rcrt-runner/pkg/config"
	"github.com/rcrt-project/rcrt-runner/pkg/store"
)

// memStore is an in-memory record store covering the endpoints the
// assembler touches: auth, list search, vector search, CRUD with
// optimistic concurrency.
type memStore struct {
	*httptest.Server

	mu        sync.Mutex
	seq       int
	records   map[string]*breadcrumb.Breadcrumb
	embeds    map[string][]float32
	vector    []string // scripted vector hits, best first
	lastQuery string
	creates   int
	patches   int
	ctxWrites []string // trigger_event_id per context write, in order

	gate   chan struct{} // armed list searches park here
	parked chan struct{} // signaled once a search is parked
}

func newMemStore(t *testing.T) *memStore {
	t.Helper()
	ms := &memStore{
		records: make(map[string]*breadcrumb.Breadcrumb),
		embeds:  make(map[string][]float32),
	}
	ms.Server = httptest.NewServer(http.HandlerFunc(ms.handle))
	t.Cleanup(ms.Close)
	return ms
}

func (ms *memStore) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/auth/token":
		writeJSON(w, map[string]any{
			"token":      "tok",
			"expires_at": time.Now().Add(time.Hour),
		})
	case r.URL.Path == "/breadcrumbs/search":
		ms.handleVector(w, r)
	case r.URL.Path == "/breadcrumbs" && r.Method == http.MethodGet:
		ms.handleList(w, r)
	case r.URL.Path == "/breadcrumbs" && r.Method == http.MethodPost:
		ms.handleCreate(w, r)
	case strings.HasSuffix(r.URL.Path, "/full"):
		ms.handleGetFull(w, r)
	case r.Method == http.MethodPatch:
		ms.handlePatch(w, r)
	default:
		ms.handleGet(w, r)
	}
}

func (ms *memStore) handleList(w http.ResponseWriter, r *http.Request) {
	ms.mu.Lock()
	gate, parked := ms.gate, ms.parked
	ms.mu.Unlock()
	if gate != nil {
		if parked != nil {
			select {
			case parked <- struct{}{}:
			default:
			}
		}
		<-gate
	}

	q := r.URL.Query()
	tag := q.Get("tag")
	schema := q.Get("schema_name")
	limit, _ := strconv.Atoi(q.Get("limit"))

	ms.mu.Lock()
	var hits []*breadcrumb.Breadcrumb
	for _, rec := range ms.records {
		if schema != "" && rec.SchemaName != schema {
			continue
		}
		if tag != "" && !rec.HasTag(tag) {
			continue
		}
		hits = append(hits, rec)
	}
	ms.mu.Unlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].UpdatedAt.After(hits[j].UpdatedAt) })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	writeJSON(w, toSummaries(hits))
}

func (ms *memStore) handleVector(w http.ResponseWriter, r *http.Request) {
	ms.mu.Lock()
	ms.lastQuery = r.URL.Query().Get("q")
	var hits []*breadcrumb.Breadcrumb
	for _, id := range ms.vector {
		if rec, ok := ms.records[id]; ok {
			hits = append(hits, rec)
		}
	}
	ms.mu.Unlock()
	writeJSON(w, toSummaries(hits))
}

func (ms *memStore) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req breadcrumb.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}

	ms.mu.Lock()
	ms.seq++
	ms.creates++
	now := time.Now()
	rec := &breadcrumb.Breadcrumb{
		ID:         "gen-" + strconv.Itoa(ms.seq),
		SchemaName: req.SchemaName,
		Title:      req.Title,
		Tags:       req.Tags,
		Context:    req.Context,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
		TTL:        req.TTL,
	}
	ms.records[rec.ID] = rec
	ms.noteContextWrite(rec)
	ms.mu.Unlock()

	writeJSON(w, breadcrumb.CreateResult{ID: rec.ID, Version: rec.Version})
}

func (ms *memStore) handlePatch(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/breadcrumbs/")
	var patch breadcrumb.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	rec, ok := ms.records[id]
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	if r.Header.Get("If-Match") != strconv.Quote(strconv.Itoa(rec.Version)) {
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
	if patch.TTL != nil {
		rec.TTL = patch.TTL
	}
	rec.Version++
	rec.UpdatedAt = time.Now()
	ms.patches++
	ms.noteContextWrite(rec)
	writeJSON(w, rec)
}

func (ms *memStore) handleGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/breadcrumbs/")
	ms.mu.Lock()
	rec, ok := ms.records[id]
	ms.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, rec)
}

func (ms *memStore) handleGetFull(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/breadcrumbs/")
	id = strings.TrimSuffix(id, "/full")
	ms.mu.Lock()
	rec, ok := ms.records[id]
	emb := ms.embeds[id]
	ms.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, breadcrumb.Full{Breadcrumb: *rec, Embedding: emb})
}

// noteContextWrite records the trigger id behind each assembled
// context write. Callers hold ms.mu.
func (ms *memStore) noteContextWrite(rec *breadcrumb.Breadcrumb) {
	if rec.SchemaName != breadcrumb.SchemaAgentContext {
		return
	}
	if tid, ok := rec.Context["trigger_event_id"].(string); ok {
		ms.ctxWrites = append(ms.ctxWrites, tid)
	}
}

func (ms *memStore) seed(id, schema string, age time.Duration, ctx map[string]any, tags ...string) *breadcrumb.Breadcrumb {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	at := time.Now().Add(-age)
	rec := &breadcrumb.Breadcrumb{
		ID:         id,
		SchemaName: schema,
		Tags:       tags,
		Context:    ctx,
		Version:    1,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	ms.records[id] = rec
	return rec
}

func (ms *memStore) setEmbedding(id string, vec []float32) {
	ms.mu.Lock()
	ms.embeds[id] = vec
	ms.mu.Unlock()
}

func (ms *memStore) setVectorHits(ids ...string) {
	ms.mu.Lock()
	ms.vector = ids
	ms.mu.Unlock()
}

func (ms *memStore) vectorQuery() string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.lastQuery
}

func (ms *memStore) bySchema(schema string) []*breadcrumb.Breadcrumb {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var out []*breadcrumb.Breadcrumb
	for _, rec := range ms.records {
		if rec.SchemaName == schema {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out
}

func (ms *memStore) counts() (creates, patches int) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.creates, ms.patches
}

func (ms *memStore) contextWrites() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string(nil), ms.ctxWrites...)
}

// armGate makes the next list searches block until openGate. parked
// receives once per waiting request.
func (ms *memStore) armGate() {
	ms.mu.Lock()
	ms.gate = make(chan struct{})
	ms.parked = make(chan struct{}, 1)
	ms.mu.Unlock()
}

func (ms *memStore) awaitParked(t *testing.T) {
	t.Helper()
	ms.mu.Lock()
	parked := ms.parked
	ms.mu.Unlock()
	select {
	case <-parked:
	case <-time.After(2 * time.Second):
		t.Fatal("no search parked on the gate")
	}
}

func (ms *memStore) openGate() {
	ms.mu.Lock()
	gate := ms.gate
	ms.gate = nil
	ms.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

func (ms *memStore) client() *store.Client {
	return store.New(ms.URL, "owner-1", "runner-1", &config.RetryConfig{
		MaxAttempts:       1,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        2 * time.Millisecond,
	})
}

func toSummaries(recs []*breadcrumb.Breadcrumb) []breadcrumb.Summary {
	out := make([]breadcrumb.Summary, 0, len(recs))
	for _, rec := range recs {
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
