package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
	"github.com/rcrt-project/rcrt-runner/pkg/config"
	"github.com/rcrt-project/rcrt-runner/pkg/metrics"
	"github.com/rcrt-project/rcrt-runner/pkg/version"
)

// Client talks to the record store. All methods are safe for
// concurrent use; bearer tokens are managed internally, refreshed
// proactively and on 401.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *tokenSource
	retry      *config.RetryConfig

	// maxAuthRetries bounds 401→refresh→retry loops per call.
	maxAuthRetries int

	refreshEvery time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// New builds a client for the store at baseURL, authenticating as
// ownerID/agentID. A nil retry uses the defaults.
func New(baseURL, ownerID, agentID string, retry *config.RetryConfig) *Client {
	if retry == nil {
		retry = config.DefaultRetryConfig()
	}
	hc := &http.Client{Timeout: 30 * time.Second}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     hc,
		tokens:         newTokenSource(strings.TrimRight(baseURL, "/"), ownerID, agentID, hc),
		retry:          retry,
		maxAuthRetries: 3,
		refreshEvery:   10 * time.Minute,
		stopCh:         make(chan struct{}),
	}
}

// BaseURL returns the store endpoint the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ForIdentity returns a client that authenticates as agentID while
// sharing this client's transport and retry policy. The store stamps
// created_by from the token identity, so consumers that must be
// attributable (and self-loop detectable) emit through a derived
// client. Derived clients have no refresher loop; refresh-on-401
// covers them.
func (c *Client) ForIdentity(agentID string) *Client {
	return &Client{
		baseURL:        c.baseURL,
		httpClient:     c.httpClient,
		tokens:         newTokenSource(c.baseURL, c.tokens.ownerID, agentID, c.httpClient),
		retry:          c.retry,
		maxAuthRetries: c.maxAuthRetries,
		refreshEvery:   c.refreshEvery,
		stopCh:         make(chan struct{}),
	}
}

// AgentID returns the identity this client authenticates as.
func (c *Client) AgentID() string {
	return c.tokens.agentID
}

// Authenticate fetches the initial token. Callers may skip it; the
// first request triggers it lazily.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.tokens.Token(ctx)
	return err
}

// SetRefreshInterval overrides the proactive token refresh cadence.
// Call it before StartTokenRefresher.
func (c *Client) SetRefreshInterval(d time.Duration) {
	if d > 0 {
		c.refreshEvery = d
	}
}

// StartTokenRefresher launches the proactive refresh loop. Stop halts it.
func (c *Client) StartTokenRefresher() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.refreshEvery)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				if err := c.tokens.RefreshProactive(ctx); err != nil {
					slog.Warn("Proactive token refresh failed", "error", err)
				}
				cancel()
			}
		}
	}()
}

// Stop halts the refresher loop and waits for it to exit.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Ping probes the store's unauthenticated health endpoint. Bootstrap
// polls it while the store is still starting, so it bypasses the retry
// and auth plumbing.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("store health: status %d", resp.StatusCode)
	}
	return nil
}

// CreateOption tweaks a single create call.
type CreateOption func(*http.Header)

// WithIdempotencyKey attaches an Idempotency-Key header so the store
// can collapse duplicate creates.
func WithIdempotencyKey(key string) CreateOption {
	return func(h *http.Header) {
		h.Set("Idempotency-Key", key)
	}
}

// Create posts a new breadcrumb. A store-reported idempotency duplicate
// is returned as success with the original record's id and version.
func (c *Client) Create(ctx context.Context, req *breadcrumb.CreateRequest, opts ...CreateOption) (*breadcrumb.CreateResult, error) {
	headers := http.Header{}
	for _, opt := range opts {
		opt(&headers)
	}

	var out breadcrumb.CreateResult
	err := c.do(ctx, call{
		op:      "create",
		method:  http.MethodPost,
		path:    "/breadcrumbs",
		headers: headers,
		body:    req,
		out:     &out,
	})
	if err != nil {
		if dup, ok := duplicateResult(err); ok {
			slog.Debug("Create collapsed by idempotency key", "id", dup.ID)
			return dup, nil
		}
		return nil, err
	}
	return &out, nil
}

// duplicateResult recognizes the store's duplicate-idempotency conflict
// and recovers the original {id, version} from the response body.
func duplicateResult(err error) (*breadcrumb.CreateResult, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		return nil, false
	}
	if !strings.Contains(apiErr.Body, "duplicate") {
		return nil, false
	}
	var res breadcrumb.CreateResult
	if json.Unmarshal([]byte(apiErr.Body), &res) == nil && res.ID != "" {
		return &res, true
	}
	return nil, false
}

// Get fetches the context view of a breadcrumb (llm_hints applied by
// the store).
func (c *Client) Get(ctx context.Context, id string) (*breadcrumb.Breadcrumb, error) {
	var out breadcrumb.Breadcrumb
	err := c.do(ctx, call{
		op:     "get",
		method: http.MethodGet,
		path:   "/breadcrumbs/" + id,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetFull fetches the complete record including the stored embedding.
func (c *Client) GetFull(ctx context.Context, id string) (*breadcrumb.Full, error) {
	var out breadcrumb.Full
	err := c.do(ctx, call{
		op:     "get_full",
		method: http.MethodGet,
		path:   "/breadcrumbs/" + id + "/full",
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Update patches a breadcrumb guarded by If-Match. A concurrent writer
// surfaces as ErrVersionMismatch.
func (c *Client) Update(ctx context.Context, id string, expectedVersion int, patch *breadcrumb.UpdateRequest) (*breadcrumb.Breadcrumb, error) {
	headers := http.Header{}
	headers.Set("If-Match", strconv.Quote(strconv.Itoa(expectedVersion)))

	var out breadcrumb.Breadcrumb
	err := c.do(ctx, call{
		op:      "update",
		method:  http.MethodPatch,
		path:    "/breadcrumbs/" + id,
		headers: headers,
		body:    patch,
		out:     &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateWithRetry applies the default conflict policy: on version
// mismatch, refetch the current version and retry exactly once. A
// second mismatch is surfaced to the caller.
func (c *Client) UpdateWithRetry(ctx context.Context, id string, expectedVersion int, patch *breadcrumb.UpdateRequest) (*breadcrumb.Breadcrumb, error) {
	updated, err := c.Update(ctx, id, expectedVersion, patch)
	if err == nil || !isVersionMismatch(err) {
		return updated, err
	}

	current, getErr := c.Get(ctx, id)
	if getErr != nil {
		return nil, fmt.Errorf("refetch after version mismatch: %w", getErr)
	}
	slog.Debug("Retrying update after version mismatch",
		"id", id, "stale_version", expectedVersion, "current_version", current.Version)
	return c.Update(ctx, id, current.Version, patch)
}

// Delete removes a breadcrumb.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, call{
		op:     "delete",
		method: http.MethodDelete,
		path:   "/breadcrumbs/" + id,
	})
}

// SearchFilter narrows a selector search. The store filters by one tag
// and schema server-side; remaining tags are enforced client-side.
type SearchFilter struct {
	SchemaName string
	Tags       []string // all must be present
	Limit      int
}

// Search lists breadcrumb summaries matching the filter, newest first.
// A 404 from the store means no matches, not an error.
func (c *Client) Search(ctx context.Context, f SearchFilter) ([]breadcrumb.Summary, error) {
	q := url.Values{}
	if len(f.Tags) > 0 {
		q.Set("tag", f.Tags[0])
	}
	if f.SchemaName != "" {
		q.Set("schema_name", f.SchemaName)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}

	var out []breadcrumb.Summary
	err := c.do(ctx, call{
		op:     "search",
		method: http.MethodGet,
		path:   "/breadcrumbs",
		query:  q,
		out:    &out,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	filtered := out[:0]
	for _, item := range out {
		if f.SchemaName != "" && item.SchemaName != f.SchemaName {
			continue
		}
		if !hasAllTags(item.Tags, f.Tags) {
			continue
		}
		filtered = append(filtered, item)
	}
	return filtered, nil
}

// VectorSearch runs k-nearest-neighbour search over breadcrumb
// embeddings with the store embedding q itself.
func (c *Client) VectorSearch(ctx context.Context, query string, nn int, schemaName string) ([]breadcrumb.Summary, error) {
	q := url.Values{}
	q.Set("q", query)
	if nn > 0 {
		q.Set("nn", strconv.Itoa(nn))
	}
	if schemaName != "" {
		q.Set("schema_name", schemaName)
	}

	var out []breadcrumb.Summary
	err := c.do(ctx, call{
		op:     "vector_search",
		method: http.MethodGet,
		path:   "/breadcrumbs/search",
		query:  q,
		out:    &out,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	if schemaName == "" {
		return out, nil
	}
	filtered := out[:0]
	for _, item := range out {
		if item.SchemaName == "" || item.SchemaName == schemaName {
			filtered = append(filtered, item)
		}
	}
	return filtered, nil
}

// Secret is a list entry from GET /secrets; the value stays encrypted
// at rest and is only released by GetSecret.
type Secret struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ScopeType string    `json:"scope_type,omitempty"`
	ScopeID   string    `json:"scope_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SecretValue is the decrypted payload from GET /secrets/{id}.
type SecretValue struct {
	Value string `json:"value"`
}

// ListSecrets lists secret metadata for the authenticated owner.
func (c *Client) ListSecrets(ctx context.Context) ([]Secret, error) {
	var out []Secret
	err := c.do(ctx, call{
		op:     "list_secrets",
		method: http.MethodGet,
		path:   "/secrets",
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetSecret fetches a decrypted secret value. The purpose string is
// recorded by the store for audit.
func (c *Client) GetSecret(ctx context.Context, id, purpose string) (string, error) {
	q := url.Values{}
	if purpose != "" {
		q.Set("purpose", purpose)
	}
	var out SecretValue
	err := c.do(ctx, call{
		op:     "get_secret",
		method: http.MethodGet,
		path:   "/secrets/" + id,
		query:  q,
		out:    &out,
	})
	if err != nil {
		return "", err
	}
	return out.Value, nil
}

// call describes one HTTP exchange with the store.
type call struct {
	op      string
	method  string
	path    string
	query   url.Values
	headers http.Header
	body    any
	out     any
}

// do executes a call with auth, transient retry, and error mapping.
// 401 responses invalidate the token and retry; transient failures back
// off exponentially with jitter.
func (c *Client) do(ctx context.Context, cl call) error {
	var payload []byte
	if cl.body != nil {
		var err error
		payload, err = json.Marshal(cl.body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", cl.op, err)
		}
	}

	authAttempts := 0
	transientAttempts := 0

	for {
		err := c.once(ctx, cl, payload)
		if err == nil {
			metrics.StoreCalls.WithLabelValues(cl.op, "ok").Inc()
			return nil
		}

		if isUnauthorized(err) && authAttempts < c.maxAuthRetries {
			authAttempts++
			if _, rerr := c.tokens.Refresh(ctx, c.tokens.current()); rerr != nil {
				metrics.StoreCalls.WithLabelValues(cl.op, "auth_failed").Inc()
				return fmt.Errorf("refresh after 401: %w", rerr)
			}
			continue
		}

		if IsTransient(err) && transientAttempts < c.retry.MaxAttempts {
			delay := c.backoff(transientAttempts)
			transientAttempts++
			slog.Debug("Retrying transient store failure",
				"op", cl.op, "attempt", transientAttempts, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		metrics.StoreCalls.WithLabelValues(cl.op, "error").Inc()
		return err
	}
}

// once performs a single HTTP exchange.
func (c *Client) once(ctx context.Context, cl call, payload []byte) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	u := c.baseURL + cl.path
	if len(cl.query) > 0 {
		u += "?" + cl.query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, u, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", cl.op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", version.Full())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range cl.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.StoreCallDuration.WithLabelValues(cl.op).Observe(time.Since(started).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Err: fmt.Errorf("%s request: %w", cl.op, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("read %s response: %w", cl.op, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromStatus(cl.op, resp.StatusCode, string(raw))
	}

	if cl.out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, cl.out); err != nil {
			return fmt.Errorf("decode %s response: %w", cl.op, err)
		}
	}
	return nil
}

// backoff computes the delay before transient retry n (0-based), with
// ±20% jitter.
func (c *Client) backoff(n int) time.Duration {
	d := float64(c.retry.BackoffBase)
	for i := 0; i < n; i++ {
		d *= c.retry.BackoffMultiplier
	}
	if ceiling := float64(c.retry.MaxBackoff); d > ceiling {
		d = ceiling
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(d * jitter)
}

func hasAllTags(tags, required []string) bool {
	for _, r := range required {
		found := false
		for _, t := range tags {
			if t == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func isUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func isVersionMismatch(err error) bool {
	return errors.Is(err, ErrVersionMismatch)
}
