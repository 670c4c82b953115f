// Package bootstrap seeds a fresh record store with the schema
// descriptors, builtin tool definitions, system agents, workflows, and
// context configs the runner expects. Seeds are embedded in the binary
// and applied in dependency order; re-runs are safe because every item
// is looked up before creation and created under a stable idempotency
// key. A marker file in the runtime directory gates re-seeding.
package bootstrap

import (
	"context"
	"crypto/rand"
	"embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
	"github.com/rcrt-project/rcrt-runner/pkg/config"
	"github.com/rcrt-project/rcrt-runner/pkg/store"
	"github.com/rcrt-project/rcrt-runner/pkg/version"
)

//go:embed seeds/*.json
var seedsFS embed.FS

// markerName is the sentinel file recording first-run completion.
const markerName = ".bootstrapped"

// seed is one embedded item. Name is stable across releases: it forms
// the idempotency key and the lookup tag, so renaming a seed re-creates
// its record.
type seed struct {
	Name       string                   `json:"name"`
	Breadcrumb breadcrumb.CreateRequest `json:"breadcrumb"`
}

// marker is the JSON persisted to the sentinel file.
type marker struct {
	Version     string    `json:"version"`
	CompletedAt time.Time `json:"completed_at"`
	Created     int       `json:"created"`
	Skipped     int       `json:"skipped"`
}

// Loader applies the embedded seeds to a store.
type Loader struct {
	cfg    *config.Config
	client *store.Client

	pollEvery time.Duration // store readiness poll cadence
}

// New builds a loader. Seeding waits for the store to come up, so Run
// may block for minutes on a cold environment.
func New(cfg *config.Config, client *store.Client) *Loader {
	return &Loader{cfg: cfg, client: client, pollEvery: 2 * time.Second}
}

// Run seeds the store unless the environment is already bootstrapped.
// Partial failures leave no marker, so the next start resumes; items
// created before the failure are skipped by lookup.
func (l *Loader) Run(ctx context.Context) error {
	if l.cfg.BootstrapDisabled {
		slog.Info("Bootstrap disabled, skipping")
		return nil
	}
	if m, ok := l.readMarker(); ok {
		slog.Info("Already bootstrapped, skipping",
			"completed_at", m.CompletedAt, "version", m.Version)
		return nil
	}

	if err := l.waitForStore(ctx); err != nil {
		return err
	}

	seeds, err := l.loadSeeds()
	if err != nil {
		return err
	}

	created, skipped := 0, 0
	for _, s := range seeds {
		ok, err := l.ensure(ctx, s)
		if err != nil {
			return fmt.Errorf("seeding %s: %w", s.Name, err)
		}
		if ok {
			created++
		} else {
			skipped++
		}
	}

	if err := l.writeMarker(created, skipped); err != nil {
		return err
	}
	slog.Info("Bootstrap complete", "created", created, "skipped", skipped)
	return nil
}

// waitForStore polls the health endpoint until the store answers.
// Containerized modes get a longer budget; the store may still be
// running migrations.
func (l *Loader) waitForStore(ctx context.Context) error {
	attempts := 30
	if l.cfg.DeploymentMode != config.ModeLocal {
		attempts = 60
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = l.client.Ping(ctx)
		if lastErr == nil {
			return nil
		}
		if i == 0 {
			slog.Info("Waiting for record store", "base_url", l.client.BaseURL())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.pollEvery):
		}
	}
	return fmt.Errorf("store not ready after %d attempts: %w", attempts, lastErr)
}

// loadSeeds reads the embedded files in name order and expands the
// workspace tag, identity, and a per-run session id into each.
func (l *Loader) loadSeeds() ([]seed, error) {
	entries, err := seedsFS.ReadDir("seeds")
	if err != nil {
		return nil, err
	}

	vars := map[string]string{
		"WORKSPACE":  l.cfg.Workspace,
		"OWNER_ID":   l.cfg.OwnerID,
		"AGENT_ID":   l.cfg.AgentID,
		"SESSION_ID": uuid.NewString(),
	}

	var out []seed
	for _, e := range entries {
		data, err := seedsFS.ReadFile("seeds/" + e.Name())
		if err != nil {
			return nil, err
		}
		data = config.ExpandWith(data, vars)

		var items []seed
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", e.Name(), err)
		}
		out = append(out, items...)
	}
	return out, nil
}

// ensure creates one seed unless a record already carries its lookup
// tag. Returns true when a record was created.
func (l *Loader) ensure(ctx context.Context, s seed) (bool, error) {
	tag := "bootstrap:" + s.Name
	found, err := l.client.Search(ctx, store.SearchFilter{
		SchemaName: s.Breadcrumb.SchemaName,
		Tags:       []string{tag},
		Limit:      1,
	})
	if err != nil {
		return false, err
	}
	if len(found) > 0 {
		slog.Debug("Seed already present", "name", s.Name, "id", found[0].ID)
		return false, nil
	}

	req := s.Breadcrumb
	if !hasTag(req.Tags, tag) {
		req.Tags = append(req.Tags, tag)
	}
	res, err := l.client.Create(ctx, &req, store.WithIdempotencyKey(tag))
	if err != nil {
		return false, err
	}
	slog.Info("Seeded", "name", s.Name, "schema", req.SchemaName, "id", res.ID)
	return true, nil
}

func (l *Loader) markerPath() string {
	return filepath.Join(l.cfg.RuntimeDir, markerName)
}

// readMarker loads the sentinel. Markers written by older tooling may
// be plain text; they still gate re-seeding.
func (l *Loader) readMarker() (*marker, bool) {
	data, err := os.ReadFile(l.markerPath())
	if err != nil {
		return nil, false
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return &marker{}, true
	}
	return &m, true
}

func (l *Loader) writeMarker(created, skipped int) error {
	if err := os.MkdirAll(l.cfg.RuntimeDir, 0o755); err != nil {
		return err
	}
	m := marker{
		Version:     version.Full(),
		CompletedAt: time.Now().UTC(),
		Created:     created,
		Skipped:     skipped,
	}
	data, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.markerPath(), data, 0o644)
}

// kekVar is the env key the store reads its at-rest encryption key
// from. Compose templates ship it with a "your-..." placeholder.
const kekVar = "LOCAL_KEK_BASE64"

// EnsureLocalKEK fills a placeholder LOCAL_KEK_BASE64 in the env file
// with a freshly generated 32-byte key. The store reads the same file,
// so the key must exist before any secret is written. A missing file
// is fine; an existing real key is left alone.
func EnsureLocalKEK(envPath string) error {
	data, err := os.ReadFile(envPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !strings.Contains(string(data), kekVar+"=your-") {
		return nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, kekVar+"=your-") {
			lines[i] = kekVar + "=" + encoded
		}
	}

	mode := os.FileMode(0o644)
	if st, err := os.Stat(envPath); err == nil {
		mode = st.Mode().Perm()
	}
	if err := os.WriteFile(envPath, []byte(strings.Join(lines, "\n")), mode); err != nil {
		return err
	}
	slog.Info("Generated local KEK", "file", envPath)
	return nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
