package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rcrt-project/rcrt-runner/pkg/metrics"
)

// runnerRoles are the roles requested on every token: curate consumer
// definitions, emit responses, subscribe to the stream.
var runnerRoles = []string{"curator", "emitter", "subscriber"}

// TokenRequest is the body of POST /auth/token.
type TokenRequest struct {
	OwnerID string   `json:"owner_id"`
	AgentID string   `json:"agent_id"`
	Roles   []string `json:"roles"`
}

// TokenResponse is the store's answer.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// tokenSource issues and caches bearer tokens. Reads are lock-cheap
// and the auth round trip runs single-flight with no lock held, so a
// caller whose cached token is still valid never waits behind a
// refresh in flight.
type tokenSource struct {
	baseURL    string
	ownerID    string
	agentID    string
	httpClient *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	inflight  chan struct{} // non-nil while a round trip runs; closed when it settles
}

func newTokenSource(baseURL, ownerID, agentID string, hc *http.Client) *tokenSource {
	return &tokenSource{
		baseURL:    baseURL,
		ownerID:    ownerID,
		agentID:    agentID,
		httpClient: hc,
	}
}

// Token returns the cached token, refreshing when empty or expired.
func (s *tokenSource) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	tok, exp := s.token, s.expiresAt
	s.mu.RUnlock()

	if tok != "" && (exp.IsZero() || time.Until(exp) > 30*time.Second) {
		return tok, nil
	}
	return s.refresh(ctx, tok, "expired")
}

// Refresh forces a new token, typically after a 401. The stale value
// prevents a stampede: if another goroutine already replaced it, the
// replacement is returned without a second round trip.
func (s *tokenSource) Refresh(ctx context.Context, stale string) (string, error) {
	return s.refresh(ctx, stale, "unauthorized")
}

// RefreshProactive is the timer-driven refresh path.
func (s *tokenSource) RefreshProactive(ctx context.Context) error {
	_, err := s.refresh(ctx, s.current(), "proactive")
	return err
}

// current returns the cached token without refreshing.
func (s *tokenSource) current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// refresh installs a new token unless another goroutine already
// replaced the stale one. The mutex only guards the token cell: the
// first caller past the cell check becomes the fetcher and performs
// the round trip unlocked, everyone else parks on its completion
// channel and re-checks the cell, falling through to an attempt of
// their own only when the fetcher failed.
func (s *tokenSource) refresh(ctx context.Context, stale, trigger string) (string, error) {
	for {
		s.mu.Lock()
		if s.token != "" && s.token != stale {
			tok := s.token
			s.mu.Unlock()
			return tok, nil
		}
		if done := s.inflight; done != nil {
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			continue
		}
		done := make(chan struct{})
		s.inflight = done
		s.mu.Unlock()

		tok, exp, err := s.fetchToken(ctx)

		s.mu.Lock()
		s.inflight = nil
		if err == nil {
			s.token = tok
			s.expiresAt = exp
		}
		s.mu.Unlock()
		close(done)

		if err != nil {
			return "", err
		}
		metrics.TokenRefreshes.WithLabelValues(trigger).Inc()
		return tok, nil
	}
}

// fetchToken performs the POST /auth/token round trip. It takes no
// locks.
func (s *tokenSource) fetchToken(ctx context.Context) (string, time.Time, error) {
	body, err := json.Marshal(TokenRequest{
		OwnerID: s.ownerID,
		AgentID: s.agentID,
		Roles:   runnerRoles,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, &TransientError{Err: fmt.Errorf("token request: %w", err)}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, errorFromStatus("token", resp.StatusCode, string(raw))
	}

	var tr TokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}
	if tr.Token == "" {
		return "", time.Time{}, fmt.Errorf("store returned empty token")
	}
	return tr.Token, tr.ExpiresAt, nil
}
