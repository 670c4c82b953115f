package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// chatMessage is one entry of a recorded completion request.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the slice of the completion request body the tests
// assert on.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

// scriptedLLM is an OpenAI-compatible chat-completions server with a
// FIFO reply script. Requests beyond the script get a canned answer so
// a mis-scripted test fails on content, not on a hang.
type scriptedLLM struct {
	*httptest.Server

	mu       sync.Mutex
	replies  []string
	requests []chatRequest
}

func newScriptedLLM(t *testing.T) *scriptedLLM {
	t.Helper()
	s := &scriptedLLM{}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// reply queues one assistant response.
func (s *scriptedLLM) reply(content string) {
	s.mu.Lock()
	s.replies = append(s.replies, content)
	s.mu.Unlock()
}

// requestCount reports how many completions were served.
func (s *scriptedLLM) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// request returns a copy of the nth recorded completion request.
func (s *scriptedLLM) request(n int) chatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[n]
}

func (s *scriptedLLM) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/chat/completions" || r.Method != http.MethodPost {
		http.Error(w, `{"error":"unsupported endpoint"}`, http.StatusNotFound)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	content := "unscripted reply"
	if len(s.replies) > 0 {
		content = s.replies[0]
		s.replies = s.replies[1:]
	}
	n := len(s.requests)
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"id":     "cmpl-" + strconv.Itoa(n),
		"object": "chat.completion",
		"model":  "mock-model",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{
			"prompt_tokens":     7,
			"completion_tokens": 5,
			"total_tokens":      12,
		},
	})
}
