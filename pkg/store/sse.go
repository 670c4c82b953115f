package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
	"github.com/rcrt-project/rcrt-runner/pkg/version"
)

// Frame is one server-sent event before JSON decoding.
type Frame struct {
	ID    string
	Event string
	Data  []byte
}

// Stream is a live SSE connection to GET /events/stream. Not safe for
// concurrent Next calls; the dispatcher owns exactly one reader.
type Stream struct {
	resp        *http.Response
	reader      *bufio.Reader
	lastEventID string
}

// ConnectStream opens the event stream. Pass the last seen event id to
// resume after a reconnect; empty string starts fresh. Callers own the
// returned stream and must Close it.
func (c *Client) ConnectStream(ctx context.Context, lastEventID string) (*Stream, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", version.Full())
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	// The stream outlives any sane client timeout, so bypass the
	// pooled client's deadline and rely on ctx.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: fmt.Errorf("stream connect: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, errorFromStatus("stream", resp.StatusCode, string(raw))
	}

	return &Stream{
		resp:        resp,
		reader:      bufio.NewReader(resp.Body),
		lastEventID: lastEventID,
	}, nil
}

// RefreshToken forces a token refresh; the dispatcher calls it before
// reconnecting after a 401 on the stream.
func (c *Client) RefreshToken(ctx context.Context) error {
	_, err := c.tokens.Refresh(ctx, c.tokens.current())
	return err
}

// Next blocks until a complete frame arrives. Comment lines are
// skipped; id lines update LastEventID. io.EOF (or any read error)
// means the connection is gone and the caller should reconnect.
func (s *Stream) Next() (*Frame, error) {
	frame := &Frame{}
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if frame.Event == "" && len(frame.Data) == 0 {
				continue
			}
			if frame.ID != "" {
				s.lastEventID = frame.ID
			}
			return frame, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "id:"); ok {
			frame.ID = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			frame.Event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			chunk := strings.TrimPrefix(after, " ")
			if len(frame.Data) > 0 {
				frame.Data = append(frame.Data, '\n')
			}
			frame.Data = append(frame.Data, chunk...)
			continue
		}
	}
}

// LastEventID returns the most recent id line seen on this stream.
func (s *Stream) LastEventID() string {
	return s.lastEventID
}

// Close tears down the connection.
func (s *Stream) Close() error {
	return s.resp.Body.Close()
}

// DecodeEvent parses a frame payload into a stream event. Malformed
// JSON gets one lenient repair pass before giving up.
func DecodeEvent(data []byte) (*breadcrumb.Event, error) {
	var ev breadcrumb.Event
	if err := json.Unmarshal(data, &ev); err == nil {
		return &ev, nil
	}

	repaired := RepairJSON(data)
	if err := json.Unmarshal(repaired, &ev); err != nil {
		return nil, fmt.Errorf("undecodable event frame: %w", err)
	}
	return &ev, nil
}

// RepairJSON fixes the malformations intermediaries are known to
// produce: duplicate commas, trailing commas, unterminated strings, and
// unclosed objects or arrays. It never touches well-formed input
// regions; the result is best-effort and still goes through the real
// parser.
func RepairJSON(data []byte) []byte {
	out := make([]byte, 0, len(data)+4)
	inString := false
	escaped := false
	var stack []byte

	for i := 0; i < len(data); i++ {
		ch := data[i]

		if inString {
			out = append(out, ch)
			if escaped {
				escaped = false
				continue
			}
			switch ch {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
			out = append(out, ch)
		case '{', '[':
			stack = append(stack, ch)
			out = append(out, ch)
		case '}', ']':
			// Drop a trailing comma the parser would reject.
			out = trimTrailingComma(out)
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			out = append(out, ch)
		case ',':
			// Collapse duplicate commas.
			if j := lastNonSpace(out); j >= 0 && out[j] == ',' {
				continue
			}
			out = append(out, ch)
		default:
			out = append(out, ch)
		}
	}

	// Terminate a dangling string.
	if inString {
		if escaped {
			out = append(out, '\\')
		}
		out = append(out, '"')
	}

	// Close whatever is still open, innermost first.
	out = trimTrailingComma(out)
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			out = append(out, '}')
		} else {
			out = append(out, ']')
		}
	}

	return out
}

func lastNonSpace(b []byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return i
	}
	return -1
}

func trimTrailingComma(b []byte) []byte {
	if j := lastNonSpace(b); j >= 0 && b[j] == ',' {
		return b[:j]
	}
	return b
}
