package brain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/parley/internal/reliability"
)

// StatusError reports a non-2xx answer from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("brain http status %d: %s", e.Code, e.Body)
}

// HTTPAdapter forwards requests to an HTTP endpoint that answers with SSE,
// NDJSON or a single JSON body.
type HTTPAdapter struct {
	url        string
	token      string
	strict     bool
	client     *http.Client
	maxRetries int
	backoff    reliability.Backoff
}

type HTTPOption func(*HTTPAdapter)

// WithStrictStream makes invalid JSON stream lines fatal instead of raw text.
func WithStrictStream(strict bool) HTTPOption {
	return func(a *HTTPAdapter) { a.strict = strict }
}

func WithBearerToken(token string) HTTPOption {
	return func(a *HTTPAdapter) { a.token = strings.TrimSpace(token) }
}

// WithRetries retries retryable statuses and transport errors up to n times.
// Retries only happen before any response body has been consumed.
func WithRetries(n int, b reliability.Backoff) HTTPOption {
	return func(a *HTTPAdapter) {
		a.maxRetries = n
		a.backoff = b
	}
}

func WithTimeout(d time.Duration) HTTPOption {
	return func(a *HTTPAdapter) { a.client.Timeout = d }
}

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(a *HTTPAdapter) { a.client = c }
}

func NewHTTPAdapter(url string, opts ...HTTPOption) *HTTPAdapter {
	a := &HTTPAdapter{
		url:     strings.TrimSpace(url),
		client:  &http.Client{Timeout: 60 * time.Second},
		backoff: reliability.Backoff{Base: 200 * time.Millisecond, Cap: 2 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *HTTPAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	res, err := a.send(ctx, payload)
	if err != nil {
		return Response{}, err
	}
	defer res.Body.Close()

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		return a.consumeSSE(res.Body, onDelta)
	case strings.Contains(ct, "application/x-ndjson"):
		return a.consumeNDJSON(res.Body, onDelta)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	var obj map[string]any
	text := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &obj); err == nil {
		text = extractText(obj)
	}
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

func (a *HTTPAdapter) send(ctx context.Context, payload []byte) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")
		if a.token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+a.token)
		}

		res, err := a.client.Do(httpReq)
		if err != nil {
			if attempt < a.maxRetries && reliability.IsRetryableError(err) {
				if werr := a.backoff.Wait(ctx, attempt); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, fmt.Errorf("send request: %w", err)
		}

		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return res, nil
		}

		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		statusErr := &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
		if attempt < a.maxRetries && reliability.IsRetryableHTTPStatus(res.StatusCode) {
			if werr := a.backoff.Wait(ctx, attempt); werr != nil {
				return nil, werr
			}
			continue
		}
		return nil, statusErr
	}
}

func (a *HTTPAdapter) consumeSSE(body io.Reader, onDelta DeltaHandler) (Response, error) {
	scanner := newLineScanner(body)

	var out strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			// Blank separators, comments and event/id fields carry no text.
			continue
		}
		data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		if strings.TrimSpace(data) == "[DONE]" {
			break
		}
		delta, err := a.decodeLine(data)
		if err != nil {
			return Response{}, err
		}
		if err := emit(&out, delta, onDelta); err != nil {
			return Response{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("stream read: %w", err)
	}
	return Response{Text: out.String()}, nil
}

func (a *HTTPAdapter) consumeNDJSON(body io.Reader, onDelta DeltaHandler) (Response, error) {
	scanner := newLineScanner(body)

	var out strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.TrimSpace(line) == "[DONE]" {
			break
		}
		delta, err := a.decodeLine(line)
		if err != nil {
			return Response{}, err
		}
		if err := emit(&out, delta, onDelta); err != nil {
			return Response{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("stream read: %w", err)
	}
	return Response{Text: out.String()}, nil
}

func (a *HTTPAdapter) decodeLine(line string) (string, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		if a.strict {
			return "", fmt.Errorf("invalid stream payload %q: %w", line, err)
		}
		return line, nil
	}
	return extractText(obj), nil
}

func emit(out *strings.Builder, delta string, onDelta DeltaHandler) error {
	if delta == "" {
		return nil
	}
	out.WriteString(delta)
	if onDelta == nil {
		return nil
	}
	return onDelta(delta)
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return scanner
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "content", "message"} {
		if s, ok := obj[k].(string); ok {
			return s
		}
	}
	// OpenAI-style chunk: {"choices":[{"delta":{"content":"..."}}]}
	if choices, ok := obj["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			for _, k := range []string{"delta", "message"} {
				if inner, ok := choice[k].(map[string]any); ok {
					if s, ok := inner["content"].(string); ok {
						return s
					}
				}
			}
		}
	}
	return ""
}
