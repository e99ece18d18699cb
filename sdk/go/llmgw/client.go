// Package llmgw provides a typed Go client for the OpenLLM-Gateway REST
// API, covering chat, streaming, session management and the knowledge
// base endpoints.
package llmgw

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Pass a client without a timeout for long-lived streams.
const DefaultHTTPTimeout = 60 * time.Second

// Client wraps the HTTP interactions with the gateway REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// ChatRequest is the payload for both synchronous and streaming chat.
type ChatRequest struct {
	SessionID   string  `json:"session_id"`
	Message     string  `json:"message"`
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatResult is the response of a synchronous chat call.
type ChatResult struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Model     string `json:"model"`
	Usage     Usage  `json:"usage"`
}

// Message is one entry of a session history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamEvent is one fragment of a streamed reply. A non-nil Err means
// the stream failed mid-flight and no further events will follow.
type StreamEvent struct {
	Content string
	Err     error
}

// ProviderInfo describes one registered provider.
type ProviderInfo struct {
	Name         string `json:"name"`
	DefaultModel string `json:"default_model"`
}

// KnowledgeStats summarizes the knowledge base after an ingestion.
type KnowledgeStats struct {
	RequestID   string `json:"request_id"`
	AddedChunks int    `json:"added_chunks"`
	Documents   int    `json:"documents"`
	Chunks      int    `json:"chunks"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("llmgw api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("llmgw api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the gateway API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Chat performs a synchronous chat turn on a session.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	var result ChatResult
	if err := c.post(ctx, "/api/v1/chat", req, &result); err != nil {
		return ChatResult{}, err
	}
	return result, nil
}

// ChatStream performs a streaming chat turn. Events arrive on the
// returned channel; the channel closes when the stream ends.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		inErrorEvent := false
		for scanner.Scan() {
			line := scanner.Text()
			if line == "event: error" {
				inErrorEvent = true
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}
			if inErrorEvent {
				var payload struct {
					Error struct {
						Code    string `json:"code"`
						Message string `json:"message"`
					} `json:"error"`
				}
				_ = json.Unmarshal([]byte(data), &payload)
				c.send(ctx, out, StreamEvent{Err: &APIError{
					StatusCode: resp.StatusCode,
					Code:       payload.Error.Code,
					Message:    payload.Error.Message,
				}})
				return
			}
			var chunk struct {
				Content string `json:"content"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if !c.send(ctx, out, StreamEvent{Content: chunk.Content}) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			c.send(ctx, out, StreamEvent{Err: fmt.Errorf("read stream: %w", err)})
		}
	}()
	return out, nil
}

// History fetches the message history of a session.
func (c *Client) History(ctx context.Context, sessionID string) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	endpoint := "/api/v1/chat/sessions/" + url.PathEscape(sessionID)
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// ClearSession deletes the history of a session.
func (c *Client) ClearSession(ctx context.Context, sessionID string) error {
	endpoint := "/api/v1/chat/sessions/" + url.PathEscape(sessionID)
	req, err := c.newRequest(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// Providers lists the registered providers and their default models.
func (c *Client) Providers(ctx context.Context) ([]ProviderInfo, error) {
	var out struct {
		Providers []ProviderInfo `json:"providers"`
	}
	if err := c.get(ctx, "/api/v1/providers", &out); err != nil {
		return nil, err
	}
	return out.Providers, nil
}

// AddDocument ingests one document into the knowledge base.
func (c *Client) AddDocument(ctx context.Context, document string) (KnowledgeStats, error) {
	var stats KnowledgeStats
	payload := map[string]string{"document": document}
	if err := c.post(ctx, "/api/v1/knowledge/documents", payload, &stats); err != nil {
		return KnowledgeStats{}, err
	}
	return stats, nil
}

// QueryKnowledge runs a retrieval-augmented query against the knowledge base.
func (c *Client) QueryKnowledge(ctx context.Context, question string) (string, error) {
	var out struct {
		Answer string `json:"answer"`
	}
	payload := map[string]string{"question": question}
	if err := c.post(ctx, "/api/v1/knowledge/query", payload, &out); err != nil {
		return "", err
	}
	return out.Answer, nil
}

func (c *Client) send(ctx context.Context, out chan<- StreamEvent, event StreamEvent) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		var wrapped struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Error.Message != "" {
			apiErr.Code = wrapped.Error.Code
			apiErr.Message = wrapped.Error.Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
