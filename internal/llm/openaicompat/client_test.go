package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "OpenLLM-Gateway/internal/errors"
	"OpenLLM-Gateway/internal/keys"
	"OpenLLM-Gateway/internal/llm"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		Provider: "deepseek",
		APIKey:   "test",
		BaseURL:  baseURL,
		Model:    "deepseek-chat",
		Timeout:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return client
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "http://x", Model: "m"}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
	if _, err := NewClient(Config{APIKey: "k", Model: "m"}); err == nil {
		t.Fatalf("expected error when base url is missing")
	}
	if _, err := NewClient(Config{APIKey: "k", BaseURL: "http://x"}); err == nil {
		t.Fatalf("expected error when model is missing")
	}
}

func TestChatSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Organization  string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		captured.Organization = r.Header.Get("OpenAI-Organization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "deepseek-chat",
			"choices": []map[string]any{
				{
					"message":       map[string]any{"content": "你好"},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		Provider:     "openai",
		APIKey:       "test",
		BaseURL:      srv.URL,
		Model:        "deepseek-chat",
		ExtraHeaders: map[string]string{"OpenAI-Organization": "org-1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := client.Chat(context.Background(), llm.ChatRequest{
		Messages:    []llm.Message{llm.User("测试")},
		Temperature: 0.7,
		MaxTokens:   128,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != "你好" || resp.FinishReason != "stop" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 3 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Organization != "org-1" {
		t.Fatalf("extra header missing: %q", captured.Organization)
	}
	if captured.Body["model"] != "deepseek-chat" {
		t.Fatalf("model field missing in request: %v", captured.Body)
	}
	if captured.Body["stream"] != nil {
		t.Fatalf("stream must not be set for sync call: %v", captured.Body)
	}
}

func TestChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Chat(context.Background(), llm.ChatRequest{Messages: []llm.Message{llm.User("hi")}})
	if err == nil {
		t.Fatalf("expected error for 400 response")
	}
	if xerrors.CodeOf(err) != xerrors.CodeProviderFailure {
		t.Fatalf("expected PROVIDER_FAILURE, got %v", err)
	}
	if !strings.Contains(err.Error(), "400") {
		t.Fatalf("status code missing from error: %v", err)
	}
}

func TestChatMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Chat(context.Background(), llm.ChatRequest{Messages: []llm.Message{llm.User("hi")}})
	if xerrors.CodeOf(err) != xerrors.CodeProviderFailure {
		t.Fatalf("expected PROVIDER_FAILURE for empty choices, got %v", err)
	}
}

func TestChatTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		Provider: "deepseek",
		APIKey:   "test",
		BaseURL:  srv.URL,
		Model:    "deepseek-chat",
		Timeout:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.Chat(context.Background(), llm.ChatRequest{Messages: []llm.Message{llm.User("hi")}})
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func writeStreamLines(t *testing.T, w http.ResponseWriter, lines []string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, ok := w.(http.Flusher)
	if !ok {
		t.Errorf("response writer does not support flushing")
		return
	}
	for _, line := range lines {
		_, _ = fmt.Fprintf(w, "%s\n\n", line)
		flusher.Flush()
	}
}

func collectStream(t *testing.T, events <-chan llm.StreamEvent) ([]string, error) {
	t.Helper()
	var fragments []string
	for event := range events {
		if event.Err != nil {
			return fragments, event.Err
		}
		fragments = append(fragments, event.Content)
	}
	return fragments, nil
}

func TestStreamChatTerminatesAtDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("stream flag missing in request: %v", body)
		}
		writeStreamLines(t, w, []string{
			`data: {"choices":[{"delta":{"content":"你"}}]}`,
			`data: {"choices":[{"delta":{"content":"好"}}]}`,
			`data: {"choices":[{"delta":{"content":"！"}}]}`,
			`data: [DONE]`,
			`data: {"choices":[{"delta":{"content":"ghost"}}]}`,
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	events, err := client.StreamChat(context.Background(), llm.ChatRequest{Messages: []llm.Message{llm.User("hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fragments, streamErr := collectStream(t, events)
	if streamErr != nil {
		t.Fatalf("unexpected stream error: %v", streamErr)
	}
	if len(fragments) != 3 {
		t.Fatalf("expected exactly 3 fragments, got %d: %v", len(fragments), fragments)
	}
	if strings.Join(fragments, "") != "你好！" {
		t.Fatalf("unexpected content: %v", fragments)
	}
}

func TestStreamChatSkipsMalformedLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeStreamLines(t, w, []string{
			`data: {"choices":[{"delta":{"content":"a"}}]}`,
			`data: {not json`,
			`: keep-alive comment`,
			`data: {"choices":[]}`,
			`data: {"choices":[{"delta":{"content":"b"}}]}`,
			`data: [DONE]`,
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	events, err := client.StreamChat(context.Background(), llm.ChatRequest{Messages: []llm.Message{llm.User("hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fragments, streamErr := collectStream(t, events)
	if streamErr != nil {
		t.Fatalf("unexpected stream error: %v", streamErr)
	}
	if strings.Join(fragments, "") != "ab" {
		t.Fatalf("unexpected fragments: %v", fragments)
	}
}

func TestStreamChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	if _, err := client.StreamChat(context.Background(), llm.ChatRequest{Messages: []llm.Message{llm.User("hi")}}); err == nil {
		t.Fatalf("expected error for 429 response")
	}
}

func TestEmbedOrderAndCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		data := make([]map[string]any, len(payload.Input))
		for i := range payload.Input {
			data[i] = map[string]any{"embedding": []float64{float64(i), 1}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	vectors, err := client.Embed(context.Background(), "text-embedding-3-small", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vectors))
	}
	for i, vec := range vectors {
		if vec[0] != float64(i) {
			t.Fatalf("vectors out of order: %v", vectors)
		}
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"embedding":[1,2]}]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Embed(context.Background(), "", []string{"a", "b"})
	if xerrors.CodeOf(err) != xerrors.CodeProviderFailure {
		t.Fatalf("expected PROVIDER_FAILURE, got %v", err)
	}
}

func TestBuiltinsRegistered(t *testing.T) {
	reg := llm.NewRegistry(stubSource{})
	RegisterBuiltins(reg, time.Second)

	providers := reg.Providers()
	want := []string{"deepseek", "openai", "qianwen"}
	if len(providers) != len(want) {
		t.Fatalf("unexpected providers: %v", providers)
	}
	for i, name := range want {
		if providers[i] != name {
			t.Fatalf("unexpected providers: %v", providers)
		}
	}
	if reg.DefaultModel("qianwen") != "qwen-turbo" {
		t.Fatalf("unexpected default model: %s", reg.DefaultModel("qianwen"))
	}
}

type stubSource struct{}

func (stubSource) ProviderConfig(context.Context, string) (keys.ProviderConfig, error) {
	return keys.ProviderConfig{}, errors.New("not configured")
}
