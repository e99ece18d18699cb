package llmgw

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChatDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.SessionID != "s1" || req.Message != "你好" {
			t.Errorf("unexpected request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(ChatResult{
			RequestID: "req-1",
			SessionID: "s1",
			Content:   "你好！",
			Model:     "deepseek-chat",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	result, err := client.Chat(context.Background(), ChatRequest{SessionID: "s1", Message: "你好"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if result.Content != "你好！" || result.RequestID != "req-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestChatSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"UNKNOWN_PROVIDER","message":"未注册的 Provider"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Chat(context.Background(), ChatRequest{SessionID: "s1", Message: "hi"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "UNKNOWN_PROVIDER" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestChatStreamCollectsFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, fragment := range []string{"你", "好"} {
			_, _ = w.Write([]byte(`data: {"content":"` + fragment + `"}` + "\n\n"))
			flusher.Flush()
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	events, err := client.ChatStream(context.Background(), ChatRequest{SessionID: "s1", Message: "hi"})
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}

	var got string
	for event := range events {
		if event.Err != nil {
			t.Fatalf("unexpected stream error: %v", event.Err)
		}
		got += event.Content
	}
	if got != "你好" {
		t.Fatalf("unexpected streamed content: %s", got)
	}
}

func TestChatStreamErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte(`data: {"content":"部分"}` + "\n\n"))
		_, _ = w.Write([]byte("event: error\ndata: " + `{"error":{"code":"PROVIDER_FAILURE","message":"上游断流"}}` + "\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	events, err := client.ChatStream(context.Background(), ChatRequest{SessionID: "s1", Message: "hi"})
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}

	var streamErr error
	for event := range events {
		if event.Err != nil {
			streamErr = event.Err
		}
	}
	var apiErr *APIError
	if !errors.As(streamErr, &apiErr) || apiErr.Code != "PROVIDER_FAILURE" {
		t.Fatalf("expected in-band PROVIDER_FAILURE, got %v", streamErr)
	}
}

func TestSessionHelpers(t *testing.T) {
	cleared := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/chat/sessions/s1":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"messages": []Message{{Role: "user", Content: "hi"}},
			})
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/chat/sessions/s1":
			cleared = true
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	messages, err := client.History(context.Background(), "s1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "hi" {
		t.Fatalf("unexpected history: %+v", messages)
	}

	if err := client.ClearSession(context.Background(), "s1"); err != nil {
		t.Fatalf("clear session: %v", err)
	}
	if !cleared {
		t.Fatal("expected DELETE call to reach the server")
	}
}

func TestKnowledgeHelpers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/knowledge/documents":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(KnowledgeStats{AddedChunks: 2, Documents: 1, Chunks: 2})
		case "/api/v1/knowledge/query":
			_ = json.NewEncoder(w).Encode(map[string]string{"answer": "知识库回答"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	stats, err := client.AddDocument(context.Background(), "一篇文档")
	if err != nil {
		t.Fatalf("add document: %v", err)
	}
	if stats.AddedChunks != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	answer, err := client.QueryKnowledge(context.Background(), "问题")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if answer != "知识库回答" {
		t.Fatalf("unexpected answer: %s", answer)
	}
}
