package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenLLM-Gateway/sdk/go/llmgw"
)

// 演示 SDK 的基本用法。为了可以离线运行，这里用一个假网关代替真实服务。
func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chat", func(w http.ResponseWriter, r *http.Request) {
		var req llmgw.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(llmgw.ChatResult{
			RequestID: "req-demo",
			SessionID: req.SessionID,
			Content:   "你好！我能帮你做什么？",
			Model:     "deepseek-chat",
		})
	})
	mux.HandleFunc("POST /api/v1/chat/stream", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, fragment := range []string{"流", "式", "回", "复"} {
			fmt.Fprintf(w, "data: {\"content\":%q}\n\n", fragment)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	mux.HandleFunc("POST /api/v1/knowledge/query", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"answer": "根据知识库，答案是 42。"})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := llmgw.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := client.Chat(ctx, llmgw.ChatRequest{SessionID: "demo", Message: "你好"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("同步回复: %s (model=%s)\n", result.Content, result.Model)

	events, err := client.ChatStream(ctx, llmgw.ChatRequest{SessionID: "demo", Message: "再说一次"})
	if err != nil {
		panic(err)
	}
	fmt.Print("流式回复: ")
	for event := range events {
		if event.Err != nil {
			panic(event.Err)
		}
		fmt.Print(event.Content)
	}
	fmt.Println()

	answer, err := client.QueryKnowledge(ctx, "生命、宇宙以及一切的答案是什么？")
	if err != nil {
		panic(err)
	}
	fmt.Printf("知识库回答: %s\n", answer)
}
