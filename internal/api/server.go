package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"OpenLLM-Gateway/internal/chat"
	xerrors "OpenLLM-Gateway/internal/errors"
	"OpenLLM-Gateway/internal/llm"
	"OpenLLM-Gateway/internal/observability/alerting"
	"OpenLLM-Gateway/internal/observability/metrics"
	"OpenLLM-Gateway/internal/rag"
	"OpenLLM-Gateway/pkg/logger"
)

// Server 负责暴露 REST 接口，是网关的对外入口。
type Server struct {
	addr    string
	chat    *chat.Service
	rag     *rag.Engine
	alerter alerting.Dispatcher
}

// Option 定义可选的 Server 配置。
type Option func(*Server)

// WithRAGEngine 挂载知识库引擎，启用 /knowledge 路由。
func WithRAGEngine(engine *rag.Engine) Option {
	return func(s *Server) {
		s.rag = engine
	}
}

// WithAlerter 设置告警分发器。
func WithAlerter(dispatcher alerting.Dispatcher) Option {
	return func(s *Server) {
		s.alerter = dispatcher
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, chatSvc *chat.Service, opts ...Option) *Server {
	srv := &Server{addr: addr, chat: chatSvc}
	for _, opt := range opts {
		if opt != nil {
			opt(srv)
		}
	}
	return srv
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.L().Info("API 服务已启动", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// routes 组装全部路由。
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chat", s.instrument("chat", s.handleChat))
	mux.HandleFunc("POST /api/v1/chat/stream", s.instrument("chat_stream", s.handleChatStream))
	mux.HandleFunc("GET /api/v1/chat/sessions/{id}", s.instrument("session_history", s.handleSessionHistory))
	mux.HandleFunc("DELETE /api/v1/chat/sessions/{id}", s.instrument("session_clear", s.handleSessionClear))
	mux.HandleFunc("GET /api/v1/providers", s.instrument("providers", s.handleProviders))
	mux.HandleFunc("POST /api/v1/knowledge/documents", s.instrument("knowledge_add", s.handleKnowledgeAdd))
	mux.HandleFunc("POST /api/v1/knowledge/query", s.instrument("knowledge_query", s.handleKnowledgeQuery))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// chatResponse 是同步对话接口的响应体。
type chatResponse struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Model     string `json:"model"`
	Usage     struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDOf(r)

	var turn chat.Turn
	if err := json.NewDecoder(r.Body).Decode(&turn); err != nil {
		s.writeError(w, requestID, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}

	resp, err := s.chat.Chat(r.Context(), turn)
	if err != nil {
		s.dispatchAlert(r.Context(), err, turn.Provider, turn.SessionID)
		s.writeError(w, requestID, err)
		return
	}

	out := chatResponse{
		RequestID: requestID,
		SessionID: turn.SessionID,
		Content:   resp.Content,
		Model:     resp.Model,
	}
	out.Usage.PromptTokens = resp.Usage.PromptTokens
	out.Usage.CompletionTokens = resp.Usage.CompletionTokens
	writeJSON(w, http.StatusOK, out)
}

// handleChatStream 以 SSE 转发流式回复。每个内容片段一条 data 事件，
// 流中途失败时发送一条 error 事件，正常结束以 [DONE] 收尾。
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDOf(r)

	var turn chat.Turn
	if err := json.NewDecoder(r.Body).Decode(&turn); err != nil {
		s.writeError(w, requestID, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, requestID, xerrors.New(xerrors.CodeUnknown, "当前连接不支持流式输出"))
		return
	}

	events, err := s.chat.StreamChat(r.Context(), turn)
	if err != nil {
		s.dispatchAlert(r.Context(), err, turn.Provider, turn.SessionID)
		s.writeError(w, requestID, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	encoder := json.NewEncoder(w)
	for event := range events {
		if event.Err != nil {
			s.dispatchAlert(r.Context(), event.Err, turn.Provider, turn.SessionID)
			_, _ = w.Write([]byte("event: error\ndata: "))
			_ = encoder.Encode(errorBody(requestID, event.Err))
			_, _ = w.Write([]byte("\n"))
			flusher.Flush()
			return
		}
		_, _ = w.Write([]byte("data: "))
		_ = encoder.Encode(map[string]string{"content": event.Content})
		_, _ = w.Write([]byte("\n"))
		flusher.Flush()
	}
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDOf(r)
	sessionID := r.PathValue("id")

	history, err := s.chat.History(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, requestID, err)
		return
	}
	if history == nil {
		history = []llm.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": requestID,
		"session_id": sessionID,
		"messages":   history,
	})
}

func (s *Server) handleSessionClear(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDOf(r)
	sessionID := r.PathValue("id")

	if err := s.chat.ClearSession(r.Context(), sessionID); err != nil {
		s.writeError(w, requestID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	type providerInfo struct {
		Name         string `json:"name"`
		DefaultModel string `json:"default_model"`
	}
	providers := s.chat.Providers()
	infos := make([]providerInfo, 0, len(providers))
	for _, name := range providers {
		infos = append(infos, providerInfo{Name: name, DefaultModel: s.chat.DefaultModel(name)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": infos})
}

func (s *Server) handleKnowledgeAdd(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDOf(r)
	if s.rag == nil {
		s.writeError(w, requestID, xerrors.New(xerrors.CodeInitializationFailure, "知识库未启用"))
		return
	}

	var req struct {
		Document string `json:"document"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, requestID, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}

	added, err := s.rag.AddDocument(r.Context(), req.Document)
	if err != nil {
		s.dispatchAlert(r.Context(), err, "", "")
		s.writeError(w, requestID, err)
		return
	}

	docs, chunks := s.rag.Stats()
	writeJSON(w, http.StatusCreated, map[string]any{
		"request_id":   requestID,
		"added_chunks": added,
		"documents":    docs,
		"chunks":       chunks,
	})
}

func (s *Server) handleKnowledgeQuery(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDOf(r)
	if s.rag == nil {
		s.writeError(w, requestID, xerrors.New(xerrors.CodeInitializationFailure, "知识库未启用"))
		return
	}

	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, requestID, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}

	answer, err := s.rag.Query(r.Context(), req.Question)
	if err != nil {
		s.dispatchAlert(r.Context(), err, "", "")
		s.writeError(w, requestID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": requestID,
		"answer":     answer,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument 为处理器记录请求量与时延指标。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

// statusRecorder 捕获写出的状态码，同时透传 Flusher 以支持 SSE。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *Server) dispatchAlert(ctx context.Context, err error, provider, sessionID string) {
	if s.alerter == nil {
		return
	}
	event, ok := alerting.FromError(err, provider, sessionID)
	if !ok {
		return
	}
	if notifyErr := s.alerter.Notify(ctx, event); notifyErr != nil {
		logger.L().Warn("告警发送失败", "error", notifyErr)
	}
}

// errorPayload 是统一的错误响应体。
type errorPayload struct {
	RequestID string `json:"request_id,omitempty"`
	Error     struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorBody(requestID string, err error) errorPayload {
	payload := errorPayload{RequestID: requestID}
	payload.Error.Code = string(xerrors.CodeOf(err))
	payload.Error.Message = err.Error()
	return payload
}

func (s *Server) writeError(w http.ResponseWriter, requestID string, err error) {
	writeJSON(w, statusOf(err), errorBody(requestID, err))
}

// statusOf 把网关错误码映射为 HTTP 状态码。
func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeUnknownProvider:
		return http.StatusNotFound
	case xerrors.CodeKeyNotConfigured, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeProviderFailure, xerrors.CodeEmbeddingFailure, xerrors.CodeRetriesExhausted:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// requestIDOf 读取调用方携带的请求标识，没有则生成一个。
func requestIDOf(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
