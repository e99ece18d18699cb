package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	xerrors "OpenLLM-Gateway/internal/errors"
	"OpenLLM-Gateway/internal/llm"
	"OpenLLM-Gateway/internal/observability/metrics"
	"OpenLLM-Gateway/internal/session"
	"OpenLLM-Gateway/internal/tokens"
	"OpenLLM-Gateway/pkg/logger"
)

// Turn 描述一次会话请求。Provider、Model 等字段为空时回退到服务默认值。
type Turn struct {
	SessionID   string  `json:"session_id"`
	Message     string  `json:"message"`
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Service 协调 Provider 调用、会话历史与上下文预算，是对话侧的业务核心。
type Service struct {
	registry *llm.Registry
	store    session.Store

	defaultProvider string
	defaultModel    string
	systemPrompt    string
	temperature     float64
	maxTokens       int
	contextTokens   int
	timeout         time.Duration

	// 同一会话的并发请求串行执行，避免历史交叉写入。
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// Option 定义可选的 Service 配置。
type Option func(*Service)

const (
	defaultTemperature   = 0.7
	defaultMaxTokens     = 2048
	defaultContextTokens = 3072
)

// WithSystemPrompt 设置注入每次调用的 system 提示词。
func WithSystemPrompt(prompt string) Option {
	return func(s *Service) {
		s.systemPrompt = prompt
	}
}

// WithTemperature 设置默认采样温度。
func WithTemperature(temperature float64) Option {
	return func(s *Service) {
		if temperature > 0 {
			s.temperature = temperature
		}
	}
}

// WithMaxTokens 设置默认的单次回复 token 上限。
func WithMaxTokens(maxTokens int) Option {
	return func(s *Service) {
		if maxTokens > 0 {
			s.maxTokens = maxTokens
		}
	}
}

// WithContextTokens 设置发送给 Provider 的上下文 token 预算。
func WithContextTokens(budget int) Option {
	return func(s *Service) {
		if budget > 0 {
			s.contextTokens = budget
		}
	}
}

// WithTimeout 设置同步调用大模型的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// NewService 创建对话服务。provider 与 model 为全局默认值，
// 单次请求可以通过 Turn 覆盖。
func NewService(registry *llm.Registry, store session.Store, provider, model string, opts ...Option) *Service {
	svc := &Service{
		registry:        registry,
		store:           store,
		defaultProvider: provider,
		defaultModel:    model,
		temperature:     defaultTemperature,
		maxTokens:       defaultMaxTokens,
		contextTokens:   defaultContextTokens,
		locks:           make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Chat 执行一轮带历史的同步对话：先落存用户消息，再携带截断后的
// 历史调用 Provider，成功后落存助手回复。
func (s *Service) Chat(ctx context.Context, turn Turn) (*llm.ChatResponse, error) {
	if err := s.validateTurn(turn); err != nil {
		return nil, err
	}

	lock := s.sessionLock(turn.SessionID)
	lock.Lock()
	defer lock.Unlock()

	client, provider, err := s.createClient(ctx, turn)
	if err != nil {
		return nil, err
	}

	// 用户消息先进历史，即使后续调用失败也保留这轮输入。
	if err := s.store.AddMessage(ctx, turn.SessionID, llm.RoleUser, turn.Message); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "写入会话历史失败")
	}

	messages, err := s.assembleContext(ctx, turn.SessionID)
	if err != nil {
		return nil, err
	}

	llmCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := client.Chat(llmCtx, s.buildRequest(turn, messages))
	metrics.ObserveProviderCall(provider, "chat", err, time.Since(start))
	if err != nil {
		return nil, err
	}

	if err := s.store.AddMessage(ctx, turn.SessionID, llm.RoleAssistant, resp.Content); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "写入会话历史失败")
	}
	return resp, nil
}

// StreamChat 执行一轮带历史的流式对话。事件通道关闭前会话锁保持持有；
// 只有流正常结束时，拼接出的完整回复才会写入历史。
func (s *Service) StreamChat(ctx context.Context, turn Turn) (<-chan llm.StreamEvent, error) {
	if err := s.validateTurn(turn); err != nil {
		return nil, err
	}

	lock := s.sessionLock(turn.SessionID)
	lock.Lock()

	client, provider, err := s.createClient(ctx, turn)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	if err := s.store.AddMessage(ctx, turn.SessionID, llm.RoleUser, turn.Message); err != nil {
		lock.Unlock()
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "写入会话历史失败")
	}

	messages, err := s.assembleContext(ctx, turn.SessionID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	start := time.Now()
	events, err := client.StreamChat(ctx, s.buildRequest(turn, messages))
	metrics.ObserveProviderCall(provider, "stream", err, time.Since(start))
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	out := make(chan llm.StreamEvent)
	go func() {
		defer close(out)
		defer lock.Unlock()

		var reply strings.Builder
		failed := false
		for event := range events {
			if event.Err != nil {
				failed = true
			} else {
				reply.WriteString(event.Content)
			}
			select {
			case out <- event:
			case <-ctx.Done():
				// 消费方已放弃，不再落存不完整的回复。
				return
			}
		}
		metrics.ObserveStream(failed)
		if failed {
			return
		}
		if err := s.store.AddMessage(ctx, turn.SessionID, llm.RoleAssistant, reply.String()); err != nil {
			logger.L().Error("流式回复写入会话历史失败",
				"session_id", turn.SessionID, "error", err)
		}
	}()
	return out, nil
}

// ChatOnce 执行一次无状态补全，不读写任何会话历史。
// temperature 与 maxTokens 不大于 0 时使用服务默认值。
func (s *Service) ChatOnce(ctx context.Context, provider, model string, messages []llm.Message, temperature float64, maxTokens int) (*llm.ChatResponse, error) {
	if len(messages) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "消息列表不能为空")
	}
	if provider == "" {
		provider = s.defaultProvider
	}
	if model == "" && provider == s.defaultProvider {
		model = s.defaultModel
	}
	if temperature <= 0 {
		temperature = s.temperature
	}
	if maxTokens <= 0 {
		maxTokens = s.maxTokens
	}

	client, err := s.registry.Create(ctx, provider, model)
	if err != nil {
		return nil, err
	}

	llmCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := client.Chat(llmCtx, llm.ChatRequest{
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	metrics.ObserveProviderCall(provider, "chat", err, time.Since(start))
	return resp, err
}

// Complete 以服务默认参数执行一次无状态补全，供检索问答等内部调用方使用。
func (s *Service) Complete(ctx context.Context, provider, model string, messages []llm.Message) (*llm.ChatResponse, error) {
	return s.ChatOnce(ctx, provider, model, messages, 0, 0)
}

// History 返回指定会话的历史消息。
func (s *Service) History(ctx context.Context, sessionID string) ([]llm.Message, error) {
	if sessionID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话标识不能为空")
	}
	messages, err := s.store.History(ctx, sessionID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "读取会话历史失败")
	}
	return messages, nil
}

// ClearSession 清空指定会话的历史。清空不存在的会话不报错。
func (s *Service) ClearSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话标识不能为空")
	}
	if err := s.store.Clear(ctx, sessionID); err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "清空会话历史失败")
	}
	return nil
}

// Providers 返回当前可用的 Provider 标识。
func (s *Service) Providers() []string {
	return s.registry.Providers()
}

// DefaultModel 返回某个 Provider 的默认模型。
func (s *Service) DefaultModel(provider string) string {
	return s.registry.DefaultModel(provider)
}

func (s *Service) validateTurn(turn Turn) error {
	if turn.SessionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话标识不能为空")
	}
	if strings.TrimSpace(turn.Message) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息内容不能为空")
	}
	return nil
}

func (s *Service) createClient(ctx context.Context, turn Turn) (llm.Client, string, error) {
	provider := turn.Provider
	if provider == "" {
		provider = s.defaultProvider
	}
	model := turn.Model
	if model == "" && provider == s.defaultProvider {
		model = s.defaultModel
	}
	client, err := s.registry.Create(ctx, provider, model)
	return client, provider, err
}

// assembleContext 读取会话历史并按上下文预算截断，system 提示词始终保留。
func (s *Service) assembleContext(ctx context.Context, sessionID string) ([]llm.Message, error) {
	history, err := s.store.History(ctx, sessionID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "读取会话历史失败")
	}

	messages := make([]llm.Message, 0, len(history)+1)
	if s.systemPrompt != "" {
		messages = append(messages, llm.System(s.systemPrompt))
	}
	messages = append(messages, history...)

	return tokens.Truncate(messages, s.contextTokens, true), nil
}

func (s *Service) buildRequest(turn Turn, messages []llm.Message) llm.ChatRequest {
	temperature := turn.Temperature
	if temperature <= 0 {
		temperature = s.temperature
	}
	maxTokens := turn.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.maxTokens
	}
	return llm.ChatRequest{
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
}

func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}
