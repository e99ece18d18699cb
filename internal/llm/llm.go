package llm

import (
	"context"
	"encoding/json"
)

// 对话角色。所有 Provider 共用同一套取值。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 表示一轮对话中的单条消息，创建后不再修改。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// System 构造 system 角色消息。
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// User 构造 user 角色消息。
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Assistant 构造 assistant 角色消息。
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ChatRequest 描述一次对话补全调用的全部参数。
type ChatRequest struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// Extra 中的字段会原样并入请求体，供调用方透传 Provider 特有参数。
	Extra map[string]any
}

// Usage 记录一次调用消耗的 token 数。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatResponse 是大模型一次完整调用的归一化结果，只读。
type ChatResponse struct {
	Content      string          `json:"content"`
	Model        string          `json:"model"`
	Usage        Usage           `json:"usage"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// StreamEvent 是流式调用产出的单个事件。正常事件携带文本片段；
// 流中途失败时以带 Err 的事件收尾，随后通道关闭，不再抛出错误。
type StreamEvent struct {
	Content string
	Err     error
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	// Chat 发起一次同步补全调用。
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// StreamChat 发起一次流式调用，返回只读事件通道。
	// 通道是一次性的：重新消费需要再次调用 StreamChat。
	StreamChat(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)
}

// Embedder 定义了文本向量化能力。输入与输出按序一一对应。
type Embedder interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float64, error)
}
