package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "OpenLLM-Gateway/internal/errors"
	"OpenLLM-Gateway/internal/llm"
)

const (
	defaultTimeout = 60 * time.Second

	// streamDoneMarker 是流式响应的结束标记。
	streamDoneMarker = "[DONE]"
	streamDataPrefix = "data: "
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
// 各 Provider（OpenAI、DeepSeek、通义千问等）仅在默认模型与附加请求头上
// 存在差异，共享同一套 HTTP 协议实现。
type Config struct {
	Provider     string
	APIKey       string
	BaseURL      string
	Model        string
	Timeout      time.Duration
	ExtraHeaders map[string]string
}

// Client 通过 HTTP 调用 OpenAI 兼容接口提供的大模型能力。
type Client struct {
	provider     string
	apiKey       string
	baseURL      string
	model        string
	extraHeaders map[string]string
	httpClient   *http.Client
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeKeyNotConfigured, "未提供 API Key")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 Base URL")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供模型名称")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var headers map[string]string
	if len(cfg.ExtraHeaders) > 0 {
		headers = make(map[string]string, len(cfg.ExtraHeaders))
		for k, v := range cfg.ExtraHeaders {
			headers[k] = v
		}
	}

	return &Client{
		provider:     strings.TrimSpace(cfg.Provider),
		apiKey:       apiKey,
		baseURL:      baseURL,
		model:        model,
		extraHeaders: headers,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// chatPayload 是 /chat/completions 的请求体。
type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// chatResponse 是 /chat/completions 的非流式响应体。
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage llm.Usage `json:"usage"`
}

// streamChunk 是流式响应中单个 data 事件的结构。
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Chat 发起一次同步补全调用。
func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := c.post(ctx, "/chat/completions", c.buildBody(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, c.statusError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportError(err, "读取响应失败")
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "解析响应失败",
			xerrors.WithMetadata("provider", c.provider))
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeProviderFailure, "响应中没有有效的 choices",
			xerrors.WithMetadata("provider", c.provider))
	}

	model := decoded.Model
	if model == "" {
		model = c.model
	}

	return &llm.ChatResponse{
		Content:      decoded.Choices[0].Message.Content,
		Model:        model,
		Usage:        decoded.Usage,
		FinishReason: decoded.Choices[0].FinishReason,
		Raw:          json.RawMessage(raw),
	}, nil
}

// StreamChat 发起一次流式调用。返回的通道在收到结束标记或发生错误后关闭；
// 无法解析的行会被跳过而不会中断整个流。
func (c *Client) StreamChat(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	resp, err := c.post(ctx, "/chat/completions", c.buildBody(req, true))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, c.statusError(resp)
	}

	events := make(chan llm.StreamEvent)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, streamDataPrefix) {
				continue
			}
			data := strings.TrimPrefix(line, streamDataPrefix)
			if data == streamDoneMarker {
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				// 无法识别的事件直接跳过。
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			content := chunk.Choices[0].Delta.Content
			if content == "" {
				continue
			}

			select {
			case events <- llm.StreamEvent{Content: content}:
			case <-ctx.Done():
				select {
				case events <- llm.StreamEvent{Err: ctx.Err()}:
				default:
				}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			// 片段已经交付，错误只能以带内事件收尾。
			events <- llm.StreamEvent{Err: c.transportError(err, "读取流式响应失败")}
		}
	}()

	return events, nil
}

// embeddingPayload 是 /embeddings 的请求体。
type embeddingPayload struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embeddingResponse 是 /embeddings 的响应体，data 与输入同序。
type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed 调用向量化端点，返回与输入同序的向量列表。
func (c *Client) Embed(ctx context.Context, model string, inputs []string) ([][]float64, error) {
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(embeddingPayload{Model: model, Input: inputs})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化向量化请求失败")
	}

	resp, err := c.post(ctx, "/embeddings", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, c.statusError(resp)
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "解析向量化响应失败",
			xerrors.WithMetadata("provider", c.provider))
	}
	if len(decoded.Data) != len(inputs) {
		return nil, xerrors.New(xerrors.CodeProviderFailure,
			fmt.Sprintf("向量数量与输入不符: %d != %d", len(decoded.Data), len(inputs)),
			xerrors.WithMetadata("provider", c.provider))
	}

	vectors := make([][]float64, len(decoded.Data))
	for i, item := range decoded.Data {
		vectors[i] = item.Embedding
	}
	return vectors, nil
}

func (c *Client) buildBody(req llm.ChatRequest, stream bool) []byte {
	payload := chatPayload{
		Model:       c.model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}

	if len(req.Extra) == 0 {
		encoded, _ := json.Marshal(payload)
		return encoded
	}

	// 透传参数与固定字段合并为一个对象。
	merged := make(map[string]any, len(req.Extra)+5)
	for k, v := range req.Extra {
		merged[k] = v
	}
	base, _ := json.Marshal(payload)
	_ = json.Unmarshal(base, &merged)
	encoded, _ := json.Marshal(merged)
	return encoded
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "构建请求失败",
			xerrors.WithMetadata("provider", c.provider))
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.extraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(err, "请求 Provider 失败")
	}
	return resp, nil
}

// statusError 把非 2xx 状态转换为统一错误，附带响应体片段便于排查。
func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return xerrors.New(xerrors.CodeProviderFailure,
		fmt.Sprintf("Provider 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		xerrors.WithMetadata("provider", c.provider))
}

// transportError 区分超时与其他网络错误。
func (c *Client) transportError(err error, message string) error {
	code := xerrors.CodeProviderFailure
	if stdErrors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		code = xerrors.CodeTimeout
	}
	return xerrors.Wrap(code, err, message, xerrors.WithMetadata("provider", c.provider))
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return stdErrors.As(err, &t) && t.Timeout()
}

var (
	_ llm.Client   = (*Client)(nil)
	_ llm.Embedder = (*Client)(nil)
)
