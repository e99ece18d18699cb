// Package embedding wraps a provider embedder with input validation,
// batching and exponential-backoff retry. Vectors are returned in the
// same order as the input texts.
package embedding

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	xerrors "OpenLLM-Gateway/internal/errors"
	"OpenLLM-Gateway/internal/llm"
	"OpenLLM-Gateway/pkg/logger"
)

const (
	defaultBatchSize      = 16
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	// maxInputs 是单次调用接受的文本总数上限，与 OpenAI 接口的限制一致。
	maxInputs = 2048
)

// Client 对底层 Embedder 做批量切分与指数退避重试。
type Client struct {
	embedder       llm.Embedder
	model          string
	batchSize      int
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option 定义可选的 Client 配置。
type Option func(*Client)

// WithBatchSize 设置单次请求携带的最大文本数。
func WithBatchSize(size int) Option {
	return func(c *Client) {
		if size > 0 {
			c.batchSize = size
		}
	}
}

// WithRetry 设置重试次数与退避区间。退避时间逐次翻倍，不超过 max。
func WithRetry(maxAttempts int, initial, max time.Duration) Option {
	return func(c *Client) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if initial > 0 {
			c.initialBackoff = initial
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// NewClient 创建向量化客户端。
func NewClient(embedder llm.Embedder, model string, opts ...Option) *Client {
	client := &Client{
		embedder:       embedder,
		model:          model,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

// EmbedTexts 向量化一组文本。输入会按批量上限切分后逐批调用，
// 任何一批最终失败则整个调用失败。
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "待向量化文本不能为空")
	}
	if len(texts) > maxInputs {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("单次最多向量化 %d 条文本，收到 %d 条", maxInputs, len(texts)))
	}
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("第 %d 条文本为空，无法向量化", i),
				xerrors.WithMetadata("index", strconv.Itoa(i)))
		}
	}

	vectors := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// EmbedText 向量化单条文本。
func (c *Client) EmbedText(ctx context.Context, text string) ([]float64, error) {
	vectors, err := c.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// embedBatch 带重试地向量化一批文本。
func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float64, error) {
	backoff := c.initialBackoff
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		vectors, err := c.embedder.Embed(ctx, c.model, batch)
		if err == nil {
			if len(vectors) != len(batch) {
				return nil, xerrors.New(xerrors.CodeEmbeddingFailure,
					fmt.Sprintf("向量数量与输入不一致: 期望 %d 实际 %d", len(batch), len(vectors)))
			}
			return vectors, nil
		}
		lastErr = err

		if attempt == c.maxAttempts {
			break
		}
		logger.L().Warn("向量化调用失败，准备重试",
			"attempt", attempt, "backoff", backoff.String(), "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, xerrors.Wrap(xerrors.CodeEmbeddingFailure, ctx.Err(), "向量化在等待重试时被取消")
		case <-timer.C:
		}

		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}

	return nil, xerrors.Wrap(xerrors.CodeRetriesExhausted, lastErr,
		fmt.Sprintf("向量化重试 %d 次后仍然失败", c.maxAttempts),
		xerrors.WithMetadata("attempts", strconv.Itoa(c.maxAttempts)))
}
