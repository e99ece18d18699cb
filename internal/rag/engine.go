package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"OpenLLM-Gateway/internal/embedding"
	xerrors "OpenLLM-Gateway/internal/errors"
	"OpenLLM-Gateway/internal/llm"
	"OpenLLM-Gateway/pkg/logger"
)

// NoAnswerReply 是知识库检索不到任何内容时的固定回复。
const NoAnswerReply = "抱歉，知识库中没有找到相关信息。"

const defaultTopK = 3

// groundedPromptTemplate 要求模型只依据检索到的片段作答。
const groundedPromptTemplate = `根据以下知识库内容回答用户的问题。如果知识库中没有相关信息，请如实说明。

知识库内容：
%s

用户问题：%s

回答：`

// Result 是一次检索命中的片段与相似度得分。
type Result struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// Completer 是回答生成所需的最小补全能力，由对话服务实现。
type Completer interface {
	Complete(ctx context.Context, provider, model string, messages []llm.Message) (*llm.ChatResponse, error)
}

// Engine 维护内存态知识库：文档切分、片段向量与检索问答。
type Engine struct {
	chunker    *Chunker
	embeddings *embedding.Client
	completer  Completer
	topK       int

	mu      sync.RWMutex
	docs    int
	chunks  []Chunk
	vectors [][]float64
}

// Option 定义可选的 Engine 配置。
type Option func(*Engine)

// WithTopK 设置默认检索返回的片段数。
func WithTopK(topK int) Option {
	return func(e *Engine) {
		if topK > 0 {
			e.topK = topK
		}
	}
}

// WithChunker 替换默认的切分器。
func WithChunker(chunker *Chunker) Option {
	return func(e *Engine) {
		if chunker != nil {
			e.chunker = chunker
		}
	}
}

// NewEngine 创建知识库引擎。
func NewEngine(embeddings *embedding.Client, completer Completer, opts ...Option) *Engine {
	engine := &Engine{
		chunker:    NewChunker(defaultChunkSize, defaultOverlap),
		embeddings: embeddings,
		completer:  completer,
		topK:       defaultTopK,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	return engine
}

// AddDocument 将一篇文档切分、向量化后并入知识库，返回新增片段数。
// 向量化在持锁之外完成，失败时知识库保持原状。
func (e *Engine) AddDocument(ctx context.Context, document string) (int, error) {
	if strings.TrimSpace(document) == "" {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "文档内容不能为空")
	}

	e.mu.Lock()
	docIndex := e.docs
	e.docs++
	e.mu.Unlock()

	chunks := e.chunker.Split(document, docIndex)
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}

	vectors, err := e.embeddings.EmbedTexts(ctx, texts)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.chunks = append(e.chunks, chunks...)
	e.vectors = append(e.vectors, vectors...)
	e.mu.Unlock()

	logger.L().Info("知识库新增文档", "doc_index", docIndex, "chunks", len(chunks))
	return len(chunks), nil
}

// Retrieve 返回与查询最相似的 topK 个片段，按相似度降序排列。
// topK 不大于 0 时使用引擎默认值；知识库为空时返回空结果。
func (e *Engine) Retrieve(ctx context.Context, query string, topK int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "查询内容不能为空")
	}
	if topK <= 0 {
		topK = e.topK
	}

	e.mu.RLock()
	empty := len(e.chunks) == 0
	e.mu.RUnlock()
	if empty {
		return nil, nil
	}

	if err := e.repairVectors(ctx); err != nil {
		return nil, err
	}

	queryVector, err := e.embeddings.EmbedText(ctx, query)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	results := make([]Result, len(e.chunks))
	for i, chunk := range e.chunks {
		results[i] = Result{Chunk: chunk, Score: cosineSimilarity(queryVector, e.vectors[i])}
	}
	e.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Query 执行一次检索增强问答：检索命中片段后，以只依据片段作答的
// 提示词做一次无状态补全；知识库为空时直接返回固定回复。
func (e *Engine) Query(ctx context.Context, question string) (string, error) {
	results, err := e.Retrieve(ctx, question, 0)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return NoAnswerReply, nil
	}

	parts := make([]string, len(results))
	for i, result := range results {
		parts[i] = result.Chunk.Text
	}
	prompt := fmt.Sprintf(groundedPromptTemplate, strings.Join(parts, "\n\n"), question)

	resp, err := e.completer.Complete(ctx, "", "", []llm.Message{llm.User(prompt)})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Stats 返回知识库当前的文档数与片段数。
func (e *Engine) Stats() (docs, chunks int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.docs, len(e.chunks)
}

// repairVectors 补齐缺失的片段向量。正常路径下片段与向量一一对应，
// 只有在历史某次向量化部分失败时才会出现缺口。
func (e *Engine) repairVectors(ctx context.Context) error {
	e.mu.RLock()
	missing := len(e.chunks) - len(e.vectors)
	e.mu.RUnlock()
	if missing <= 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.vectors) >= len(e.chunks) {
		return nil
	}

	texts := make([]string, 0, len(e.chunks)-len(e.vectors))
	for _, chunk := range e.chunks[len(e.vectors):] {
		texts = append(texts, chunk.Text)
	}
	vectors, err := e.embeddings.EmbedTexts(ctx, texts)
	if err != nil {
		return err
	}
	e.vectors = append(e.vectors, vectors...)
	logger.L().Warn("补齐缺失的片段向量", "count", len(vectors))
	return nil
}

// cosineSimilarity 计算两个向量的余弦相似度，任一向量模为零时返回 0。
func cosineSimilarity(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var dot, magA, magB float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
