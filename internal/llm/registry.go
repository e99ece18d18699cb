package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "OpenLLM-Gateway/internal/errors"
	"OpenLLM-Gateway/internal/keys"
)

// Constructor 根据凭证与模型名创建一个 Provider 客户端。
type Constructor func(cfg keys.ProviderConfig, model string) (Client, error)

// registration 保存某个 Provider 的构造方式与默认模型。
type registration struct {
	constructor  Constructor
	defaultModel string
}

// Registry 维护 Provider 标识到客户端构造器的映射。
// 注册发生在启动阶段，之后只读，可安全并发使用。
type Registry struct {
	mu      sync.RWMutex
	source  keys.Source
	entries map[string]registration
}

// NewRegistry 创建一个空的 Provider 注册表。
func NewRegistry(source keys.Source) *Registry {
	return &Registry{
		source:  source,
		entries: make(map[string]registration),
	}
}

// Register 注册一个 Provider。重复注册以后者为准。
func (r *Registry) Register(provider, defaultModel string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalize(provider)] = registration{
		constructor:  ctor,
		defaultModel: defaultModel,
	}
}

// Create 创建指定 Provider 的客户端。model 为空时使用该 Provider 的默认模型。
// 凭证在每次创建时通过 Key Source 解析，只注入到新客户端实例中。
func (r *Registry) Create(ctx context.Context, provider, model string) (Client, error) {
	r.mu.RLock()
	entry, ok := r.entries[normalize(provider)]
	r.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnknownProvider,
			fmt.Sprintf("未注册的 Provider: %s（可用: %s）", provider, strings.Join(r.Providers(), ", ")))
	}

	cfg, err := r.source.ProviderConfig(ctx, provider)
	if err != nil {
		return nil, err
	}

	if model == "" {
		model = entry.defaultModel
	}
	return entry.constructor(cfg, model)
}

// CreateEmbedder 创建具备向量化能力的客户端。
func (r *Registry) CreateEmbedder(ctx context.Context, provider, model string) (Embedder, error) {
	client, err := r.Create(ctx, provider, model)
	if err != nil {
		return nil, err
	}
	embedder, ok := client.(Embedder)
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnknownProvider,
			fmt.Sprintf("Provider %s 不支持向量化调用", provider))
	}
	return embedder, nil
}

// Providers 返回已注册的 Provider 标识，按字典序排列。
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultModel 返回某个 Provider 的默认模型，未注册时返回空串。
func (r *Registry) DefaultModel(provider string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[normalize(provider)].defaultModel
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
