package keys

import (
	"context"
	"fmt"
	"os"
	"strings"

	xerrors "OpenLLM-Gateway/internal/errors"
)

// ProviderConfig 描述某个 Provider 的调用凭证与端点。
// 它只在创建一个客户端实例的瞬间存在，网关自身不持久化任何密钥。
type ProviderConfig struct {
	APIKey       string
	BaseURL      string
	ExtraHeaders map[string]string
}

// Source 定义凭证来源的统一接口。实现可以读取环境变量，
// 也可以对接远端的签名取钥服务。
type Source interface {
	ProviderConfig(ctx context.Context, provider string) (ProviderConfig, error)
}

// envSpec 描述某个 Provider 在本地模式下读取的环境变量。
type envSpec struct {
	keyVar         string
	baseURLVar     string
	defaultBaseURL string
	orgVar         string
}

var envSpecs = map[string]envSpec{
	"openai": {
		keyVar:         "OPENAI_API_KEY",
		baseURLVar:     "OPENAI_BASE_URL",
		defaultBaseURL: "https://api.openai.com/v1",
		orgVar:         "OPENAI_ORG",
	},
	"deepseek": {
		keyVar:         "DEEPSEEK_API_KEY",
		baseURLVar:     "DEEPSEEK_BASE_URL",
		defaultBaseURL: "https://api.deepseek.com/v1",
	},
	"qianwen": {
		keyVar:         "QIANWEN_API_KEY",
		baseURLVar:     "QIANWEN_BASE_URL",
		defaultBaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1",
	},
}

// EnvSource 从环境变量读取凭证，是本地部署的默认来源。
type EnvSource struct{}

// NewEnvSource 创建环境变量凭证来源。
func NewEnvSource() *EnvSource {
	return &EnvSource{}
}

// ProviderConfig 实现 Source 接口。
func (s *EnvSource) ProviderConfig(_ context.Context, provider string) (ProviderConfig, error) {
	spec, ok := envSpecs[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return ProviderConfig{}, xerrors.New(xerrors.CodeKeyNotConfigured,
			fmt.Sprintf("未知的凭证来源: %s", provider))
	}

	apiKey := strings.TrimSpace(os.Getenv(spec.keyVar))
	if apiKey == "" {
		return ProviderConfig{}, xerrors.New(xerrors.CodeKeyNotConfigured,
			fmt.Sprintf("未配置 %s 的 API Key（缺少 %s）", provider, spec.keyVar))
	}

	baseURL := strings.TrimSpace(os.Getenv(spec.baseURLVar))
	if baseURL == "" {
		baseURL = spec.defaultBaseURL
	}

	cfg := ProviderConfig{APIKey: apiKey, BaseURL: baseURL}
	if spec.orgVar != "" {
		if org := strings.TrimSpace(os.Getenv(spec.orgVar)); org != "" {
			cfg.ExtraHeaders = map[string]string{"OpenAI-Organization": org}
		}
	}
	return cfg, nil
}

// StaticSource 以内存映射提供凭证，用于测试或由上层注入的场景。
type StaticSource struct {
	configs map[string]ProviderConfig
}

// NewStaticSource 创建静态凭证来源。
func NewStaticSource(configs map[string]ProviderConfig) *StaticSource {
	cloned := make(map[string]ProviderConfig, len(configs))
	for name, cfg := range configs {
		cloned[strings.ToLower(name)] = cfg
	}
	return &StaticSource{configs: cloned}
}

// ProviderConfig 实现 Source 接口。
func (s *StaticSource) ProviderConfig(_ context.Context, provider string) (ProviderConfig, error) {
	cfg, ok := s.configs[strings.ToLower(strings.TrimSpace(provider))]
	if !ok || strings.TrimSpace(cfg.APIKey) == "" {
		return ProviderConfig{}, xerrors.New(xerrors.CodeKeyNotConfigured,
			fmt.Sprintf("未配置 %s 的 API Key", provider))
	}
	return cfg, nil
}

var (
	_ Source = (*EnvSource)(nil)
	_ Source = (*StaticSource)(nil)
)
