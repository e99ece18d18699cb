package openaicompat

import (
	"time"

	"OpenLLM-Gateway/internal/keys"
	"OpenLLM-Gateway/internal/llm"
)

// builtin 描述一个内置 Provider 的元信息。各 Provider 只差默认模型与
// 附加请求头，协议实现完全共享。
type builtin struct {
	name         string
	defaultModel string
}

var builtins = []builtin{
	{name: "openai", defaultModel: "gpt-3.5-turbo"},
	{name: "deepseek", defaultModel: "deepseek-chat"},
	{name: "qianwen", defaultModel: "qwen-turbo"},
}

// RegisterBuiltins 把内置的 OpenAI 兼容 Provider 注册到注册表。
// timeout 控制每个客户端实例的调用超时。
func RegisterBuiltins(reg *llm.Registry, timeout time.Duration) {
	for _, b := range builtins {
		b := b
		reg.Register(b.name, b.defaultModel, func(cfg keys.ProviderConfig, model string) (llm.Client, error) {
			return NewClient(Config{
				Provider:     b.name,
				APIKey:       cfg.APIKey,
				BaseURL:      cfg.BaseURL,
				Model:        model,
				Timeout:      timeout,
				ExtraHeaders: cfg.ExtraHeaders,
			})
		})
	}
}
