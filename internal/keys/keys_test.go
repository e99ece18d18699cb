package keys

import (
	"context"
	"errors"
	"testing"

	xerrors "OpenLLM-Gateway/internal/errors"
)

func TestEnvSourceMissingKey(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY", "")

	_, err := NewEnvSource().ProviderConfig(context.Background(), "deepseek")
	if err == nil {
		t.Fatalf("expected error when key is missing")
	}
	if !errors.Is(err, xerrors.New(xerrors.CodeKeyNotConfigured, "")) {
		t.Fatalf("expected KEY_NOT_CONFIGURED, got %v", err)
	}
}

func TestEnvSourceDefaults(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY", "sk-test")
	t.Setenv("DEEPSEEK_BASE_URL", "")

	cfg, err := NewEnvSource().ProviderConfig(context.Background(), "deepseek")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIKey != "sk-test" {
		t.Fatalf("unexpected api key: %s", cfg.APIKey)
	}
	if cfg.BaseURL != "https://api.deepseek.com/v1" {
		t.Fatalf("unexpected base url: %s", cfg.BaseURL)
	}
}

func TestEnvSourceOrganizationHeader(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_ORG", "org-42")

	cfg, err := NewEnvSource().ProviderConfig(context.Background(), "openai")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ExtraHeaders["OpenAI-Organization"] != "org-42" {
		t.Fatalf("expected organization header, got %+v", cfg.ExtraHeaders)
	}
}

func TestStaticSource(t *testing.T) {
	source := NewStaticSource(map[string]ProviderConfig{
		"Qianwen": {APIKey: "k", BaseURL: "http://example.local/v1"},
	})

	cfg, err := source.ProviderConfig(context.Background(), "qianwen")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BaseURL != "http://example.local/v1" {
		t.Fatalf("unexpected base url: %s", cfg.BaseURL)
	}

	if _, err := source.ProviderConfig(context.Background(), "openai"); err == nil {
		t.Fatalf("expected error for unconfigured provider")
	}
}
