package tokens

import (
	"strings"
	"testing"

	"OpenLLM-Gateway/internal/llm"
)

func TestEstimateRatio(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("a", 40), 10},
		// 中文按字符数折算，与字节数无关。
		{"你好世界", 1},
		{strings.Repeat("你", 8), 2},
	}
	for _, tc := range cases {
		if got := Estimate(tc.text); got != tc.want {
			t.Fatalf("Estimate(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestEstimateMessages(t *testing.T) {
	messages := []llm.Message{
		llm.System(strings.Repeat("a", 8)),
		llm.User(strings.Repeat("b", 4)),
	}
	// 每条消息 4 开销 + 角色长度 + 内容估算，整体收尾 2。
	want := (4 + len("system") + 2) + (4 + len("user") + 1) + 2
	if got := EstimateMessages(messages); got != want {
		t.Fatalf("EstimateMessages = %d, want %d", got, want)
	}
}

func TestTruncateZeroBudgetKeepsSystem(t *testing.T) {
	messages := []llm.Message{
		llm.System("你是一个助手"),
		llm.User("第一个问题"),
		llm.Assistant("第一个回答"),
		llm.User("第二个问题"),
	}

	kept := Truncate(messages, 0, true)
	if len(kept) != 1 || kept[0].Role != llm.RoleSystem {
		t.Fatalf("expected only system message, got %+v", kept)
	}

	kept = Truncate(messages, 0, false)
	if len(kept) != 0 {
		t.Fatalf("expected empty result, got %+v", kept)
	}
}

func TestTruncateKeepsMostRecent(t *testing.T) {
	messages := []llm.Message{
		llm.User(strings.Repeat("a", 40)),      // 10 tokens
		llm.Assistant(strings.Repeat("b", 40)), // 10 tokens
		llm.User(strings.Repeat("c", 40)),      // 10 tokens
	}

	kept := Truncate(messages, 20, false)
	if len(kept) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(kept))
	}
	if kept[0].Content != strings.Repeat("b", 40) || kept[1].Content != strings.Repeat("c", 40) {
		t.Fatalf("expected the most recent messages in order, got %+v", kept)
	}
}

func TestTruncateStopsAtFirstOverflow(t *testing.T) {
	messages := []llm.Message{
		llm.User(strings.Repeat("a", 4)),  // 1 token，但扫描已经终止
		llm.User(strings.Repeat("b", 80)), // 20 tokens，放不下
		llm.User(strings.Repeat("c", 40)), // 10 tokens
	}

	kept := Truncate(messages, 11, false)
	if len(kept) != 1 || kept[0].Content != strings.Repeat("c", 40) {
		t.Fatalf("expected scan to stop at first overflowing message, got %+v", kept)
	}
}

func TestTruncateSystemCostCountedFirst(t *testing.T) {
	messages := []llm.Message{
		llm.User(strings.Repeat("a", 40)),   // 10 tokens
		llm.System(strings.Repeat("s", 40)), // 10 tokens，始终保留
		llm.User(strings.Repeat("b", 40)),   // 10 tokens
	}

	kept := Truncate(messages, 20, true)
	if len(kept) != 2 {
		t.Fatalf("expected 2 messages, got %+v", kept)
	}
	if kept[0].Role != llm.RoleSystem || kept[1].Content != strings.Repeat("b", 40) {
		t.Fatalf("unexpected result order: %+v", kept)
	}
}

func TestTruncatePreservesChronologicalOrder(t *testing.T) {
	messages := []llm.Message{
		llm.System("sys"),
		llm.User("one"),
		llm.Assistant("two"),
		llm.User("three"),
	}

	kept := Truncate(messages, 1000, true)
	if len(kept) != len(messages) {
		t.Fatalf("expected all messages, got %d", len(kept))
	}
	for i := range messages {
		if kept[i] != messages[i] {
			t.Fatalf("order changed at %d: %+v", i, kept)
		}
	}
}
