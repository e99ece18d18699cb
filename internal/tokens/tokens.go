// Package tokens provides a fast character-based token estimator and the
// budget-aware truncation used when assembling provider calls. The ratio is a
// documented approximation, not an emulation of any vendor tokenizer.
package tokens

import (
	"unicode/utf8"

	"OpenLLM-Gateway/internal/llm"
)

const (
	// CharsPerToken 是估算比例：平均 1 个 token 约等于 4 个字符。
	CharsPerToken = 4
	// messageOverhead 是每条消息的格式开销。
	messageOverhead = 4
	// conversationOverhead 是整段对话的收尾开销。
	conversationOverhead = 2
)

// Estimate 估算一段文本的 token 数，按字符数向上折算，
// 非空文本至少计 1 个 token。
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (utf8.RuneCountInString(text) + CharsPerToken - 1) / CharsPerToken
}

// EstimateMessages 估算消息列表的总 token 数：
// 每条消息计入格式开销、角色长度与内容估算，最后加上收尾开销。
func EstimateMessages(messages []llm.Message) int {
	total := 0
	for _, msg := range messages {
		total += messageOverhead
		total += len(msg.Role)
		total += Estimate(msg.Content)
	}
	total += conversationOverhead
	return total
}

// Truncate 截断消息列表以适应 token 预算。
// 从最新消息向前贪心保留，第一条放不下的消息终止扫描；
// keepSystem 为真时 system 消息始终保留，且其成本先行计入预算。
// 返回结果保持原始时间顺序。
func Truncate(messages []llm.Message, maxTokens int, keepSystem bool) []llm.Message {
	if len(messages) == 0 {
		return nil
	}

	keep := make([]bool, len(messages))
	total := 0

	if keepSystem {
		for i, msg := range messages {
			if msg.Role == llm.RoleSystem {
				keep[i] = true
				total += Estimate(msg.Content)
			}
		}
	}

	for i := len(messages) - 1; i >= 0; i-- {
		if keep[i] {
			continue
		}
		cost := Estimate(messages[i].Content)
		if total+cost > maxTokens {
			break
		}
		keep[i] = true
		total += cost
	}

	result := make([]llm.Message, 0, len(messages))
	for i, msg := range messages {
		if keep[i] {
			result = append(result, msg)
		}
	}
	return result
}
