// Package session maintains bounded per-session conversation history. The
// default store is in-memory; a Redis-backed driver with the same trimming
// semantics can be selected through configuration.
package session

import (
	"context"

	"OpenLLM-Gateway/internal/llm"
)

// Store 定义会话历史存储的统一接口。
// 同一会话内的消息按调用顺序保存，超出上限时从最早的一侧裁剪。
type Store interface {
	// AddMessage 向会话追加一条消息，必要时裁剪到历史上限。
	AddMessage(ctx context.Context, sessionID, role, content string) error
	// History 返回会话的全部历史。未知会话返回空列表而非错误。
	History(ctx context.Context, sessionID string) ([]llm.Message, error)
	// Clear 删除整个会话，幂等。
	Clear(ctx context.Context, sessionID string) error
	// ListSessions 返回当前存在的会话标识。
	ListSessions(ctx context.Context) ([]string, error)
}
