package session

import (
	"context"
	"sort"
	"sync"

	xerrors "OpenLLM-Gateway/internal/errors"
	"OpenLLM-Gateway/internal/llm"
)

const defaultMaxHistory = 20

// MemoryStore 以内存方式保存会话历史。会话数量不设上限，
// 单个会话的长度受 maxHistory 约束。
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string][]llm.Message
	maxHistory int
}

// NewMemoryStore 创建 MemoryStore。maxHistory 非正时使用默认上限。
func NewMemoryStore(maxHistory int) *MemoryStore {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &MemoryStore{
		sessions:   make(map[string][]llm.Message),
		maxHistory: maxHistory,
	}
}

// AddMessage 实现 Store 接口。
func (m *MemoryStore) AddMessage(_ context.Context, sessionID, role, content string) error {
	if sessionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	history := append(m.sessions[sessionID], llm.Message{Role: role, Content: content})
	if overflow := len(history) - m.maxHistory; overflow > 0 {
		history = history[overflow:]
	}
	m.sessions[sessionID] = history
	return nil
}

// History 实现 Store 接口，返回历史的副本。
func (m *MemoryStore) History(_ context.Context, sessionID string) ([]llm.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	clone := make([]llm.Message, len(history))
	copy(clone, history)
	return clone, nil
}

// Clear 实现 Store 接口。
func (m *MemoryStore) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// ListSessions 实现 Store 接口，返回按字典序排列的会话标识。
func (m *MemoryStore) ListSessions(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

var _ Store = (*MemoryStore)(nil)
