package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"OpenLLM-Gateway/internal/llm"
)

// RedisStoreConfig 描述 Redis 会话存储的连接参数。
type RedisStoreConfig struct {
	Address    string
	Password   string
	DB         int
	KeyPrefix  string
	MaxHistory int
}

// RedisStore 使用 Redis list 保存会话历史，裁剪语义与 MemoryStore 一致。
// 网关不对 Redis 中的数据做任何持久性承诺。
type RedisStore struct {
	client     *redis.Client
	prefix     string
	maxHistory int
}

// NewRedisStore 创建 Redis 会话存储实例。
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "llmgw:session:"
	}
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix, maxHistory: maxHistory}, nil
}

// AddMessage 实现 Store 接口：追加后用 LTRIM 裁剪到最近 maxHistory 条。
func (s *RedisStore) AddMessage(ctx context.Context, sessionID, role, content string) error {
	if sessionID == "" {
		return errors.New("会话 ID 不能为空")
	}
	encoded, err := json.Marshal(llm.Message{Role: role, Content: content})
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	key := s.key(sessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, encoded)
	pipe.LTrim(ctx, key, int64(-s.maxHistory), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入会话历史失败: %w", err)
	}
	return nil
}

// History 实现 Store 接口。
func (s *RedisStore) History(ctx context.Context, sessionID string) ([]llm.Message, error) {
	values, err := s.client.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("读取会话历史失败: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}

	history := make([]llm.Message, 0, len(values))
	for _, value := range values {
		var msg llm.Message
		if err := json.Unmarshal([]byte(value), &msg); err != nil {
			// 跳过无法解析的条目。
			continue
		}
		history = append(history, msg)
	}
	return history, nil
}

// Clear 实现 Store 接口。
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("删除会话失败: %w", err)
	}
	return nil
}

// ListSessions 实现 Store 接口，通过 SCAN 遍历前缀下的全部会话。
func (s *RedisStore) ListSessions(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		ids    []string
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("遍历会话失败: %w", err)
		}
		for _, key := range keys {
			ids = append(ids, strings.TrimPrefix(key, s.prefix))
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}

// Close 关闭底层连接。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

var _ Store = (*RedisStore)(nil)
