// internal/services/history_service.go
package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Lorewright/DialogForge/internal/apperrors"
	"github.com/Lorewright/DialogForge/internal/models"
	"github.com/Lorewright/DialogForge/internal/storage"
)

const (
	historyDir  = "history"
	historyFile = "ledger.json"
)

// HistoryService 维护只追加的生成历史台账
// 每次生成调用（成功或失败）追加一条 AIHistoryItem；
// 台账不做自动清理，由消费方通过 Clear 显式清空。
// store 为 nil 时退化为纯内存模式（演示与 stdio 场景）。
type HistoryService struct {
	store  *storage.FileStore
	logger *zap.Logger

	mu    sync.RWMutex
	items []models.AIHistoryItem

	subMu       sync.Mutex
	subscribers map[chan models.AIHistoryItem]bool
}

// NewHistoryService 创建历史服务并加载已持久化的台账
func NewHistoryService(store *storage.FileStore, logger *zap.Logger) (*HistoryService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &HistoryService{
		store:       store,
		logger:      logger,
		subscribers: make(map[chan models.AIHistoryItem]bool),
	}

	if store != nil && store.FileExists(historyDir, historyFile) {
		var items []models.AIHistoryItem
		if err := store.LoadJSONFile(historyDir, historyFile, &items); err != nil {
			return nil, fmt.Errorf("加载历史台账失败: %w", err)
		}
		s.items = items
		logger.Info("📜 历史台账已加载", zap.Int("entries", len(items)))
	}

	return s, nil
}

// Record 追加一条历史记录并通知订阅者
// ID 与 Timestamp 为空时自动填充；返回落账后的完整记录。
func (s *HistoryService) Record(item models.AIHistoryItem) (models.AIHistoryItem, error) {
	if item.NodeID == "" {
		return models.AIHistoryItem{}, apperrors.NewValidationError("历史记录缺少节点ID", nil)
	}
	switch item.Type {
	case models.GenerationTypeImprove, models.GenerationTypeRecreate, models.GenerationTypeCustom:
	default:
		return models.AIHistoryItem{}, apperrors.NewValidationError(
			fmt.Sprintf("未知的生成类型: %s", item.Type), nil)
	}

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.items = append(s.items, item)
	err := s.persistLocked()
	s.mu.Unlock()

	if err != nil {
		return item, fmt.Errorf("保存历史台账失败: %w", err)
	}

	s.broadcast(item)
	return item, nil
}

// ByNode 返回指定节点的全部历史记录，按追加顺序
func (s *HistoryService) ByNode(nodeID string) []models.AIHistoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.AIHistoryItem
	for _, item := range s.items {
		if item.NodeID == nodeID {
			matched = append(matched, item)
		}
	}
	return matched
}

// All 返回最近的 limit 条记录，按追加顺序；limit <= 0 返回全部
func (s *HistoryService) All(limit int) []models.AIHistoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if limit > 0 && len(s.items) > limit {
		start = len(s.items) - limit
	}

	out := make([]models.AIHistoryItem, len(s.items)-start)
	copy(out, s.items[start:])
	return out
}

// Len 返回台账当前长度
func (s *HistoryService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Clear 显式清空台账并持久化空状态
func (s *HistoryService) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = nil
	if err := s.persistLocked(); err != nil {
		return fmt.Errorf("清空历史台账失败: %w", err)
	}

	s.logger.Info("🧹 历史台账已清空")
	return nil
}

// Subscribe 订阅新追加的历史记录，用于 WebSocket 实时推送
func (s *HistoryService) Subscribe() chan models.AIHistoryItem {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	// 缓冲区设为16，消费方掉队时丢弃而非阻塞生成管线
	subscriber := make(chan models.AIHistoryItem, 16)
	s.subscribers[subscriber] = true
	return subscriber
}

// Unsubscribe 取消订阅并关闭通道
func (s *HistoryService) Unsubscribe(subscriber chan models.AIHistoryItem) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subscribers[subscriber] {
		delete(s.subscribers, subscriber)
		close(subscriber)
	}
}

// broadcast 非阻塞地把新记录推给所有订阅者
func (s *HistoryService) broadcast(item models.AIHistoryItem) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for subscriber := range s.subscribers {
		select {
		case subscriber <- item:
		default:
		}
	}
}

// persistLocked 持久化当前台账，调用方须持有 s.mu
func (s *HistoryService) persistLocked() error {
	if s.store == nil {
		return nil
	}
	return s.store.SaveJSONFile(historyDir, historyFile, s.items)
}
