// internal/services/cache_service.go
package services

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/Lorewright/DialogForge/internal/models"
	"github.com/Lorewright/DialogForge/internal/utils"
)

// validationCacheTTL 验证结果缓存的存活时间
const validationCacheTTL = time.Hour

// validationEntry 缓存条目，携带写入时的内容哈希
type validationEntry struct {
	Result      *models.NodeValidationResult
	ContentHash string
	CachedAt    time.Time
}

// CacheService 验证结果缓存
// 以节点ID为键；读取时检查内容哈希，文本变化即失效
// 过期采用惰性策略：不跑后台清理协程，访问时丢弃过期条目
type CacheService struct {
	store   *gocache.Cache
	logger  *zap.Logger
	metrics *utils.MetricsCollector
}

// NewCacheService 创建验证结果缓存
func NewCacheService(logger *zap.Logger, metrics *utils.MetricsCollector) *CacheService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = utils.NewMetricsCollector()
	}
	return &CacheService{
		// cleanupInterval 为 0：只做惰性过期
		store:   gocache.New(validationCacheTTL, 0),
		logger:  logger,
		metrics: metrics,
	}
}

// GetValidation 查询节点的验证结果
// 命中条件：条目存在、未过期、内容哈希与当前文本一致
func (s *CacheService) GetValidation(nodeID, text string) (*models.NodeValidationResult, bool) {
	value, found := s.store.Get(nodeID)
	if !found {
		s.metrics.AddCounter(utils.MetricCacheMisses, 1)
		return nil, false
	}

	entry, ok := value.(validationEntry)
	if !ok {
		s.store.Delete(nodeID)
		s.metrics.AddCounter(utils.MetricCacheMisses, 1)
		return nil, false
	}
	if entry.ContentHash != utils.ContentHash(text) {
		// 文本已变化，旧条目作废
		s.store.Delete(nodeID)
		s.metrics.AddCounter(utils.MetricCacheMisses, 1)
		s.logger.Debug("Validation cache invalidated by content change",
			zap.String("nodeID", nodeID))
		return nil, false
	}

	s.metrics.AddCounter(utils.MetricCacheHits, 1)
	return entry.Result, true
}

// StoreValidation 写入节点的验证结果
func (s *CacheService) StoreValidation(nodeID, text string, result *models.NodeValidationResult) {
	if nodeID == "" || result == nil {
		return
	}
	s.store.Set(nodeID, validationEntry{
		Result:      result,
		ContentHash: utils.ContentHash(text),
		CachedAt:    time.Now(),
	}, gocache.DefaultExpiration)
}

// Invalidate 显式移除节点的缓存条目
func (s *CacheService) Invalidate(nodeID string) {
	s.store.Delete(nodeID)
}

// Flush 清空全部缓存
func (s *CacheService) Flush() {
	s.store.Flush()
}

// Len 当前条目数，含未被惰性清理的过期条目
func (s *CacheService) Len() int {
	return s.store.ItemCount()
}
