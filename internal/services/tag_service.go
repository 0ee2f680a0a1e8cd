// internal/services/tag_service.go
package services

import (
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/Lorewright/DialogForge/internal/apperrors"
	"github.com/Lorewright/DialogForge/internal/models"
	"github.com/Lorewright/DialogForge/internal/utils"
)

// tagFormatCacheSize 格式化缓存的容量上限，只做内存兜底，无TTL
const tagFormatCacheSize = 512

// TagRegistry 标签注册表，由外部协作方持有
// 核心只按 id 读取标签
type TagRegistry interface {
	GetTag(id string) (models.Tag, bool)
}

// TagService 负责标签解析与"角色与世界信息"文本块的渲染
type TagService struct {
	registry    TagRegistry
	formatCache *lru.Cache[string, string]
	logger      *zap.Logger
	metrics     *utils.MetricsCollector
}

// NewTagService 创建标签服务
func NewTagService(registry TagRegistry, logger *zap.Logger, metrics *utils.MetricsCollector) (*TagService, error) {
	if registry == nil {
		return nil, apperrors.NewConfigurationError("标签注册表未注入", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := lru.New[string, string](tagFormatCacheSize)
	if err != nil {
		return nil, err
	}

	return &TagService{
		registry:    registry,
		formatCache: cache,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// ResolveTags 将标签ID解析为完整标签记录
// 未知ID跳过并记录日志，不视为错误
func (s *TagService) ResolveTags(ids []string) []models.Tag {
	tags := make([]models.Tag, 0, len(ids))
	for _, id := range ids {
		tag, ok := s.registry.GetTag(id)
		if !ok {
			s.logger.Debug("Unknown tag id skipped", zap.String("tagID", id))
			continue
		}
		tags = append(tags, tag)
	}
	return tags
}

// ValidateTags 校验标签集合，重要性越界或结构缺失返回验证错误
func (s *TagService) ValidateTags(tags []models.Tag) error {
	for _, tag := range tags {
		if err := tag.Validate(); err != nil {
			return apperrors.NewValidationError(
				fmt.Sprintf("标签 %s 校验失败", tag.ID), err)
		}
	}
	return nil
}

// FormatTagBlock 渲染完整的"角色与世界信息"文本块
// 以排序后的标签ID集合为键缓存，进程生命周期内有效
func (s *TagService) FormatTagBlock(tags []models.Tag) string {
	if len(tags) == 0 {
		return ""
	}

	key := formatCacheKey(tags)
	if cached, ok := s.formatCache.Get(key); ok {
		if s.metrics != nil {
			s.metrics.IncrementCounter(utils.MetricTagCacheHits)
		}
		return cached
	}
	if s.metrics != nil {
		s.metrics.IncrementCounter(utils.MetricTagCacheMisses)
	}

	rendered := renderTagBlock(tags)
	s.formatCache.Add(key, rendered)
	return rendered
}

// FormatTagLabels 只渲染标签名清单，用于深度裁剪后的提示词
func (s *TagService) FormatTagLabels(tags []models.Tag) string {
	if len(tags) == 0 {
		return ""
	}

	ordered := sortByImportance(tags)
	labels := make([]string, 0, len(ordered))
	for _, tag := range ordered {
		labels = append(labels, tag.Label)
	}
	return "RELEVANT TAGS: " + strings.Join(labels, ", ")
}

// formatCacheKey 生成排序后的标签ID缓存键
func formatCacheKey(tags []models.Tag) string {
	ids := make([]string, 0, len(tags))
	for _, tag := range tags {
		ids = append(ids, tag.ID)
	}
	sort.Strings(ids)
	return utils.SortedKey(ids)
}

// tagTypeOrder 渲染时的类型顺序
var tagTypeOrder = []models.TagType{
	models.TagTypeCharacter,
	models.TagTypeQuest,
	models.TagTypeLocation,
	models.TagTypeEmotional,
	models.TagTypeTheme,
	models.TagTypeItem,
	models.TagTypeEvent,
}

// tagTypeHeading 渲染块中的分组标题
var tagTypeHeading = map[models.TagType]string{
	models.TagTypeCharacter: "CHARACTERS",
	models.TagTypeQuest:     "QUESTS",
	models.TagTypeLocation:  "LOCATIONS",
	models.TagTypeEmotional: "EMOTIONAL NOTES",
	models.TagTypeTheme:     "THEMES",
	models.TagTypeItem:      "ITEMS",
	models.TagTypeEvent:     "EVENTS",
}

// renderTagBlock 按类型分组、组内按重要性降序渲染
func renderTagBlock(tags []models.Tag) string {
	grouped := make(map[models.TagType][]models.Tag)
	for _, tag := range tags {
		grouped[tag.Type] = append(grouped[tag.Type], tag)
	}

	var sb strings.Builder
	sb.WriteString("CHARACTER AND WORLD INFORMATION:\n")
	for _, tagType := range tagTypeOrder {
		group, ok := grouped[tagType]
		if !ok {
			continue
		}
		ordered := sortByImportance(group)

		sb.WriteString(tagTypeHeading[tagType])
		sb.WriteString(":\n")
		for _, tag := range ordered {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", tag.Label, tag.Content))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// sortByImportance 重要性降序、同级按标签名稳定排序
func sortByImportance(tags []models.Tag) []models.Tag {
	ordered := make([]models.Tag, len(tags))
	copy(ordered, tags)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Importance != ordered[j].Importance {
			return ordered[i].Importance > ordered[j].Importance
		}
		return ordered[i].Label < ordered[j].Label
	})
	return ordered
}
