// internal/services/context_service.go
package services

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Lorewright/DialogForge/internal/apperrors"
	"github.com/Lorewright/DialogForge/internal/config"
	"github.com/Lorewright/DialogForge/internal/models"
)

// 会话深度裁剪阈值
const (
	depthOmitThreshold = 5.0 // 加权深度超过该值时完全省略标签块
	depthFullThreshold = 3.0 // 加权深度低于该值时展示完整标签内容

	historyWindowMin = 3
	historyWindowMax = 7

	characterDevelopmentMinHistory = 3
	conversationDynamicsMinHistory = 5
)

// depthMultipliers 各节点类型的深度权重
// 玩家选项裁剪最快，旁白居中，NPC 台词最慢
var depthMultipliers = map[models.NodeType]float64{
	models.NodeTypeNPCDialog:      1.0,
	models.NodeTypePlayerResponse: 2.0,
	models.NodeTypeNarration:      1.5,
}

// ContextService 把节点的结构化上下文组装成单条提示词
// 组装过程除标签格式化缓存外没有任何副作用，也不发起网络请求
type ContextService struct {
	tags   *TagService
	logger *zap.Logger
}

// NewContextService 创建上下文组装服务
func NewContextService(tags *TagService, logger *zap.Logger) (*ContextService, error) {
	if tags == nil {
		return nil, apperrors.NewConfigurationError("标签服务未初始化", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextService{tags: tags, logger: logger}, nil
}

// BuildPrompt 为目标节点构建完整提示词
// 模板缺失返回配置错误，上下文非法返回验证错误，两者都发生在任何网络调用之前
func (s *ContextService) BuildPrompt(prompts *config.SystemPrompts, nodeType models.NodeType, genCtx *models.GenerateContext) (string, error) {
	if err := checkPromptInputs(prompts, nodeType, genCtx); err != nil {
		return "", err
	}

	system, err := prompts.TemplateFor(nodeType, genCtx.ProjectType)
	if err != nil {
		return "", err
	}

	return s.compose(system, prompts, nodeType, genCtx), nil
}

// BuildImprovePrompt 在基础提示词上附加当前文本与改写指令
func (s *ContextService) BuildImprovePrompt(prompts *config.SystemPrompts, nodeType models.NodeType, genCtx *models.GenerateContext, currentText string) (string, error) {
	if strings.TrimSpace(currentText) == "" {
		return "", apperrors.NewValidationError("待改进的节点文本不能为空", nil)
	}

	base, err := s.BuildPrompt(prompts, nodeType, genCtx)
	if err != nil {
		return "", err
	}

	var builder strings.Builder
	builder.WriteString(base)
	builder.WriteString("\n\nCURRENT TEXT:\n")
	builder.WriteString(strings.TrimSpace(currentText))
	builder.WriteString("\n\nImprove the current text: keep its intent and meaning, but sharpen the voice and make the wording more natural. Output only the improved text.")
	return builder.String(), nil
}

// BuildCustomPrompt 使用作者自定义指令构建提示词
// systemOverride 非空时整体替换系统模板，上下文块仍照常拼装
func (s *ContextService) BuildCustomPrompt(prompts *config.SystemPrompts, nodeType models.NodeType, genCtx *models.GenerateContext, customPrompt, systemOverride string) (string, error) {
	if strings.TrimSpace(customPrompt) == "" {
		return "", apperrors.NewValidationError("自定义提示词不能为空", nil)
	}
	if err := checkPromptInputs(prompts, nodeType, genCtx); err != nil {
		return "", err
	}

	system := strings.TrimSpace(systemOverride)
	if system == "" {
		tpl, err := prompts.TemplateFor(nodeType, genCtx.ProjectType)
		if err != nil {
			return "", err
		}
		system = tpl
	}

	var builder strings.Builder
	builder.WriteString(s.compose(system, prompts, nodeType, genCtx))
	builder.WriteString("\n\nAUTHOR INSTRUCTIONS:\n")
	builder.WriteString(strings.TrimSpace(customPrompt))
	return builder.String(), nil
}

// checkPromptInputs 组装前的结构校验
func checkPromptInputs(prompts *config.SystemPrompts, nodeType models.NodeType, genCtx *models.GenerateContext) error {
	if prompts == nil {
		return apperrors.NewConfigurationError("系统提示词模板未配置", nil)
	}
	if genCtx == nil {
		return apperrors.NewValidationError("生成上下文不能为空", nil)
	}
	if !nodeType.IsValid() {
		return apperrors.NewValidationError(fmt.Sprintf("不支持的节点类型: %s", nodeType), nil)
	}
	return nil
}

// compose 按固定顺序拼装提示词各区块
func (s *ContextService) compose(system string, prompts *config.SystemPrompts, nodeType models.NodeType, genCtx *models.GenerateContext) string {
	var builder strings.Builder
	builder.WriteString(system)
	builder.WriteString("\n\n")

	s.writeConversationBlock(&builder, prompts, genCtx)
	s.writeTagBlock(&builder, nodeType, genCtx)
	s.writePrioritizedContext(&builder, genCtx)
	s.writeEnhancements(&builder, genCtx)
	s.writeSiblingAwareness(&builder, prompts, genCtx)
	s.writeStyleRules(&builder, nodeType, genCtx)

	return strings.TrimRight(builder.String(), "\n")
}

// writeConversationBlock 按孤立/开场/连续三种形态渲染会话区块
func (s *ContextService) writeConversationBlock(b *strings.Builder, prompts *config.SystemPrompts, genCtx *models.GenerateContext) {
	switch {
	case genCtx.IsIsolated():
		b.WriteString(prompts.PipelineTemplate(config.TemplateIsolatedNode))
		b.WriteString("\n\n")
		if topic := strings.TrimSpace(genCtx.Current.Text); topic != "" {
			b.WriteString(fmt.Sprintf("TOPIC: %s\n\n", topic))
		}
	case genCtx.IsDialogStart():
		s.writeNextPreviews(b, genCtx)
	default:
		s.writeHistoryWindow(b, genCtx)
		s.writeNextPreviews(b, genCtx)
	}
}

// writeHistoryWindow 连续节点的历史窗口，取最近 3–7 条
// 调用方已预构建 DialogChain 时直接采用，不再重新拼装
func (s *ContextService) writeHistoryWindow(b *strings.Builder, genCtx *models.GenerateContext) {
	if chain := strings.TrimSpace(genCtx.DialogChain); chain != "" {
		b.WriteString("CONVERSATION SO FAR:\n")
		b.WriteString(chain)
		b.WriteString("\n\n")
		return
	}

	prev := genCtx.Previous
	if len(prev) == 0 {
		return
	}

	window := historyWindow(len(prev))
	b.WriteString("CONVERSATION SO FAR (most recent last):\n")
	for _, node := range prev[len(prev)-window:] {
		b.WriteString(fmt.Sprintf("- [%s] %s\n", speakerLabel(node.Type), strings.TrimSpace(node.Text)))
	}
	b.WriteString("\n")
}

// writeNextPreviews 下游节点预览
func (s *ContextService) writeNextPreviews(b *strings.Builder, genCtx *models.GenerateContext) {
	if len(genCtx.Next) == 0 {
		return
	}

	b.WriteString("NEXT POSSIBLE RESPONSES:\n")
	for _, node := range genCtx.Next {
		if text := strings.TrimSpace(node.Text); text != "" {
			b.WriteString(fmt.Sprintf("- [%s] %s\n", speakerLabel(node.Type), text))
		}
	}
	b.WriteString("\n")
}

// writeTagBlock 标签块按加权会话深度裁剪
// 深度 >5 省略，<3 全文，其余仅标签名
func (s *ContextService) writeTagBlock(b *strings.Builder, nodeType models.NodeType, genCtx *models.GenerateContext) {
	tags := s.tags.ResolveTags(genCtx.Current.Tags)
	if len(tags) == 0 {
		return
	}

	depth := weightedDepth(nodeType, len(genCtx.Previous))
	switch {
	case depth > depthOmitThreshold:
		return
	case depth < depthFullThreshold:
		b.WriteString(s.tags.FormatTagBlock(tags))
		b.WriteString("\n\n")
	default:
		b.WriteString(s.tags.FormatTagLabels(tags))
		b.WriteString("\n\n")
	}
}

// weightedDepth 会话深度乘以节点类型权重
func weightedDepth(nodeType models.NodeType, conversationDepth int) float64 {
	multiplier, ok := depthMultipliers[nodeType]
	if !ok {
		multiplier = 1.0
	}
	return float64(conversationDepth) * multiplier
}

// writePrioritizedContext 优先级上下文：任务 > 角色 > 地点 > 情绪
// 情绪标签仅在存在历史消息时加入
func (s *ContextService) writePrioritizedContext(b *strings.Builder, genCtx *models.GenerateContext) {
	tags := s.tags.ResolveTags(genCtx.Current.Tags)
	quests := filterTagsByType(tags, models.TagTypeQuest)
	characters := filterTagsByType(tags, models.TagTypeCharacter)
	locations := filterTagsByType(tags, models.TagTypeLocation)
	emotions := filterTagsByType(tags, models.TagTypeEmotional)

	hasCharacterInfo := genCtx.CharacterInfo != nil
	if len(quests) == 0 && len(characters) == 0 && len(locations) == 0 && len(emotions) == 0 && !hasCharacterInfo {
		return
	}

	b.WriteString("PRIORITIZED CONTEXT (address in this order):\n")
	if len(quests) > 0 {
		b.WriteString("[CRITICAL] Quest objectives that must be addressed:\n")
		writeTagLines(b, quests)
	}
	if hasCharacterInfo || len(characters) > 0 {
		b.WriteString("[HIGH] Character voice:\n")
		if hasCharacterInfo {
			writeCharacterInfo(b, genCtx.CharacterInfo)
		}
		writeTagLines(b, characters)
	}
	if len(locations) > 0 {
		b.WriteString("[MEDIUM] Location:\n")
		writeTagLines(b, locations)
	}
	if len(emotions) > 0 && len(genCtx.Previous) > 0 {
		b.WriteString("[MEDIUM] Emotional undertones:\n")
		writeTagLines(b, emotions)
	}
	b.WriteString("\n")
}

// writeCharacterInfo 渲染角色卡：说话风格、信任度、动机
func writeCharacterInfo(b *strings.Builder, info *models.CharacterInfo) {
	if info.Role != "" {
		b.WriteString(fmt.Sprintf("- %s (%s)\n", info.Name, info.Role))
	} else {
		b.WriteString(fmt.Sprintf("- %s\n", info.Name))
	}
	if info.Personality != "" {
		b.WriteString(fmt.Sprintf("  Personality: %s\n", info.Personality))
	}
	if info.SpeechStyle != "" {
		b.WriteString(fmt.Sprintf("  Speech style: %s\n", info.SpeechStyle))
	}
	b.WriteString(fmt.Sprintf("  Trust toward the player: %d/10\n", info.TrustLevel))
	if len(info.Motivations) > 0 {
		b.WriteString(fmt.Sprintf("  Motivations: %s\n", strings.Join(info.Motivations, "; ")))
	}
}

// writeTagLines 按重要性输出标签行
func writeTagLines(b *strings.Builder, tags []models.Tag) {
	for _, tag := range sortByImportance(tags) {
		b.WriteString(fmt.Sprintf("- %s: %s\n", tag.Label, tag.Content))
	}
}

// filterTagsByType 按标签类型过滤
func filterTagsByType(tags []models.Tag, tagType models.TagType) []models.Tag {
	filtered := make([]models.Tag, 0, len(tags))
	for _, tag := range tags {
		if tag.Type == tagType {
			filtered = append(filtered, tag)
		}
	}
	return filtered
}

// writeEnhancements 达到阈值时追加增强区块
func (s *ContextService) writeEnhancements(b *strings.Builder, genCtx *models.GenerateContext) {
	prev := genCtx.Previous

	if trend, ok := emotionalTrend(prev); ok {
		b.WriteString(fmt.Sprintf("EMOTIONAL ARC: the conversation currently trends %s. Continue or believably pivot that trajectory.\n\n", trend))
	}
	if len(prev) >= characterDevelopmentMinHistory && showsCharacterDevelopment(prev) {
		b.WriteString("CHARACTER DEVELOPMENT: earlier lines show the speaker shifting their stance. Reflect that growth rather than resetting to their initial attitude.\n\n")
	}
	if themes := s.thematicElements(genCtx); len(themes) > 0 {
		b.WriteString(fmt.Sprintf("THEMATIC ELEMENTS: keep these themes present: %s.\n\n", strings.Join(themes, ", ")))
	}
	if len(prev) >= conversationDynamicsMinHistory {
		b.WriteString("CONVERSATION DYNAMICS: this exchange is already long. Vary sentence rhythm, avoid repeating earlier phrasings, and move the exchange forward rather than circling.\n\n")
	}
}

// emotionalTrend 在历史文本中统计情绪指示词，全中性时返回 false
func emotionalTrend(prev []models.DialogContext) (string, bool) {
	counts := make(map[string]int)
	for _, node := range prev {
		lower := strings.ToLower(node.Text)
		for word, trend := range emotionLexicon {
			if strings.Contains(lower, word) {
				counts[trend]++
			}
		}
	}
	if len(counts) == 0 {
		return "", false
	}

	trends := make([]string, 0, len(counts))
	for trend := range counts {
		trends = append(trends, trend)
	}
	sort.Strings(trends)

	best, bestCount := "", 0
	for _, trend := range trends {
		if counts[trend] > bestCount {
			best, bestCount = trend, counts[trend]
		}
	}
	return best, true
}

// showsCharacterDevelopment 比较历史前后两半的成长指示词出现次数
func showsCharacterDevelopment(prev []models.DialogContext) bool {
	mid := len(prev) / 2
	return indicatorCount(prev[mid:]) > indicatorCount(prev[:mid])
}

func indicatorCount(nodes []models.DialogContext) int {
	count := 0
	for _, node := range nodes {
		lower := strings.ToLower(node.Text)
		for _, word := range developmentIndicators {
			if strings.Contains(lower, word) {
				count++
			}
		}
	}
	return count
}

// thematicElements 采集主题标签，缺失时退回历史文本的关键词匹配
func (s *ContextService) thematicElements(genCtx *models.GenerateContext) []string {
	tags := s.tags.ResolveTags(genCtx.Current.Tags)
	themes := make([]string, 0, 4)
	for _, tag := range filterTagsByType(tags, models.TagTypeTheme) {
		themes = append(themes, tag.Label)
	}
	if len(themes) > 0 {
		return themes
	}

	seen := make(map[string]bool)
	for _, node := range genCtx.Previous {
		lower := strings.ToLower(node.Text)
		for _, keyword := range thematicKeywords {
			if strings.Contains(lower, keyword) && !seen[keyword] {
				seen[keyword] = true
				themes = append(themes, keyword)
			}
		}
	}
	return themes
}

// writeSiblingAwareness 兄弟节点存在时加入去同质化提示
func (s *ContextService) writeSiblingAwareness(b *strings.Builder, prompts *config.SystemPrompts, genCtx *models.GenerateContext) {
	texts := make([]string, 0, len(genCtx.SiblingNodes))
	for _, node := range genCtx.SiblingNodes {
		if text := strings.TrimSpace(node.Text); text != "" {
			texts = append(texts, text)
		}
	}
	if len(texts) == 0 {
		return
	}

	b.WriteString(prompts.PipelineTemplate(config.TemplateDiversitySibling))
	b.WriteString("\nEXISTING OPTIONS:\n")
	for _, text := range texts {
		b.WriteString(fmt.Sprintf("- %s\n", text))
	}
	b.WriteString("\n")
}

// writeStyleRules 游戏项目附加风格硬规则
func (s *ContextService) writeStyleRules(b *strings.Builder, nodeType models.NodeType, genCtx *models.GenerateContext) {
	if genCtx.ProjectType != models.ProjectTypeGame {
		return
	}

	b.WriteString("STYLE RULES:\n")
	b.WriteString(fmt.Sprintf("- Never open with: %s\n", strings.Join(bannedOpeners, " / ")))
	b.WriteString(fmt.Sprintf("- Never use these constructions: %s\n", strings.Join(clichePhrases, " / ")))
	if nodeType == models.NodeTypePlayerResponse && len(genCtx.SiblingNodes) > 0 {
		b.WriteString("- This option must take a clearly different attitude from every existing option (aggressive, diplomatic, evasive are all distinct stances).\n")
	}
	b.WriteString("\n")
}

// historyWindow 历史窗口大小，夹在 3–7 之间
func historyWindow(n int) int {
	if n < historyWindowMin {
		return n
	}
	if n > historyWindowMax {
		return historyWindowMax
	}
	return n
}

// speakerLabel 节点类型在提示词中的说话人标记
func speakerLabel(nodeType models.NodeType) string {
	switch nodeType {
	case models.NodeTypeNPCDialog:
		return "NPC"
	case models.NodeTypePlayerResponse:
		return "PLAYER"
	case models.NodeTypeNarration:
		return "NARRATION"
	default:
		return strings.ToUpper(string(nodeType))
	}
}
