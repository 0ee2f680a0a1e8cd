// internal/services/validation_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Lorewright/DialogForge/internal/apperrors"
	"github.com/Lorewright/DialogForge/internal/config"
	"github.com/Lorewright/DialogForge/internal/models"
	"github.com/Lorewright/DialogForge/internal/utils"
)

// 声线检查参数
const (
	clippedSentenceMaxWords = 12 // 短句风格允许的平均句长上限
	lowTrustMax             = 3  // 低信任度判定线
)

// 再生成请求的采样参数：升温并放宽采样
const (
	regenTemperature = 0.8
	regenTopP        = 0.95
)

// ValidationConfig 验证回路的阈值与熔断窗口
// 熔断窗口与清理窗口是两个独立的配置值，没有推导关系
type ValidationConfig struct {
	VoiceThreshold     float64       // 角色声线检查的独立通过线
	CoherenceThreshold float64       // 连贯性"不连贯"判定线
	CombinedThreshold  float64       // 综合得分触发再生成的下限
	MaxRetries         int           // 再生成次数上限
	BreakerWindow      time.Duration // 相同 (节点, 响应前缀) 的熔断窗口
	BreakerPruneAge    time.Duration // 熔断记录的清理年龄
}

// DefaultValidationConfig 返回默认验证配置
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		VoiceThreshold:     0.5,
		CoherenceThreshold: 0.3,
		CombinedThreshold:  0.4,
		MaxRetries:         2,
		BreakerWindow:      5 * time.Second,
		BreakerPruneAge:    30 * time.Second,
	}
}

// ValidationService 响应验证器
// 状态流转：Pending → Scoring → {Accepted | Regenerating → Scoring | 重试耗尽 → 带警告接受}
type ValidationService struct {
	executor *LLMService
	cache    *CacheService
	tags     *TagService
	cfg      ValidationConfig
	breaker  *regenBreaker
	logger   *zap.Logger
	metrics  *utils.MetricsCollector
}

// NewValidationService 创建响应验证器
func NewValidationService(executor *LLMService, cache *CacheService, tags *TagService, cfg ValidationConfig, logger *zap.Logger, metrics *utils.MetricsCollector) (*ValidationService, error) {
	if executor == nil {
		return nil, apperrors.NewConfigurationError("请求执行器未初始化", nil)
	}
	if cache == nil {
		return nil, apperrors.NewConfigurationError("验证缓存未初始化", nil)
	}
	if tags == nil {
		return nil, apperrors.NewConfigurationError("标签服务未初始化", nil)
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultValidationConfig().MaxRetries
	}
	if cfg.BreakerWindow <= 0 {
		cfg.BreakerWindow = DefaultValidationConfig().BreakerWindow
	}
	if cfg.BreakerPruneAge <= 0 {
		cfg.BreakerPruneAge = DefaultValidationConfig().BreakerPruneAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = utils.NewMetricsCollector()
	}
	return &ValidationService{
		executor: executor,
		cache:    cache,
		tags:     tags,
		cfg:      cfg,
		breaker:  newRegenBreaker(cfg.BreakerWindow, cfg.BreakerPruneAge),
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// RefineRequest 验证回路的输入
type RefineRequest struct {
	NodeID     string
	NodeType   models.NodeType
	Text       string // 已清理的初始候选文本
	BasePrompt string // 组装器产出的基础提示词，反馈提示词在其上构建
	GenCtx     *models.GenerateContext
	Prompts    *config.SystemPrompts
	Options    GenerationOptions
	MaxRetries int // 负值表示使用默认值
}

// RefineOutcome 验证回路的输出
type RefineOutcome struct {
	Text          string
	Result        *models.NodeValidationResult
	Regenerations int
	Warning       string // 熔断或重试耗尽时的说明，正常接受为空
	TokensUsed    int
}

// ValidateAndRefine 对候选文本跑完整验证回路
// 显式有界循环驱动再生成；熔断器保证同一节点不会无限循环，熔断本身从不报错
func (s *ValidationService) ValidateAndRefine(ctx context.Context, req RefineRequest) (*RefineOutcome, error) {
	if err := s.checkRefineRequest(&req); err != nil {
		return nil, err
	}

	maxRetries := req.MaxRetries
	if maxRetries < 0 {
		maxRetries = s.cfg.MaxRetries
	}

	outcome := &RefineOutcome{Text: req.Text}
	for attempt := 0; ; attempt++ {
		result := s.Evaluate(outcome.Text, req.GenCtx, req.NodeType)

		if !s.needsRegeneration(result) {
			outcome.Result = result
			s.cache.StoreValidation(req.NodeID, outcome.Text, result)
			return outcome, nil
		}

		if s.breaker.ShouldTrip(req.NodeID, outcome.Text) {
			// 熔断：窗口内出现过同样的候选，按原样接受以保证前进
			s.metrics.AddCounter(utils.MetricBreakerTrips, 1)
			s.logger.Warn("Regeneration loop detected, accepting current text",
				zap.String("nodeID", req.NodeID),
				zap.Int("attempt", attempt))
			outcome.Result = result
			outcome.Warning = "regeneration loop detected; current text accepted as-is"
			s.cache.StoreValidation(req.NodeID, outcome.Text, result)
			return outcome, nil
		}

		if attempt >= maxRetries {
			outcome.Result = result
			outcome.Warning = "max regeneration retries exhausted; text accepted with open issues"
			s.logger.Info("Validation retries exhausted",
				zap.String("nodeID", req.NodeID),
				zap.Int("regenerations", outcome.Regenerations),
				zap.Float64("combined", result.Scores.Combined))
			s.cache.StoreValidation(req.NodeID, outcome.Text, result)
			return outcome, nil
		}

		feedback := s.buildFeedbackPrompt(req.BasePrompt, outcome.Text, result, req.Prompts)
		regenOpts := req.Options
		regenOpts.Temperature = regenTemperature
		regenOpts.TopP = regenTopP

		s.metrics.AddCounter(utils.MetricRegenerationTotal, 1)
		gen, err := s.executor.RequestText(ctx, req.NodeID, feedback, regenOpts)
		if err != nil {
			return nil, err
		}
		outcome.Text = gen.Text
		outcome.Regenerations++
		outcome.TokensUsed += gen.TokensUsed
	}
}

// EvaluateQuality 评估节点文本质量，优先返回缓存结果
func (s *ValidationService) EvaluateQuality(nodeID, text string, genCtx *models.GenerateContext, nodeType models.NodeType) (*models.NodeValidationResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.NewValidationError("待评估文本不能为空", nil)
	}
	if genCtx == nil {
		return nil, apperrors.NewValidationError("生成上下文不能为空", nil)
	}
	if !nodeType.IsValid() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("不支持的节点类型: %s", nodeType), nil)
	}

	if cached, ok := s.cache.GetValidation(nodeID, text); ok {
		return cached, nil
	}

	result := s.Evaluate(text, genCtx, nodeType)
	s.cache.StoreValidation(nodeID, text, result)
	return result, nil
}

// Evaluate 对候选文本打分，不读缓存也不触发再生成
func (s *ValidationService) Evaluate(text string, genCtx *models.GenerateContext, nodeType models.NodeType) *models.NodeValidationResult {
	voiceScore, voiceIssues, voiceStrengths := s.evaluateCharacterVoice(text, genCtx)
	cohScore, cohIssues, cohStrengths := s.evaluateContextCoherence(text, genCtx)
	styleIssues := evaluateStyle(text)

	issues := make([]models.ValidationIssue, 0, len(voiceIssues)+len(cohIssues)+len(styleIssues))
	issues = append(issues, voiceIssues...)
	issues = append(issues, cohIssues...)
	issues = append(issues, styleIssues...)

	strengths := make([]string, 0, len(voiceStrengths)+len(cohStrengths))
	strengths = append(strengths, voiceStrengths...)
	strengths = append(strengths, cohStrengths...)

	return &models.NodeValidationResult{
		Scores: models.ValidationScores{
			CharacterVoice:   voiceScore,
			ContextCoherence: cohScore,
			Combined:         models.CombineScores(voiceScore, cohScore),
		},
		Issues:    issues,
		Strengths: strengths,
		Timestamp: time.Now(),
	}
}

// needsRegeneration 判定是否触发再生成
// 任一条件命中即触发：声线低于独立阈值、不连贯、综合分过低、风格检查命中
func (s *ValidationService) needsRegeneration(result *models.NodeValidationResult) bool {
	if result.Scores.CharacterVoice < s.cfg.VoiceThreshold {
		return true
	}
	if result.Scores.ContextCoherence < s.cfg.CoherenceThreshold {
		return true
	}
	if result.Scores.Combined < s.cfg.CombinedThreshold {
		return true
	}
	for _, issue := range result.Issues {
		if issue.Type == models.IssueTypeStyleOpening || issue.Type == models.IssueTypeStyleCliche {
			return true
		}
	}
	return false
}

func (s *ValidationService) checkRefineRequest(req *RefineRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return apperrors.NewValidationError("初始候选文本不能为空", nil)
	}
	if req.GenCtx == nil {
		return apperrors.NewValidationError("生成上下文不能为空", nil)
	}
	if !req.NodeType.IsValid() {
		return apperrors.NewValidationError(fmt.Sprintf("不支持的节点类型: %s", req.NodeType), nil)
	}
	if req.Prompts == nil {
		return apperrors.NewConfigurationError("系统提示词模板未配置", nil)
	}
	return nil
}

// evaluateCharacterVoice 角色声线检查
// 依据说话风格、信任度、动机逐项比对；无角色信息时返回中性分
func (s *ValidationService) evaluateCharacterVoice(text string, genCtx *models.GenerateContext) (float64, []models.ValidationIssue, []string) {
	info := genCtx.CharacterInfo
	if info == nil {
		return 0.7, nil, nil
	}

	var issues []models.ValidationIssue
	var strengths []string
	score := 0.8
	lower := strings.ToLower(text)
	style := strings.ToLower(info.SpeechStyle)

	if styleWantsShortSentences(style) {
		if averageSentenceLength(text) > clippedSentenceMaxWords {
			score -= 0.25
			issues = append(issues, models.ValidationIssue{
				Type:        models.IssueTypeCharacterVoice,
				Severity:    models.SeverityMedium,
				Description: "Sentences run far longer than the character's clipped style",
				Suggestion:  "Cut each sentence down; the character speaks in short bursts",
			})
		} else {
			strengths = append(strengths, "Sentence length matches the character's clipped style")
		}
	}

	if styleWantsFormal(style) && containsContraction(lower) {
		score -= 0.2
		issues = append(issues, models.ValidationIssue{
			Type:        models.IssueTypeCharacterVoice,
			Severity:    models.SeverityMedium,
			Description: "Contractions clash with the character's formal register",
			Suggestion:  "Spell words out fully and keep the register elevated",
		})
	}

	if info.TrustLevel <= lowTrustMax && containsWarmPhrase(lower) {
		score -= 0.25
		issues = append(issues, models.ValidationIssue{
			Type:        models.IssueTypeCharacterVoice,
			Severity:    models.SeverityHigh,
			Description: "Overly warm phrasing for a character who does not trust the player",
			Suggestion:  "Keep the tone guarded and transactional",
		})
	}

	if motivation, ok := reflectsMotivation(lower, info.Motivations); ok {
		score += 0.1
		strengths = append(strengths, fmt.Sprintf("Line reflects the character's motivation: %s", motivation))
	}

	return clampScore(score), issues, strengths
}

// evaluateContextCoherence 上下文连贯性检查
// 候选文本与历史窗口及任务/地点标签内容做词面重叠比对
func (s *ValidationService) evaluateContextCoherence(text string, genCtx *models.GenerateContext) (float64, []models.ValidationIssue, []string) {
	reference := s.coherenceReference(genCtx)
	if reference == "" {
		// 孤立节点等无上下文信号的情况，中性通过
		return 0.6, nil, nil
	}

	candidate := contentWords(text)
	var score float64
	if len(candidate) > 0 {
		refSet := wordSet(contentWords(reference))
		shared := 0
		for _, word := range candidate {
			if refSet[word] {
				shared++
			}
		}
		ratio := float64(shared) / float64(len(candidate))
		score = clampScore(ratio * 3)
	}

	var issues []models.ValidationIssue
	var strengths []string
	if score < s.cfg.CoherenceThreshold {
		issues = append(issues, models.ValidationIssue{
			Type:        models.IssueTypeContextCoherence,
			Severity:    models.SeverityHigh,
			Description: "The line does not engage anything said before it",
			Suggestion:  "Reference the previous exchange or the active quest directly",
		})
	} else if score >= 0.8 {
		strengths = append(strengths, "Directly engages the preceding conversation")
	}
	return score, issues, strengths
}

// coherenceReference 连贯性比对的参照文本：最近三条历史 + 任务/地点标签内容
func (s *ValidationService) coherenceReference(genCtx *models.GenerateContext) string {
	var parts []string

	prev := genCtx.Previous
	if len(prev) > 3 {
		prev = prev[len(prev)-3:]
	}
	for _, node := range prev {
		parts = append(parts, node.Text)
	}

	tags := s.tags.ResolveTags(genCtx.Current.Tags)
	for _, tag := range tags {
		if tag.Type == models.TagTypeQuest || tag.Type == models.TagTypeLocation {
			parts = append(parts, tag.Label, tag.Content)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// evaluateStyle 两项二值风格检查：禁用开场词（高）与陈词滥调（中）
func evaluateStyle(text string) []models.ValidationIssue {
	var issues []models.ValidationIssue
	if opener, ok := hasBannedOpener(text); ok {
		issues = append(issues, models.ValidationIssue{
			Type:        models.IssueTypeStyleOpening,
			Severity:    models.SeverityHigh,
			Description: fmt.Sprintf("Opens with the banned phrase %q", opener),
			Suggestion:  "Start mid-thought or with a concrete detail instead",
		})
	}
	if phrase, ok := findCliche(text); ok {
		issues = append(issues, models.ValidationIssue{
			Type:        models.IssueTypeStyleCliche,
			Severity:    models.SeverityMedium,
			Description: fmt.Sprintf("Uses the cliché construction %q", phrase),
			Suggestion:  "Replace it with plain, specific language",
		})
	}
	return issues
}

// buildFeedbackPrompt 构建再生成提示词
// 列出全部问题与修复建议、需要保留的优点，并按问题类型附加修复模板
func (s *ValidationService) buildFeedbackPrompt(basePrompt, previousText string, result *models.NodeValidationResult, prompts *config.SystemPrompts) string {
	var builder strings.Builder
	builder.WriteString(basePrompt)
	builder.WriteString("\n\nPREVIOUS ATTEMPT:\n")
	builder.WriteString(previousText)
	builder.WriteString("\n\nISSUES TO FIX:\n")
	for _, issue := range result.Issues {
		builder.WriteString(fmt.Sprintf("- [%s] %s", issue.Severity, issue.Description))
		if issue.Suggestion != "" {
			builder.WriteString(fmt.Sprintf(" (fix: %s)", issue.Suggestion))
		}
		builder.WriteString("\n")
	}
	if len(result.Strengths) > 0 {
		builder.WriteString("\nKEEP THESE STRENGTHS:\n")
		for _, strength := range result.Strengths {
			builder.WriteString(fmt.Sprintf("- %s\n", strength))
		}
	}
	for _, key := range fixTemplateKeys(result.Issues) {
		builder.WriteString("\n")
		builder.WriteString(prompts.PipelineTemplate(key))
	}
	builder.WriteString("\n\nWrite a new version now. Output only the node text.")
	return builder.String()
}

// fixTemplateKeys 按问题类型选择修复模板，保持稳定顺序并去重
func fixTemplateKeys(issues []models.ValidationIssue) []string {
	present := make(map[string]bool, 3)
	for _, issue := range issues {
		switch issue.Type {
		case models.IssueTypeCharacterVoice:
			present[config.TemplateFixCharacterVoice] = true
		case models.IssueTypeContextCoherence:
			present[config.TemplateFixContextCoherence] = true
		case models.IssueTypeStyleOpening, models.IssueTypeStyleCliche:
			present[config.TemplateFixStyle] = true
		}
	}
	ordered := []string{config.TemplateFixCharacterVoice, config.TemplateFixContextCoherence, config.TemplateFixStyle}
	keys := make([]string, 0, len(present))
	for _, key := range ordered {
		if present[key] {
			keys = append(keys, key)
		}
	}
	return keys
}

// ---- 声线检查辅助 ----

var shortStyleMarkers = []string{"short", "clipped", "terse", "blunt"}
var formalStyleMarkers = []string{"formal", "courtly", "precise", "ceremonious"}

var contractions = []string{
	"don't", "can't", "won't", "i'm", "you're", "it's", "that's",
	"didn't", "isn't", "ain't", "we're", "they're", "gonna", "wanna",
}

var warmPhrases = []string{
	"my friend", "of course", "gladly", "happy to help",
	"trust me", "anything for you", "dear",
}

func styleWantsShortSentences(style string) bool {
	return containsAny(style, shortStyleMarkers)
}

func styleWantsFormal(style string) bool {
	return containsAny(style, formalStyleMarkers)
}

func containsContraction(lower string) bool {
	return containsAny(lower, contractions)
}

func containsWarmPhrase(lower string) bool {
	return containsAny(lower, warmPhrases)
}

func containsAny(text string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.Contains(text, pattern) {
			return true
		}
	}
	return false
}

// reflectsMotivation 候选文本是否呼应角色动机的实词
func reflectsMotivation(lower string, motivations []string) (string, bool) {
	for _, motivation := range motivations {
		for _, word := range contentWords(motivation) {
			if strings.Contains(lower, word) {
				return motivation, true
			}
		}
	}
	return "", false
}

// averageSentenceLength 平均每句词数
func averageSentenceLength(text string) int {
	sentences := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	totalWords, count := 0, 0
	for _, sentence := range sentences {
		words := len(strings.Fields(sentence))
		if words == 0 {
			continue
		}
		totalWords += words
		count++
	}
	if count == 0 {
		return 0
	}
	return totalWords / count
}

func clampScore(score float64) float64 {
	if score > 1 {
		return 1
	}
	if score < 0 {
		return 0
	}
	return score
}

// ---- 熔断器 ----

// breakerKeyLen 响应前缀参与键的长度
const breakerKeyLen = 50

// regenBreaker 再生成熔断器
// 键为 (节点ID, 响应前50字符)；窗口内重复出现视为循环
// 只在调用路径上顺带清理过期记录，不跑后台协程，也从不返回错误
type regenBreaker struct {
	mu       sync.Mutex
	attempts map[string]time.Time
	window   time.Duration
	pruneAge time.Duration
}

func newRegenBreaker(window, pruneAge time.Duration) *regenBreaker {
	return &regenBreaker{
		attempts: make(map[string]time.Time),
		window:   window,
		pruneAge: pruneAge,
	}
}

// ShouldTrip 记录本次候选并判断是否熔断
func (b *regenBreaker) ShouldTrip(nodeID, text string) bool {
	key := breakerKey(nodeID, text)
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	for k, at := range b.attempts {
		if now.Sub(at) > b.pruneAge {
			delete(b.attempts, k)
		}
	}

	last, seen := b.attempts[key]
	b.attempts[key] = now
	return seen && now.Sub(last) <= b.window
}

func breakerKey(nodeID, text string) string {
	runes := []rune(text)
	if len(runes) > breakerKeyLen {
		runes = runes[:breakerKeyLen]
	}
	return nodeID + "::" + string(runes)
}
