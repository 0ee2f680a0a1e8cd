// internal/services/diversity_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/Lorewright/DialogForge/internal/apperrors"
	"github.com/Lorewright/DialogForge/internal/config"
	"github.com/Lorewright/DialogForge/internal/models"
	"github.com/Lorewright/DialogForge/internal/utils"
)

// maxBoostedTemperature 多样性再生成的温度上限
const maxBoostedTemperature = 2.0

// DiversityConfig 相似度启发式阈值
// 经验调参值，按配置项保留而不重新推导
type DiversityConfig struct {
	PrefixLength    int     // 共享开头判定的最小字符数
	OverlapRatio    float64 // 实词（长于3字符）重叠比例判定线
	PhraseMinLength int     // 共享 2–3 词短语的最小字符数
	Boost           float64 // 再生成时叠加的温度增量
}

// DefaultDiversityConfig 返回默认相似度配置
func DefaultDiversityConfig() DiversityConfig {
	return DiversityConfig{
		PrefixLength:    8,
		OverlapRatio:    0.3,
		PhraseMinLength: 6,
		Boost:           0.3,
	}
}

// DiversityService 多样性执行器
// 已接受的文本与同类型响应比对，相似时触发至多一次升温再生成
type DiversityService struct {
	executor *LLMService
	cfg      DiversityConfig
	logger   *zap.Logger
	metrics  *utils.MetricsCollector
}

// NewDiversityService 创建多样性执行器
func NewDiversityService(executor *LLMService, cfg DiversityConfig, logger *zap.Logger, metrics *utils.MetricsCollector) (*DiversityService, error) {
	if executor == nil {
		return nil, apperrors.NewConfigurationError("请求执行器未初始化", nil)
	}
	defaults := DefaultDiversityConfig()
	if cfg.PrefixLength <= 0 {
		cfg.PrefixLength = defaults.PrefixLength
	}
	if cfg.OverlapRatio <= 0 {
		cfg.OverlapRatio = defaults.OverlapRatio
	}
	if cfg.PhraseMinLength <= 0 {
		cfg.PhraseMinLength = defaults.PhraseMinLength
	}
	if cfg.Boost < 0 {
		cfg.Boost = defaults.Boost
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = utils.NewMetricsCollector()
	}
	return &DiversityService{
		executor: executor,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// DiversityRequest 多样性检查的输入
type DiversityRequest struct {
	NodeID     string
	Text       string   // 验证回路已接受的文本
	Existing   []string // 同类型的兄弟/历史响应
	BasePrompt string
	Prompts    *config.SystemPrompts
	Options    GenerationOptions
}

// DiversityOutcome 多样性检查的输出
type DiversityOutcome struct {
	Text        string
	Regenerated bool
	Reason      string // 触发再生成的相似原因
	TokensUsed  int
}

// EnsureDiverse 相似时触发一次再生成
// 再生成结果直接返回（即便仍然相似，也不再递归）；执行失败则退回已接受文本，从不报错
func (s *DiversityService) EnsureDiverse(ctx context.Context, req DiversityRequest) *DiversityOutcome {
	outcome := &DiversityOutcome{Text: req.Text}

	reason, similar := s.findSimilar(req.Text, req.Existing)
	if !similar {
		return outcome
	}

	s.metrics.AddCounter(utils.MetricDiversityRetries, 1)
	s.logger.Info("Similar response detected, regenerating once at boosted temperature",
		zap.String("nodeID", req.NodeID),
		zap.String("reason", reason))

	prompt := s.buildDifferentiationPrompt(req.BasePrompt, req.Existing, req.Prompts)
	opts := req.Options
	opts.Temperature = boostedTemperature(opts.Temperature, s.cfg.Boost)

	gen, err := s.executor.RequestText(ctx, req.NodeID, prompt, opts)
	if err != nil {
		// 多样性再生成失败不致命，保留已接受文本
		s.logger.Warn("Diversity regeneration failed, keeping accepted text",
			zap.String("nodeID", req.NodeID),
			zap.Error(err))
		return outcome
	}

	outcome.Text = gen.Text
	outcome.Regenerated = true
	outcome.Reason = reason
	outcome.TokensUsed = gen.TokensUsed
	return outcome
}

// IsSimilar 判断候选文本是否与任一已有响应相似
func (s *DiversityService) IsSimilar(candidate string, existing []string) bool {
	_, similar := s.findSimilar(candidate, existing)
	return similar
}

// findSimilar 按启发式顺序比对：共享开头 → 实词重叠 → 共享短语
func (s *DiversityService) findSimilar(candidate string, existing []string) (string, bool) {
	for _, other := range existing {
		if reason, similar := s.similarPair(candidate, other); similar {
			return reason, true
		}
	}
	return "", false
}

func (s *DiversityService) similarPair(candidate, existing string) (string, bool) {
	if sharedPrefixLen(candidate, existing) >= s.cfg.PrefixLength {
		return fmt.Sprintf("shares a %d+ character opening with an existing response", s.cfg.PrefixLength), true
	}
	if overlap := contentWordOverlap(candidate, existing); overlap > s.cfg.OverlapRatio {
		return fmt.Sprintf("%.0f%% of its words repeat an existing response", overlap*100), true
	}
	if phrase, ok := sharedPhrase(candidate, existing, s.cfg.PhraseMinLength); ok {
		return fmt.Sprintf("repeats the phrase %q", phrase), true
	}
	return "", false
}

// buildDifferentiationPrompt 构建强制差异化提示词，逐条列出需要避开的响应
func (s *DiversityService) buildDifferentiationPrompt(basePrompt string, existing []string, prompts *config.SystemPrompts) string {
	var builder strings.Builder
	builder.WriteString(basePrompt)
	builder.WriteString("\n\n")
	builder.WriteString(prompts.PipelineTemplate(config.TemplateDiversityDifferentiation))
	builder.WriteString("\n\nRESPONSES TO AVOID:\n")
	for _, text := range existing {
		builder.WriteString(fmt.Sprintf("- %s\n", text))
	}
	builder.WriteString("\nWrite a clearly different version now. Output only the node text.")
	return builder.String()
}

// boostedTemperature 基础温度加增量，封顶 2.0
func boostedTemperature(base, boost float64) float64 {
	boosted := base + boost
	if boosted > maxBoostedTemperature {
		return maxBoostedTemperature
	}
	return boosted
}

// CollectComparableTexts 收集同类型的兄弟与历史响应文本，供相似度比对
func CollectComparableTexts(genCtx *models.GenerateContext, nodeType models.NodeType) []string {
	if genCtx == nil {
		return nil
	}

	var texts []string
	seen := make(map[string]bool)
	add := func(node models.DialogContext) {
		if node.Type != nodeType {
			return
		}
		if node.NodeID != "" && node.NodeID == genCtx.Current.NodeID {
			return
		}
		text := strings.TrimSpace(node.Text)
		if text == "" || seen[text] {
			return
		}
		seen[text] = true
		texts = append(texts, text)
	}

	for _, node := range genCtx.SiblingNodes {
		add(node)
	}
	for _, node := range genCtx.Previous {
		add(node)
	}
	return texts
}

// ---- 相似度启发式 ----

// sharedPrefixLen 忽略大小写的共同开头长度（按字符计）
func sharedPrefixLen(a, b string) int {
	ra := []rune(strings.ToLower(strings.TrimSpace(a)))
	rb := []rune(strings.ToLower(strings.TrimSpace(b)))
	n := len(ra)
	if len(rb) < n {
		n = len(rb)
	}
	count := 0
	for i := 0; i < n; i++ {
		if ra[i] != rb[i] {
			break
		}
		count++
	}
	return count
}

// contentWordOverlap 候选实词中与已有响应重合的比例
func contentWordOverlap(candidate, existing string) float64 {
	candWords := wordSet(contentWords(candidate))
	if len(candWords) == 0 {
		return 0
	}
	existWords := wordSet(contentWords(existing))
	shared := 0
	for word := range candWords {
		if existWords[word] {
			shared++
		}
	}
	return float64(shared) / float64(len(candWords))
}

// sharedPhrase 查找两段文本共享的 2–3 词短语
func sharedPhrase(candidate, existing string, minLen int) (string, bool) {
	existSet := make(map[string]bool)
	for _, gram := range phrases(existing, minLen) {
		existSet[gram] = true
	}
	for _, gram := range phrases(candidate, minLen) {
		if existSet[gram] {
			return gram, true
		}
	}
	return "", false
}

// phrases 提取 2–3 词的短语窗口，过滤过短的组合
func phrases(text string, minLen int) []string {
	words := normalizedWords(text)
	var result []string
	for n := 2; n <= 3; n++ {
		for i := 0; i+n <= len(words); i++ {
			phrase := strings.Join(words[i:i+n], " ")
			if len(phrase) >= minLen {
				result = append(result, phrase)
			}
		}
	}
	return result
}

// contentWords 长于3字符的实词，小写
func contentWords(text string) []string {
	var words []string
	for _, word := range normalizedWords(text) {
		if len(word) > 3 {
			words = append(words, word)
		}
	}
	return words
}

// normalizedWords 小写并剥离标点后的全部词，撇号保留以免拆散缩写
func normalizedWords(text string) []string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || r == '\'' {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)
	return strings.Fields(cleaned)
}

func wordSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, word := range words {
		set[word] = true
	}
	return set
}
