// internal/services/llm_service.go
package services

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Lorewright/DialogForge/internal/apperrors"
	"github.com/Lorewright/DialogForge/internal/config"
	"github.com/Lorewright/DialogForge/internal/llm"
	"github.com/Lorewright/DialogForge/internal/utils"
)

// 执行器默认参数
const (
	defaultTemperature  = 0.7
	defaultTopP         = 0.9
	defaultTopK         = 40
	defaultMaxTokens    = 256
	defaultTimeout      = 30 * time.Second
	defaultRetries      = 1
	defaultRetryDelay   = 300 * time.Millisecond
	degenerateRetryTemp = 0.8 // 生成错误内部重试时的升温温度
)

// GenerationOptions 单次生成调用的采样与重试参数
type GenerationOptions struct {
	Model       string
	Temperature float64
	TopP        float64
	TopK        int
	MaxTokens   int
	Timeout     time.Duration
	Retries     int           // 仅对瞬时失败生效的额外尝试次数
	RetryDelay  time.Duration // 指数退避基数
}

// DefaultGenerationOptions 返回执行器默认参数
func DefaultGenerationOptions() GenerationOptions {
	return GenerationOptions{
		Temperature: defaultTemperature,
		TopP:        defaultTopP,
		TopK:        defaultTopK,
		MaxTokens:   defaultMaxTokens,
		Timeout:     defaultTimeout,
		Retries:     defaultRetries,
		RetryDelay:  defaultRetryDelay,
	}
}

// OptionsFromSettings 从运行时配置派生执行器参数
func OptionsFromSettings(settings *config.Settings) GenerationOptions {
	opts := DefaultGenerationOptions()
	if settings == nil {
		return opts
	}
	opts.Model = settings.Model
	if settings.Temperature > 0 {
		opts.Temperature = settings.Temperature
	}
	if settings.TopP > 0 {
		opts.TopP = settings.TopP
	}
	if settings.TopK > 0 {
		opts.TopK = settings.TopK
	}
	if settings.MaxTokens > 0 {
		opts.MaxTokens = settings.MaxTokens
	}
	if settings.RequestTimeoutMs > 0 {
		opts.Timeout = time.Duration(settings.RequestTimeoutMs) * time.Millisecond
	}
	return opts
}

// normalize 把零值字段补成默认值
func (o GenerationOptions) normalize() GenerationOptions {
	defaults := DefaultGenerationOptions()
	if o.Temperature <= 0 {
		o.Temperature = defaults.Temperature
	}
	if o.TopP <= 0 {
		o.TopP = defaults.TopP
	}
	if o.TopK <= 0 {
		o.TopK = defaults.TopK
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = defaults.MaxTokens
	}
	if o.Timeout <= 0 {
		o.Timeout = defaults.Timeout
	}
	if o.Retries < 0 {
		o.Retries = defaults.Retries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaults.RetryDelay
	}
	return o
}

// GenerationResult 单次生成调用的产出
type GenerationResult struct {
	Text       string
	TokensUsed int
	Duration   time.Duration
	Attempts   int
}

// LLMService 请求执行器：并发准入、超时控制、指数退避重试、文本清理
type LLMService struct {
	client  llm.Client
	limiter *RequestLimiter
	logger  *zap.Logger
	metrics *utils.MetricsCollector
}

// NewLLMService 创建请求执行器
func NewLLMService(client llm.Client, limiter *RequestLimiter, logger *zap.Logger, metrics *utils.MetricsCollector) (*LLMService, error) {
	if client == nil {
		return nil, apperrors.NewConfigurationError("推理后端客户端未初始化", nil)
	}
	if limiter == nil {
		return nil, apperrors.NewConfigurationError("并发限制器未初始化", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = utils.NewMetricsCollector()
	}
	return &LLMService{
		client:  client,
		limiter: limiter,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// RequestText 执行一次生成调用并返回清理后的文本
// 瞬时失败按指数退避重试；清理后发现退化输出时升温重试一次再报错
func (s *LLMService) RequestText(ctx context.Context, nodeKey, prompt string, opts GenerationOptions) (*GenerationResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, apperrors.NewValidationError("提示词不能为空", nil)
	}
	opts = opts.normalize()
	s.metrics.AddCounter(utils.MetricGenerationTotal, 1)
	start := time.Now()

	result, err := s.requestWithRetries(ctx, nodeKey, prompt, opts)
	if err != nil {
		s.metrics.AddCounter(utils.MetricGenerationErrors, 1)
		return nil, err
	}

	cleaned, cleanErr := CleanResponseText(result.Text)
	if cleanErr != nil {
		// 退化输出：升温重试一次
		s.logger.Warn("Degenerate output, retrying once at higher temperature",
			zap.String("nodeKey", nodeKey),
			zap.Error(cleanErr))
		bumped := opts
		if bumped.Temperature < degenerateRetryTemp {
			bumped.Temperature = degenerateRetryTemp
		}
		retried, err := s.requestWithRetries(ctx, nodeKey, prompt, bumped)
		if err != nil {
			s.metrics.AddCounter(utils.MetricGenerationErrors, 1)
			return nil, err
		}
		result.Attempts += retried.Attempts
		result.TokensUsed = retried.TokensUsed
		cleaned, cleanErr = CleanResponseText(retried.Text)
		if cleanErr != nil {
			s.metrics.AddCounter(utils.MetricGenerationErrors, 1)
			return nil, cleanErr
		}
	}

	result.Text = cleaned
	result.Duration = time.Since(start)
	return result, nil
}

// requestWithRetries 有界重试循环
// 只有超时、网络、服务不可用会重试；API 错误一次即终止
func (s *LLMService) requestWithRetries(ctx context.Context, nodeKey, prompt string, opts GenerationOptions) (*GenerationResult, error) {
	var lastErr error
	result := &GenerationResult{}

	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			delay := opts.RetryDelay * time.Duration(1<<(attempt-1))
			s.metrics.AddCounter(utils.MetricRetryTotal, 1)
			s.logger.Info("Retrying backend request",
				zap.String("nodeKey", nodeKey),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, apperrors.NewTimeoutError("等待重试时请求被取消", ctx.Err())
			}
		}

		result.Attempts++
		resp, err := s.attemptOnce(ctx, nodeKey, prompt, opts)
		if err == nil {
			result.Text = resp.Text
			result.TokensUsed = resp.TokensUsed
			return result, nil
		}

		lastErr = err
		if !apperrors.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// attemptOnce 单次 HTTP 尝试：先过并发限制器，再在超时上下文里调用后端
func (s *LLMService) attemptOnce(ctx context.Context, nodeKey, prompt string, opts GenerationOptions) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := s.limiter.Execute(ctx, nodeKey, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()

		start := time.Now()
		completion, err := s.client.CompleteText(attemptCtx, llm.CompletionRequest{
			Prompt:      prompt,
			Model:       opts.Model,
			MaxTokens:   opts.MaxTokens,
			Temperature: opts.Temperature,
			TopP:        opts.TopP,
			TopK:        opts.TopK,
		})
		s.metrics.ObserveDuration(utils.MetricRequestDuration, start)
		if err != nil {
			return err
		}
		resp = completion
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ListModels 枚举后端可用模型
func (s *LLMService) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	return s.client.ListModels(ctx)
}

// Ping 后端连通性检查
func (s *LLMService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// BackendName 后端名称
func (s *LLMService) BackendName() string {
	return s.client.Name()
}

// nodeTypeMarker 匹配模型回显的方括号格式标记，如 [NPC_DIALOG]
var nodeTypeMarker = regexp.MustCompile(`^\[[A-Z][A-Z_ ]*\]\s*|\s*\[[A-Z][A-Z_ ]*\]$`)

// refusalPatterns 拒绝回答的特征片段
var refusalPatterns = []string{
	"i need more context",
	"i need more information",
	"i cannot generate",
	"i can't generate",
	"i'm unable to",
	"i am unable to",
	"as an ai",
	"please provide more",
	"could you clarify",
	"i'm sorry, but i",
}

// CleanResponseText 清理模型原始输出
// 去掉包裹引号和格式标记；清理后为空或命中拒绝模式时返回生成错误
func CleanResponseText(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	for {
		stripped := nodeTypeMarker.ReplaceAllString(text, "")
		stripped = strings.TrimSpace(stripped)
		if stripped == text {
			break
		}
		text = stripped
	}
	text = stripWrappingQuotes(text)
	text = strings.TrimSpace(text)

	if text == "" {
		return "", apperrors.NewGenerationError("模型返回了空内容", nil)
	}
	if isRefusal(text) {
		return "", apperrors.NewGenerationError("模型拒绝生成: "+snippet(text, 80), nil)
	}
	return text, nil
}

// wrappingQuotePairs 可剥离的包裹引号对
var wrappingQuotePairs = map[rune]rune{
	'"':  '"',
	'\'': '\'',
	'“':  '”',
	'‘':  '’',
	'「':  '」',
}

// stripWrappingQuotes 去掉成对的包裹引号，最多剥两层
func stripWrappingQuotes(text string) string {
	for i := 0; i < 2; i++ {
		runes := []rune(text)
		if len(runes) < 2 {
			return text
		}
		closing, ok := wrappingQuotePairs[runes[0]]
		if !ok || runes[len(runes)-1] != closing {
			return text
		}
		text = strings.TrimSpace(string(runes[1 : len(runes)-1]))
	}
	return text
}

// isRefusal 拒绝检测
// 含问号的句子和简短肯定/否定回答视为正常输出
func isRefusal(text string) bool {
	if strings.Contains(text, "?") {
		return false
	}
	lower := strings.ToLower(text)
	if isLegitShortAnswer(lower) {
		return false
	}
	for _, pattern := range refusalPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// isLegitShortAnswer 四个词以内、以常见应答词开头的短句
func isLegitShortAnswer(lower string) bool {
	trimmed := strings.Trim(lower, " .!…")
	if trimmed == "" {
		return false
	}
	words := strings.Fields(trimmed)
	if len(words) > 4 {
		return false
	}
	switch words[0] {
	case "yes", "no", "maybe", "never", "fine", "alright", "okay", "agreed", "done", "perhaps":
		return true
	}
	return false
}

// snippet 截断文本用于错误信息
func snippet(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
