// internal/services/generation_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Lorewright/DialogForge/internal/apperrors"
	"github.com/Lorewright/DialogForge/internal/config"
	"github.com/Lorewright/DialogForge/internal/models"
)

// SettingsProvider 提供当前生效的管线配置
// 配置服务实现它；热更新后 Current 返回新的快照。
type SettingsProvider interface {
	Current() *config.Settings
}

// GenerationService 串联完整的生成管线：
// 装配提示词 → 执行推理 → 质量收敛 → 差异化检查 → 落账。
// 对上层（HTTP/MCP/批量）暴露统一的生成入口。
type GenerationService struct {
	settings  SettingsProvider
	assembler *ContextService
	executor  *LLMService
	validator *ValidationService
	diversity *DiversityService
	history   *HistoryService
	progress  *BatchProgressService
	logger    *zap.Logger
}

// NewGenerationService 创建生成服务
// history 与 progress 允许为 nil（不落账/不跟踪进度），其余依赖必填。
func NewGenerationService(
	settings SettingsProvider,
	assembler *ContextService,
	executor *LLMService,
	validator *ValidationService,
	diversity *DiversityService,
	history *HistoryService,
	progress *BatchProgressService,
	logger *zap.Logger,
) (*GenerationService, error) {
	if settings == nil {
		return nil, apperrors.NewConfigurationError("生成服务需要配置提供者", nil)
	}
	if assembler == nil {
		return nil, apperrors.NewConfigurationError("生成服务需要上下文装配器", nil)
	}
	if executor == nil {
		return nil, apperrors.NewConfigurationError("生成服务需要请求执行器", nil)
	}
	if validator == nil {
		return nil, apperrors.NewConfigurationError("生成服务需要质量校验器", nil)
	}
	if diversity == nil {
		return nil, apperrors.NewConfigurationError("生成服务需要差异化检查器", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GenerationService{
		settings:  settings,
		assembler: assembler,
		executor:  executor,
		validator: validator,
		diversity: diversity,
		history:   history,
		progress:  progress,
		logger:    logger,
	}, nil
}

// Generate 为节点生成全新文本
func (s *GenerationService) Generate(ctx context.Context, nodeType models.NodeType, genCtx *models.GenerateContext) (string, error) {
	return s.run(ctx, models.GenerationTypeRecreate, nodeType, genCtx,
		func(prompts *config.SystemPrompts) (string, error) {
			return s.assembler.BuildPrompt(prompts, nodeType, genCtx)
		})
}

// Improve 在保留意图的前提下改写节点现有文本
func (s *GenerationService) Improve(ctx context.Context, nodeType models.NodeType, genCtx *models.GenerateContext, currentText string) (string, error) {
	return s.run(ctx, models.GenerationTypeImprove, nodeType, genCtx,
		func(prompts *config.SystemPrompts) (string, error) {
			return s.assembler.BuildImprovePrompt(prompts, nodeType, genCtx, currentText)
		})
}

// GenerateWithCustomPrompt 按作者的自定义指令生成
// systemOverride 非空时替换节点类型的系统模板。
func (s *GenerationService) GenerateWithCustomPrompt(ctx context.Context, nodeType models.NodeType, genCtx *models.GenerateContext, customPrompt, systemOverride string) (string, error) {
	return s.run(ctx, models.GenerationTypeCustom, nodeType, genCtx,
		func(prompts *config.SystemPrompts) (string, error) {
			return s.assembler.BuildCustomPrompt(prompts, nodeType, genCtx, customPrompt, systemOverride)
		})
}

// EvaluateQuality 对现有文本评分，不触发任何网络调用
func (s *GenerationService) EvaluateQuality(ctx context.Context, text string, genCtx *models.GenerateContext, nodeType models.NodeType) (*models.NodeValidationResult, error) {
	_ = ctx // 评分是纯本地计算
	if genCtx == nil {
		return nil, apperrors.NewValidationError("生成上下文不能为空", nil)
	}
	return s.validator.EvaluateQuality(genCtx.Current.NodeID, text, genCtx, nodeType)
}

// BatchOptions 批量执行方式
type BatchOptions struct {
	Parallel bool   // true 为并行（联合等待），false 为按索引顺序串行
	TaskID   string // 进度跟踪标识，为空时自动生成
}

// RunBatch 执行显式批量任务列表，返回与输入同序的结果列表
// 单个任务的失败记录在对应结果里，不中断其余任务；
// 不支持中途取消，已派发的请求会运行到结束。
func (s *GenerationService) RunBatch(ctx context.Context, tasks []models.BatchTask, opts BatchOptions) ([]models.BatchResult, error) {
	if len(tasks) == 0 {
		return nil, apperrors.NewValidationError("批量任务列表为空", nil)
	}

	taskID := opts.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}

	var tracker *BatchTracker
	if s.progress != nil {
		tracker = s.progress.CreateTracker(taskID, len(tasks))
	}

	s.logger.Info("🚀 批量生成开始",
		zap.String("task_id", taskID),
		zap.Int("tasks", len(tasks)),
		zap.Bool("parallel", opts.Parallel))

	results := make([]models.BatchResult, len(tasks))
	if opts.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i := range tasks {
			i := i
			g.Go(func() error {
				results[i] = s.runBatchTask(gctx, tasks[i])
				if tracker != nil {
					tracker.NodeDone(results[i].NodeID, batchResultErr(results[i]))
				}
				return nil
			})
		}
		// 任务错误已写入各自的结果，联合等待不会返回错误
		_ = g.Wait()
	} else {
		for i := range tasks {
			results[i] = s.runBatchTask(ctx, tasks[i])
			if tracker != nil {
				tracker.NodeDone(results[i].NodeID, batchResultErr(results[i]))
			}
		}
	}

	if tracker != nil {
		tracker.Finish()
	}

	s.logger.Info("🏁 批量生成结束", zap.String("task_id", taskID))
	return results, nil
}

// run 执行一次完整的生成管线
func (s *GenerationService) run(ctx context.Context, genType models.GenerationType, nodeType models.NodeType, genCtx *models.GenerateContext, assemble func(*config.SystemPrompts) (string, error)) (string, error) {
	if genCtx == nil {
		return "", apperrors.NewValidationError("生成上下文不能为空", nil)
	}
	// 不支持的节点类型在任何网络调用前被硬性拒绝
	if !nodeType.IsValid() {
		return "", apperrors.NewValidationError(fmt.Sprintf("不支持的节点类型: %s", nodeType), nil)
	}

	settings := s.settings.Current()
	if settings == nil {
		return "", apperrors.NewConfigurationError("当前没有可用的管线配置", nil)
	}
	prompts := &settings.SystemPrompts

	prompt, err := assemble(prompts)
	if err != nil {
		return "", err
	}

	start := time.Now()
	opts := OptionsFromSettings(settings)
	nodeID := genCtx.Current.NodeID

	generated, err := s.executor.RequestText(ctx, nodeID, prompt, opts)
	if err != nil {
		s.recordHistory(nodeID, prompt, err.Error(), false, genType, start, 0)
		return "", err
	}

	refined, err := s.validator.ValidateAndRefine(ctx, RefineRequest{
		NodeID:     nodeID,
		NodeType:   nodeType,
		Text:       generated.Text,
		BasePrompt: prompt,
		GenCtx:     genCtx,
		Prompts:    prompts,
		Options:    opts,
		MaxRetries: -1,
	})
	if err != nil {
		s.recordHistory(nodeID, prompt, err.Error(), false, genType, start, generated.TokensUsed)
		return "", err
	}
	if refined.Warning != "" {
		s.logger.Warn("⚠️ 质量收敛未完成，按现状接受",
			zap.String("node_id", nodeID),
			zap.String("warning", refined.Warning))
	}

	outcome := s.diversity.EnsureDiverse(ctx, DiversityRequest{
		NodeID:     nodeID,
		Text:       refined.Text,
		Existing:   CollectComparableTexts(genCtx, nodeType),
		BasePrompt: prompt,
		Prompts:    prompts,
		Options:    opts,
	})

	tokens := generated.TokensUsed + refined.TokensUsed + outcome.TokensUsed
	s.recordHistory(nodeID, prompt, outcome.Text, true, genType, start, tokens)

	s.logger.Info("✨ 节点文本生成完成",
		zap.String("node_id", nodeID),
		zap.String("node_type", string(nodeType)),
		zap.String("kind", string(genType)),
		zap.Int("tokens", tokens),
		zap.Int("quality_rewrites", refined.Regenerations),
		zap.Bool("diversity_rewrite", outcome.Regenerated),
		zap.Duration("elapsed", time.Since(start)))

	return outcome.Text, nil
}

// runBatchTask 执行单个批量任务，错误写入结果而不向上传播
func (s *GenerationService) runBatchTask(ctx context.Context, task models.BatchTask) models.BatchResult {
	genCtx := task.Context
	if genCtx.Current.NodeID == "" {
		genCtx.Current.NodeID = task.NodeID
	}
	nodeID := task.NodeID
	if nodeID == "" {
		nodeID = genCtx.Current.NodeID
	}

	var (
		text string
		err  error
	)
	switch task.Kind {
	case models.GenerationTypeImprove:
		text, err = s.Improve(ctx, task.NodeType, &genCtx, genCtx.Current.Text)
	case models.GenerationTypeCustom:
		text, err = s.GenerateWithCustomPrompt(ctx, task.NodeType, &genCtx, task.CustomPrompt, "")
	case models.GenerationTypeRecreate, "":
		text, err = s.Generate(ctx, task.NodeType, &genCtx)
	default:
		err = apperrors.NewValidationError(fmt.Sprintf("未知的批量任务类型: %s", task.Kind), nil)
	}

	result := models.BatchResult{NodeID: nodeID}
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Text = text
	return result
}

// recordHistory 追加历史记录，失败只告警不中断生成
func (s *GenerationService) recordHistory(nodeID, prompt, result string, success bool, genType models.GenerationType, start time.Time, tokens int) {
	if s.history == nil || nodeID == "" {
		return
	}

	item := models.AIHistoryItem{
		NodeID:  nodeID,
		Prompt:  prompt,
		Result:  result,
		Success: success,
		Type:    genType,
		Metadata: models.HistoryMetadata{
			ExecutionTime: time.Since(start).Milliseconds(),
			TokensUsed:    tokens,
		},
	}
	if _, err := s.history.Record(item); err != nil {
		s.logger.Warn("历史记录写入失败", zap.Error(err))
	}
}

func batchResultErr(result models.BatchResult) error {
	if result.Error == "" {
		return nil
	}
	return errors.New(result.Error)
}
