// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Lorewright/DialogForge/internal/apperrors"
	"github.com/Lorewright/DialogForge/internal/config"
	"github.com/Lorewright/DialogForge/internal/models"
	"github.com/Lorewright/DialogForge/internal/services"
	"github.com/Lorewright/DialogForge/internal/storage"
	"github.com/Lorewright/DialogForge/internal/utils"
)

// Handler 处理API请求
type Handler struct {
	GenerationService *services.GenerationService    // 生成管线门面
	LLMService        *services.LLMService           // 推理后端执行器
	HistoryService    *services.HistoryService       // 生成历史台账
	ProgressService   *services.BatchProgressService // 批量进度跟踪
	ConfigService     *services.ConfigService        // 管线配置服务
	TagService        *services.TagService           // 标签解析与校验
	TagLibrary        *storage.TagLibrary            // 标签注册表
	Metrics           *utils.MetricsCollector        // 运行指标
	WSManager         *WebSocketManager              // WebSocket 管理器
	Response          *ResponseHelper                // 响应助手
	logger            *zap.Logger
}

// NewHandler 创建API处理器
func NewHandler(
	generation *services.GenerationService,
	executor *services.LLMService,
	history *services.HistoryService,
	progress *services.BatchProgressService,
	configService *services.ConfigService,
	tagService *services.TagService,
	tagLibrary *storage.TagLibrary,
	metrics *utils.MetricsCollector,
	wsManager *WebSocketManager,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Handler{
		GenerationService: generation,
		LLMService:        executor,
		HistoryService:    history,
		ProgressService:   progress,
		ConfigService:     configService,
		TagService:        tagService,
		TagLibrary:        tagLibrary,
		Metrics:           metrics,
		WSManager:         wsManager,
		Response:          NewResponseHelper(),
		logger:            logger,
	}
}

// APIResponse 标准API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"` // 用于调试和追踪
}

// APIError 标准错误格式
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// GenerateNodeRequest 单节点生成请求
type GenerateNodeRequest struct {
	NodeID   string                  `json:"node_id"`                     // 目标节点ID，也可由 context.current 提供
	NodeType string                  `json:"node_type" binding:"required"` // npc_dialog / player_response / narration
	Context  *models.GenerateContext `json:"context"`                     // 结构上下文，缺省按孤立节点处理
}

// ImproveNodeRequest 节点润色请求
type ImproveNodeRequest struct {
	NodeID      string                  `json:"node_id"`
	NodeType    string                  `json:"node_type" binding:"required"`
	Context     *models.GenerateContext `json:"context"`
	CurrentText string                  `json:"current_text" binding:"required"` // 待润色的现有文本
}

// CustomGenerateRequest 自定义指令生成请求
type CustomGenerateRequest struct {
	NodeID         string                  `json:"node_id"`
	NodeType       string                  `json:"node_type" binding:"required"`
	Context        *models.GenerateContext `json:"context"`
	CustomPrompt   string                  `json:"custom_prompt" binding:"required"` // 作者的生成指令
	SystemOverride string                  `json:"system_override"`                  // 非空时替换系统模板
}

// EvaluateNodeRequest 质量评估请求
type EvaluateNodeRequest struct {
	NodeID   string                  `json:"node_id"`
	NodeType string                  `json:"node_type" binding:"required"`
	Context  *models.GenerateContext `json:"context"`
	Text     string                  `json:"text" binding:"required"` // 待评估的文本
}

// BatchGenerateRequest 批量生成请求
type BatchGenerateRequest struct {
	Tasks    []models.BatchTask `json:"tasks" binding:"required"` // 显式任务列表，结果与输入同序
	Parallel bool               `json:"parallel"`                 // true 并行联合等待，false 按索引顺序串行
	TaskID   string             `json:"task_id"`                  // 可选，未提供时自动生成
}

// resolveContext 归一化请求中的节点上下文
// node_id 优先取顶层字段，上下文缺省按孤立节点处理。
func resolveContext(nodeID string, genCtx *models.GenerateContext) (*models.GenerateContext, string) {
	if genCtx == nil {
		genCtx = &models.GenerateContext{}
	}
	if nodeID == "" {
		nodeID = genCtx.Current.NodeID
	}
	if genCtx.Current.NodeID == "" {
		genCtx.Current.NodeID = nodeID
	}
	return genCtx, nodeID
}

// ========================================
// 节点生成处理器
// ========================================

// GenerateNode 为节点生成全新文本
func (h *Handler) GenerateNode(c *gin.Context) {
	var req GenerateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	genCtx, nodeID := resolveContext(req.NodeID, req.Context)
	if nodeID == "" {
		h.Response.BadRequest(c, "缺少节点ID")
		return
	}

	text, err := h.GenerationService.Generate(c.Request.Context(), models.NodeType(req.NodeType), genCtx)
	if err != nil {
		h.Response.ServiceError(c, err)
		return
	}

	h.Response.Success(c, gin.H{
		"node_id":   nodeID,
		"node_type": req.NodeType,
		"text":      text,
	}, "节点文本生成完成")
}

// ImproveNode 在保留意图的前提下改写节点现有文本
func (h *Handler) ImproveNode(c *gin.Context) {
	var req ImproveNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	genCtx, nodeID := resolveContext(req.NodeID, req.Context)
	if nodeID == "" {
		h.Response.BadRequest(c, "缺少节点ID")
		return
	}

	text, err := h.GenerationService.Improve(c.Request.Context(), models.NodeType(req.NodeType), genCtx, req.CurrentText)
	if err != nil {
		h.Response.ServiceError(c, err)
		return
	}

	h.Response.Success(c, gin.H{
		"node_id":   nodeID,
		"node_type": req.NodeType,
		"text":      text,
	}, "节点文本润色完成")
}

// CustomGenerate 按作者的自定义指令生成
func (h *Handler) CustomGenerate(c *gin.Context) {
	var req CustomGenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	genCtx, nodeID := resolveContext(req.NodeID, req.Context)
	if nodeID == "" {
		h.Response.BadRequest(c, "缺少节点ID")
		return
	}

	text, err := h.GenerationService.GenerateWithCustomPrompt(
		c.Request.Context(), models.NodeType(req.NodeType), genCtx, req.CustomPrompt, req.SystemOverride)
	if err != nil {
		h.Response.ServiceError(c, err)
		return
	}

	h.Response.Success(c, gin.H{
		"node_id":   nodeID,
		"node_type": req.NodeType,
		"text":      text,
	}, "节点文本生成完成")
}

// EvaluateNode 对现有文本做质量评分，不触发推理调用
func (h *Handler) EvaluateNode(c *gin.Context) {
	var req EvaluateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	genCtx, _ := resolveContext(req.NodeID, req.Context)

	result, err := h.GenerationService.EvaluateQuality(c.Request.Context(), req.Text, genCtx, models.NodeType(req.NodeType))
	if err != nil {
		h.Response.ServiceError(c, err)
		return
	}

	h.Response.Success(c, result, "质量评估完成")
}

// ========================================
// 批量生成处理器
// ========================================

// RunBatch 提交批量生成任务，立即返回任务ID
// 任务脱离请求生命周期在后台执行，进度通过 SSE 订阅；
// 已提交的批量不支持中途取消，派发中的请求会运行到结束。
func (h *Handler) RunBatch(c *gin.Context) {
	var req BatchGenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	if len(req.Tasks) == 0 {
		h.Response.Error(c, http.StatusBadRequest, ErrorBatchEmpty, "批量任务列表为空")
		return
	}

	for i := range req.Tasks {
		if req.Tasks[i].NodeID == "" && req.Tasks[i].Context.Current.NodeID == "" {
			h.Response.BadRequest(c, fmt.Sprintf("第 %d 个任务缺少节点ID", i+1))
			return
		}
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}

	// 预创建跟踪器，进度订阅在首个任务完成前即可建立
	if h.ProgressService != nil {
		h.ProgressService.CreateTracker(taskID, len(req.Tasks))
	}

	opts := services.BatchOptions{Parallel: req.Parallel, TaskID: taskID}

	go func() {
		if _, err := h.GenerationService.RunBatch(context.Background(), req.Tasks, opts); err != nil {
			h.logger.Error("批量生成执行失败",
				zap.String("task_id", taskID),
				zap.Error(err))
		}
	}()

	h.Response.Accepted(c, gin.H{
		"task_id":      taskID,
		"total":        len(req.Tasks),
		"parallel":     req.Parallel,
		"progress_url": "/api/batch/" + taskID + "/progress",
	}, "批量生成任务已提交")
}

// SubscribeBatchProgress 以SSE流订阅批量生成进度
func (h *Handler) SubscribeBatchProgress(c *gin.Context) {
	taskID := c.Param("taskID")

	tracker, exists := h.ProgressService.GetTracker(taskID)
	if !exists {
		h.Response.NotFound(c, "任务")
		return
	}

	// 设置SSE响应头
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Transfer-Encoding", "chunked")

	clientGone := c.Request.Context().Done()

	updateChan := tracker.Subscribe()
	defer tracker.Unsubscribe(updateChan)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	// 发送初始事件保持连接打开
	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"message\":\"连接已建立\"}\n\n")
	c.Writer.Flush()

	for {
		select {
		case <-clientGone:
			// 客户端断开连接
			return
		case update, ok := <-updateChan:
			if !ok {
				return
			}
			data, _ := json.Marshal(update)
			fmt.Fprintf(c.Writer, "event: progress\ndata: %s\n\n", string(data))
			c.Writer.Flush()

			// 任务结束后关闭流
			if update.Status == services.BatchStatusCompleted || update.Status == services.BatchStatusFailed {
				return
			}
		case <-ticker.C:
			// 心跳保持连接
			fmt.Fprintf(c.Writer, "event: heartbeat\ndata: {\"time\":%d}\n\n", time.Now().Unix())
			c.Writer.Flush()
		}
	}
}

// ========================================
// 历史台账处理器
// ========================================

// GetNodeHistory 获取单个节点的生成历史
func (h *Handler) GetNodeHistory(c *gin.Context) {
	nodeID := c.Param("nodeID")
	if nodeID == "" {
		h.Response.BadRequest(c, "缺少节点ID")
		return
	}

	items := h.HistoryService.ByNode(nodeID)
	h.Response.Success(c, gin.H{
		"node_id": nodeID,
		"items":   items,
		"count":   len(items),
	})
}

// GetHistory 获取生成历史台账
// limit 限制返回的最近条数，0 或缺省返回全部。
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.Response.BadRequest(c, "limit 参数必须是非负整数")
			return
		}
		limit = parsed
	}

	items := h.HistoryService.All(limit)
	h.Response.Success(c, gin.H{
		"items": items,
		"count": len(items),
		"total": h.HistoryService.Len(),
	})
}

// ClearHistory 清空生成历史台账
func (h *Handler) ClearHistory(c *gin.Context) {
	if err := h.HistoryService.Clear(); err != nil {
		h.Response.Error(c, http.StatusInternalServerError, ErrorHistoryClearFailed,
			"清空历史台账失败", err.Error())
		return
	}

	h.Response.Success(c, nil, "历史台账已清空")
}

// HistoryWebSocket 把连接升级为历史事件流
func (h *Handler) HistoryWebSocket(c *gin.Context) {
	h.WSManager.HandleConnection(c)
}

// ========================================
// 后端与设置处理器
// ========================================

// GetModels 枚举推理后端可用的模型
func (h *Handler) GetModels(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	modelList, err := h.LLMService.ListModels(ctx)
	if err != nil {
		h.Response.ServiceError(c, err)
		return
	}

	h.Response.Success(c, gin.H{
		"backend": h.LLMService.BackendName(),
		"models":  modelList,
		"count":   len(modelList),
	})
}

// GetStatus 获取服务与推理后端状态
// 探活端点不走统一响应包装，保持输出扁平。
func (h *Handler) GetStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	pingErr := h.LLMService.Ping(ctx)
	settings := h.ConfigService.Current()

	status := map[string]interface{}{
		"ready":          pingErr == nil,
		"backend":        h.LLMService.BackendName(),
		"model":          settings.Model,
		"base_url":       settings.BaseURL,
		"max_concurrent": settings.MaxConcurrent,
		"timestamp":      time.Now().Format(time.RFC3339),
	}
	if pingErr != nil {
		status["error"] = pingErr.Error()
	}
	if h.Metrics != nil {
		status["metrics"] = h.Metrics.GetMetrics()
	}
	if h.WSManager != nil {
		status["websocket"] = h.WSManager.Status()
	}

	c.JSON(http.StatusOK, status)
}

// GetSettings 获取当前生效的管线配置
func (h *Handler) GetSettings(c *gin.Context) {
	h.Response.Success(c, h.ConfigService.Current(), "设置获取成功")
}

// UpdateSettings 整体替换管线配置
// 请求体是完整的配置文档，校验通过后持久化并立即生效。
func (h *Handler) UpdateSettings(c *gin.Context) {
	var next config.Settings
	if err := c.ShouldBindJSON(&next); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	if err := h.ConfigService.Update(&next, "web_api"); err != nil {
		if apperrors.IsConfigurationError(err) || apperrors.IsValidationError(err) {
			h.Response.Error(c, http.StatusBadRequest, ErrorSettingsInvalid,
				"配置验证失败", err.Error())
			return
		}
		h.Response.Error(c, http.StatusInternalServerError, ErrorSettingsSaveFailed,
			"保存设置失败", err.Error())
		return
	}

	h.Response.Success(c, h.ConfigService.Current(), "设置保存成功")
}

// GetSettingsHealth 获取配置健康快照
func (h *Handler) GetSettingsHealth(c *gin.Context) {
	health := h.ConfigService.Health()

	statusCode := http.StatusOK
	if !health.Healthy {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, health)
}

// ========================================
// 标签注册表处理器
// ========================================

// GetTags 获取标签注册表的全部内容
func (h *Handler) GetTags(c *gin.Context) {
	tags := h.TagLibrary.All()
	h.Response.Success(c, gin.H{
		"tags":  tags,
		"count": len(tags),
	})
}

// ReplaceTags 整体替换标签集合
// 编辑器推送完整标签集，逐条校验通过后落盘生效。
func (h *Handler) ReplaceTags(c *gin.Context) {
	var tags []models.Tag
	if err := c.ShouldBindJSON(&tags); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	if err := h.TagService.ValidateTags(tags); err != nil {
		h.Response.ServiceError(c, err)
		return
	}

	if err := h.TagLibrary.ReplaceAll(tags); err != nil {
		h.Response.InternalError(c, "保存标签集合失败", err.Error())
		return
	}

	h.Response.Success(c, gin.H{"count": len(tags)}, "标签集合已更新")
}
