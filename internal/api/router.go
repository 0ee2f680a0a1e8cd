// internal/api/router.go
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Lorewright/DialogForge/internal/di"
)

// SetupRouter 配置HTTP路由
// WebSocket 管理器在这里创建并启动，随返回值交给调用方控制生命周期。
func SetupRouter(container *di.Container) (*gin.Engine, *WebSocketManager, error) {
	if container == nil {
		return nil, nil, fmt.Errorf("依赖容器未初始化")
	}
	if err := container.Validate(); err != nil {
		return nil, nil, err
	}

	// 历史事件经 WebSocket 管理器转发给订阅的编辑器
	wsManager := NewWebSocketManager(container.History, container.Logger)
	go wsManager.Run()

	// ✅ 创建API处理器 - 只传递从容器获取的服务
	handler := NewHandler(
		container.Generation,
		container.Executor,
		container.History,
		container.Progress,
		container.Settings,
		container.Tags,
		container.TagLibrary,
		container.Metrics,
		wsManager,
		container.Logger,
	)

	if container.Config != nil && !container.Config.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	r := gin.Default()

	// 启用CORS
	r.Use(corsMiddleware())
	r.Use(requestIDMiddleware())
	r.Use(AuthMiddleware(container.TokenGuard))

	// WebSocket 支持
	r.GET("/ws/history", handler.HistoryWebSocket)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	api.Use(DefaultRateLimit())
	{
		// ===============================
		// 节点生成路由
		// ===============================
		nodesGroup := api.Group("/nodes")
		nodesGroup.Use(GenerationRateLimit())
		{
			nodesGroup.POST("/generate", handler.GenerateNode)
			nodesGroup.POST("/improve", handler.ImproveNode)
			nodesGroup.POST("/custom", handler.CustomGenerate)
			nodesGroup.POST("/evaluate", handler.EvaluateNode)
		}

		// ===============================
		// 批量生成路由
		// ===============================
		batchGroup := api.Group("/batch")
		{
			batchGroup.POST("", BatchRateLimit(), handler.RunBatch)
			batchGroup.GET("/:taskID/progress", handler.SubscribeBatchProgress)
		}

		// ===============================
		// 历史台账路由
		// ===============================
		historyGroup := api.Group("/history")
		{
			historyGroup.GET("", handler.GetHistory)
			historyGroup.DELETE("", handler.ClearHistory)
			historyGroup.GET("/:nodeID", handler.GetNodeHistory)
		}

		// ===============================
		// 设置相关路由
		// ===============================
		settingsGroup := api.Group("/settings")
		{
			settingsGroup.GET("", handler.GetSettings)
			settingsGroup.PUT("", handler.UpdateSettings)
			settingsGroup.GET("/health", handler.GetSettingsHealth)
		}

		// ===============================
		// 标签注册表路由
		// ===============================
		tagsGroup := api.Group("/tags")
		{
			tagsGroup.GET("", handler.GetTags)
			tagsGroup.PUT("", handler.ReplaceTags)
		}

		// ===============================
		// 推理后端状态路由
		// ===============================
		api.GET("/models", handler.GetModels)
		api.GET("/status", handler.GetStatus)
	}

	return r, wsManager, nil
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestIDMiddleware 为每个请求注入追踪ID，响应包装会原样回传
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}
