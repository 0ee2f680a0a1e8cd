// internal/app/app.go
package app

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/Lorewright/DialogForge/internal/auth"
	"github.com/Lorewright/DialogForge/internal/config"
	"github.com/Lorewright/DialogForge/internal/di"
	"github.com/Lorewright/DialogForge/internal/llm/ollama"
	"github.com/Lorewright/DialogForge/internal/logger"
	"github.com/Lorewright/DialogForge/internal/services"
	"github.com/Lorewright/DialogForge/internal/storage"
	"github.com/Lorewright/DialogForge/internal/utils"
)

// App 聚合应用的运行期对象：基础配置、日志器与服务容器
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Container *di.Container
}

// InitServices 按依赖顺序装配全部服务并填充容器
// 装配顺序：日志 → 设置 → 存储/标签 → 推理执行 → 管线服务 → 生成入口
func InitServices(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("基础配置不能为空")
	}

	// MCP stdio 模式下 stdout 承载协议流，控制台日志必须关闭
	logCfg := &logger.LogConfig{
		Level:    cfg.LogLevel,
		Filename: filepath.Join(cfg.LogDir, "dialogforge.log"),
		Console:  !cfg.MCPMode,
	}
	zlog, err := logger.Init(logCfg, "dialogforge")
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	metrics := utils.NewMetricsCollector()

	// 设置文件与环境变量覆盖合并后作为初始快照
	settingsPath := filepath.Join(cfg.DataDir, "settings.json")
	settings, err := config.LoadSettings(settingsPath, cfg)
	if err != nil {
		return nil, err
	}

	configService, err := services.NewConfigService(settingsPath, settings, zlog)
	if err != nil {
		return nil, err
	}
	if err := configService.Watch(); err != nil {
		// 热更新是便利功能，监听失败不阻断启动
		zlog.Warn("配置热更新监听失败", zap.Error(err))
	}

	store, err := storage.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	tagLibrary, err := storage.NewTagLibrary(store)
	if err != nil {
		return nil, err
	}
	tagService, err := services.NewTagService(tagLibrary, zlog, metrics)
	if err != nil {
		return nil, err
	}

	client, err := ollama.New(ollama.Config{BaseURL: settings.BaseURL, Model: settings.Model, Logger: zlog})
	if err != nil {
		return nil, err
	}

	limiter := services.NewRequestLimiter(int64(settings.MaxConcurrent))
	executor, err := services.NewLLMService(client, limiter, zlog, metrics)
	if err != nil {
		return nil, err
	}

	cache := services.NewCacheService(zlog, metrics)
	assembler, err := services.NewContextService(tagService, zlog)
	if err != nil {
		return nil, err
	}
	validator, err := services.NewValidationService(executor, cache, tagService, services.DefaultValidationConfig(), zlog, metrics)
	if err != nil {
		return nil, err
	}
	diversity, err := services.NewDiversityService(executor, services.DefaultDiversityConfig(), zlog, metrics)
	if err != nil {
		return nil, err
	}
	history, err := services.NewHistoryService(store, zlog)
	if err != nil {
		return nil, err
	}
	progress := services.NewBatchProgressService()

	generation, err := services.NewGenerationService(configService, assembler, executor, validator, diversity, history, progress, zlog)
	if err != nil {
		return nil, err
	}

	container := &di.Container{
		Config:     cfg,
		Logger:     zlog,
		Metrics:    metrics,
		TokenGuard: auth.NewTokenGuard(cfg.AuthToken),
		Store:      store,
		TagLibrary: tagLibrary,
		Client:     client,
		Limiter:    limiter,
		Executor:   executor,
		Tags:       tagService,
		Assembler:  assembler,
		Cache:      cache,
		Validator:  validator,
		Diversity:  diversity,
		History:    history,
		Progress:   progress,
		Settings:   configService,
		Generation: generation,
	}
	if err := container.Validate(); err != nil {
		return nil, err
	}

	return &App{Config: cfg, Logger: zlog, Container: container}, nil
}

// Cleanup 释放容器持有的资源
func (a *App) Cleanup() {
	if a == nil || a.Container == nil {
		return
	}
	a.Container.Close()
}
