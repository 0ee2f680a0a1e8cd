// internal/di/container.go
package di

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Lorewright/DialogForge/internal/auth"
	"github.com/Lorewright/DialogForge/internal/config"
	"github.com/Lorewright/DialogForge/internal/llm"
	"github.com/Lorewright/DialogForge/internal/services"
	"github.com/Lorewright/DialogForge/internal/storage"
	"github.com/Lorewright/DialogForge/internal/utils"
)

// Container 显式持有全部已初始化的服务
// 依赖在启动阶段按顺序装配后定型，运行期不再查找或替换；
// 没有全局实例，谁创建谁传递。
type Container struct {
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *utils.MetricsCollector
	TokenGuard *auth.TokenGuard

	Store      *storage.FileStore
	TagLibrary *storage.TagLibrary

	Client     llm.Client
	Limiter    *services.RequestLimiter
	Executor   *services.LLMService
	Tags       *services.TagService
	Assembler  *services.ContextService
	Cache      *services.CacheService
	Validator  *services.ValidationService
	Diversity  *services.DiversityService
	History    *services.HistoryService
	Progress   *services.BatchProgressService
	Settings   *services.ConfigService
	Generation *services.GenerationService
}

// Validate 校验对外服务所需的依赖是否装配齐全
func (c *Container) Validate() error {
	if c.Generation == nil {
		return fmt.Errorf("生成服务未正确初始化")
	}
	if c.Executor == nil {
		return fmt.Errorf("请求执行器未正确初始化")
	}
	if c.History == nil {
		return fmt.Errorf("历史服务未正确初始化")
	}
	if c.Progress == nil {
		return fmt.Errorf("进度服务未正确初始化")
	}
	if c.Settings == nil {
		return fmt.Errorf("配置服务未正确初始化")
	}
	if c.Tags == nil {
		return fmt.Errorf("标签服务未正确初始化")
	}
	if c.TagLibrary == nil {
		return fmt.Errorf("标签注册表未正确初始化")
	}
	return nil
}

// Close 按装配的逆序释放容器持有的资源
func (c *Container) Close() {
	if c.Settings != nil {
		c.Settings.Close()
	}
	if c.Limiter != nil {
		c.Limiter.Close()
	}
	if c.Store != nil {
		c.Store.Close()
	}
	if c.Logger != nil {
		_ = c.Logger.Sync()
	}
}
