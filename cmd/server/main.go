// cmd/server/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Lorewright/DialogForge/internal/api"
	"github.com/Lorewright/DialogForge/internal/app"
	"github.com/Lorewright/DialogForge/internal/auth"
	"github.com/Lorewright/DialogForge/internal/config"
	"github.com/Lorewright/DialogForge/internal/mcpserver"
)

func main() {
	log.Println("🚀 启动 DialogForge 服务器...")

	// 1. 首先加载基础配置
	baseConfig, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("✅ 基础配置加载完成，端口: %s", baseConfig.Port)

	// 2. 初始化所有服务（按依赖顺序）
	application, err := app.InitServices(baseConfig)
	if err != nil {
		log.Fatalf("初始化服务失败: %v", err)
	}
	defer application.Cleanup()
	log.Println("✅ 所有服务初始化完成")

	if baseConfig.AuthToken == "" && !baseConfig.MCPMode {
		if token, err := auth.GenerateToken(32); err == nil {
			log.Printf("⚠️ 未配置 AUTH_TOKEN，接口鉴权已禁用。建议设置: AUTH_TOKEN=%s", token)
		}
	}

	// 3. MCP stdio 模式：stdout 承载协议流，不启动 HTTP 服务
	if baseConfig.MCPMode {
		log.Println("🔌 以 MCP stdio 模式运行")
		srv := mcpserver.New(
			application.Container.Generation,
			application.Container.Executor,
			application.Container.History,
		)
		if err := srv.ServeStdio(); err != nil {
			log.Fatalf("❌ MCP 服务异常退出: %v", err)
		}
		return
	}

	// 4. 设置路由（只获取服务，不创建）
	router, wsManager, err := api.SetupRouter(application.Container)
	if err != nil {
		log.Fatalf("❌ 设置路由失败: %v", err)
	}
	defer wsManager.Shutdown()
	log.Println("✅ 路由设置完成")

	// 5. 启动服务器
	log.Printf("🌐 服务器启动在端口 %s", baseConfig.Port)
	log.Printf("🔗 状态地址: http://localhost:%s/api/status", baseConfig.Port)

	setupGracefulShutdown(router, baseConfig.Port)
}

// 优雅关闭函数
func setupGracefulShutdown(handler http.Handler, port string) {
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler,
	}

	// 在新的 goroutine 中启动服务器
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ 启动服务器失败: %v", err)
		}
	}()

	// 等待中断信号以进行优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 正在关闭服务器...")

	// 给定超时时间关闭服务器
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("❌ 服务器强制关闭: %v", err)
	}

	log.Println("✅ 服务器优雅关闭完成")
}
