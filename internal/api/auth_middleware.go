// internal/api/auth_middleware.go
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Lorewright/DialogForge/internal/auth"
)

// AuthMiddleware 提供可选的静态令牌鉴权
// 未配置 AUTH_TOKEN 时鉴权整体关闭，所有请求直接放行；
// 配置后除公开端点外都要求 Bearer 令牌。
func AuthMiddleware(guard *auth.TokenGuard) gin.HandlerFunc {
	return func(c *gin.Context) {
		if guard == nil || !guard.Enabled() {
			c.Set("authenticated", false)
			c.Next()
			return
		}

		if isPublicEndpoint(c) {
			c.Set("authenticated", false)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

		if token == "" || !guard.Verify(token) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success":   false,
				"error":     "无效的访问令牌",
				"code":      ErrorUnauthorized,
				"timestamp": time.Now().Format(time.RFC3339),
			})
			c.Abort()
			return
		}

		c.Set("authenticated", true)
		c.Next()
	}
}

// isPublicEndpoint checks if the current endpoint should skip authentication
func isPublicEndpoint(c *gin.Context) bool {
	// 状态探活保持公开，编辑器在配置令牌前也要能确认服务在线
	publicPaths := []string{
		"/api/status",
	}

	currentPath := c.Request.URL.Path

	for _, path := range publicPaths {
		if currentPath == path || strings.HasPrefix(currentPath, path+"/") {
			return true
		}
	}

	return false
}
