// internal/llm/interface.go
package llm

import (
	"context"
)

// CompletionRequest 请求参数标准化
type CompletionRequest struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
}

// CompletionResponse 响应结构标准化
type CompletionResponse struct {
	Text         string `json:"text"`
	Done         bool   `json:"done"`
	TokensUsed   int    `json:"tokens_used,omitempty"`
	PromptTokens int    `json:"prompt_tokens,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
}

// ModelInfo 后端可用模型信息
type ModelInfo struct {
	Name string `json:"name"`
}

// Client 定义推理后端客户端接口
// 系统假定只有一个通过 HTTP 可达的后端，不做多后端路由
type Client interface {
	// 文本生成
	CompleteText(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// 枚举后端可用模型
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// 连通性检查
	Ping(ctx context.Context) error

	// 获取后端名称
	Name() string
}
