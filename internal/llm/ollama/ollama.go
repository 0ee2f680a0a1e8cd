// internal/llm/ollama/ollama.go
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/Lorewright/DialogForge/internal/apperrors"
	"github.com/Lorewright/DialogForge/internal/llm"
)

// DefaultBaseURL Ollama 本地服务默认地址
const DefaultBaseURL = "http://localhost:11434"

// Config 客户端配置，由调用方显式注入
type Config struct {
	BaseURL string
	Model   string
	Logger  *zap.Logger
}

// Client 基于 Ollama 原生 API 的推理后端客户端
type Client struct {
	baseURL      string
	defaultModel string
	http         *resty.Client
	logger       *zap.Logger
}

// New 创建 Ollama 客户端
// 重试策略由上层请求执行器负责，这里不开启 resty 自带重试
func New(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		return nil, apperrors.NewConfigurationError("未配置推理模型", nil)
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json")

	logger.Info("Creating Ollama client",
		zap.String("baseURL", baseURL),
		zap.String("model", cfg.Model))

	return &Client{
		baseURL:      baseURL,
		defaultModel: cfg.Model,
		http:         httpClient,
		logger:       logger,
	}, nil
}

// generateRequest /api/generate 请求体
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k"`
	MaxTokens   int     `json:"max_tokens"`
}

// CompleteText 调用 POST /api/generate 生成文本
func (c *Client) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	body := generateRequest{
		Model:  model,
		Prompt: req.Prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			TopK:        req.TopK,
			MaxTokens:   req.MaxTokens,
		},
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post("/api/generate")
	if err != nil {
		return nil, c.classifyTransportError(err)
	}
	if resp.IsError() {
		return nil, c.classifyStatusError(resp)
	}

	var decoded struct {
		Response        string `json:"response"`
		Done            bool   `json:"done"`
		EvalCount       int    `json:"eval_count"`
		PromptEvalCount int    `json:"prompt_eval_count"`
		Model           string `json:"model"`
	}
	if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
		return nil, apperrors.NewAPIError("后端响应体解析失败", err)
	}
	// response 字段缺失视为 API 错误
	if decoded.Response == "" && !decoded.Done {
		return nil, apperrors.NewAPIError("后端响应缺少 response 字段", nil)
	}

	return &llm.CompletionResponse{
		Text:         decoded.Response,
		Done:         decoded.Done,
		TokensUsed:   decoded.EvalCount,
		PromptTokens: decoded.PromptEvalCount,
		ModelName:    decoded.Model,
	}, nil
}

// ListModels 调用 GET /api/tags 枚举可用模型
func (c *Client) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get("/api/tags")
	if err != nil {
		return nil, c.classifyTransportError(err)
	}
	if resp.IsError() {
		return nil, c.classifyStatusError(resp)
	}

	var decoded struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
		return nil, apperrors.NewAPIError("模型列表响应解析失败", err)
	}

	models := make([]llm.ModelInfo, 0, len(decoded.Models))
	for _, m := range decoded.Models {
		models = append(models, llm.ModelInfo{Name: m.Name})
	}
	return models, nil
}

// Ping 连通性检查
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// Name 获取后端名称
func (c *Client) Name() string {
	return "Ollama"
}

// classifyTransportError 将传输层错误归类为超时或网络错误
func (c *Client) classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewTimeoutError("后端请求超时", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.NewTimeoutError("后端请求超时", err)
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.NewTimeoutError("后端请求被取消", err)
	}
	return apperrors.NewNetworkError("无法连接推理后端", err)
}

// classifyStatusError 将非 2xx 状态归类为服务不可用或 API 错误
func (c *Client) classifyStatusError(resp *resty.Response) error {
	status := resp.StatusCode()
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return apperrors.NewServiceUnavailableError(
			fmt.Sprintf("后端暂时不可用(%d)", status), nil)
	default:
		snippet := string(resp.Body())
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return apperrors.NewAPIError(
			fmt.Sprintf("后端返回错误(%d): %s", status, snippet), nil)
	}
}
