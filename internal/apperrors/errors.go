// internal/apperrors/errors.go
package apperrors

import (
	"errors"
	"fmt"
)

// Kind 定义管线错误类别
type Kind string

const (
	// 配置错误：缺少后端地址/模型/必需模板，不重试
	KindConfiguration Kind = "configuration_error"
	// 网络错误：后端不可达，可重试
	KindNetwork Kind = "network_error"
	// 超时错误：后端超过请求时限，可重试
	KindTimeout Kind = "timeout_error"
	// 服务不可用：后端返回瞬时不可用状态码，可重试
	KindServiceUnavailable Kind = "service_unavailable"
	// API 错误：非 2xx 带响应体或响应体格式错误，不重试
	KindAPI Kind = "api_error"
	// 验证错误：请求的节点类型缺少足够的结构上下文，发起网络调用前即失败
	KindValidation Kind = "validation_error"
	// 生成错误：清洗后输出为空或命中拒答模式
	KindGeneration Kind = "generation_error"
)

// AppError 应用程序错误结构
type AppError struct {
	Kind    Kind
	Message string
	Err     error
	Code    string // 用户友好的错误代码
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// New 创建指定类别的 AppError
func New(kind Kind, message string, originalError error) *AppError {
	return &AppError{
		Kind:    kind,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(kind),
	}
}

// NewConfigurationError 创建配置错误
func NewConfigurationError(message string, originalError error) *AppError {
	return New(KindConfiguration, message, originalError)
}

// NewNetworkError 创建网络错误
func NewNetworkError(message string, originalError error) *AppError {
	return New(KindNetwork, message, originalError)
}

// NewTimeoutError 创建超时错误
func NewTimeoutError(message string, originalError error) *AppError {
	return New(KindTimeout, message, originalError)
}

// NewServiceUnavailableError 创建服务不可用错误
func NewServiceUnavailableError(message string, originalError error) *AppError {
	return New(KindServiceUnavailable, message, originalError)
}

// NewAPIError 创建 API 错误
func NewAPIError(message string, originalError error) *AppError {
	return New(KindAPI, message, originalError)
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return New(KindValidation, message, originalError)
}

// NewGenerationError 创建生成错误
func NewGenerationError(message string, originalError error) *AppError {
	return New(KindGeneration, message, originalError)
}

// KindOf 返回错误的类别；非 AppError 返回空串
func KindOf(err error) Kind {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Kind
	}
	return ""
}

// IsConfigurationError 检查是否为配置错误
func IsConfigurationError(err error) bool {
	return KindOf(err) == KindConfiguration
}

// IsNetworkError 检查是否为网络错误
func IsNetworkError(err error) bool {
	return KindOf(err) == KindNetwork
}

// IsTimeoutError 检查是否为超时错误
func IsTimeoutError(err error) bool {
	return KindOf(err) == KindTimeout
}

// IsServiceUnavailableError 检查是否为服务不可用错误
func IsServiceUnavailableError(err error) bool {
	return KindOf(err) == KindServiceUnavailable
}

// IsAPIError 检查是否为 API 错误
func IsAPIError(err error) bool {
	return KindOf(err) == KindAPI
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	return KindOf(err) == KindValidation
}

// IsGenerationError 检查是否为生成错误
func IsGenerationError(err error) bool {
	return KindOf(err) == KindGeneration
}

// IsRetryable 判断错误是否属于可重试类别（超时/网络/服务不可用）
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindNetwork, KindServiceUnavailable:
		return true
	default:
		return false
	}
}

// generateErrorCode 根据错误类别生成错误代码
func generateErrorCode(kind Kind) string {
	switch kind {
	case KindConfiguration:
		return "CONFIGURATION_ERROR"
	case KindNetwork:
		return "NETWORK_ERROR"
	case KindTimeout:
		return "TIMEOUT"
	case KindServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	case KindAPI:
		return "API_ERROR"
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindGeneration:
		return "GENERATION_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

// Wrap 包装现有错误；已是 AppError 时保留原类别并叠加消息
func Wrap(err error, message string, kind Kind) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		return &AppError{
			Kind:    appError.Kind,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
		}
	}

	return New(kind, message, err)
}
