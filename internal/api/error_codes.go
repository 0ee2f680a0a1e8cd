// internal/api/error_codes.go
package api

import (
	"net/http"

	"github.com/Lorewright/DialogForge/internal/apperrors"
)

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorUnauthorized  = "UNAUTHORIZED"

	// 生成相关错误
	ErrorGenerationFailed      = "GENERATION_FAILED"
	ErrorValidationFailed      = "VALIDATION_FAILED"
	ErrorPipelineConfigInvalid = "PIPELINE_CONFIG_INVALID"
	ErrorNodeNotFound          = "NODE_NOT_FOUND"

	// 推理后端相关错误
	ErrorBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrorBackendTimeout     = "BACKEND_TIMEOUT"
	ErrorBackendRejected    = "BACKEND_REJECTED"
	ErrorModelNotFound      = "MODEL_NOT_FOUND"

	// 批量任务相关错误
	ErrorBatchEmpty   = "BATCH_EMPTY"
	ErrorTaskNotFound = "TASK_NOT_FOUND"

	// 历史与设置相关错误
	ErrorHistoryClearFailed = "HISTORY_CLEAR_FAILED"
	ErrorSettingsInvalid    = "SETTINGS_INVALID"
	ErrorSettingsSaveFailed = "SETTINGS_SAVE_FAILED"
)

// statusForError 把服务层错误类别映射为HTTP状态码与错误代码
// 配置类错误视为服务端问题：模板缺失不是调用方能修复的输入错误。
func statusForError(err error) (int, string) {
	switch {
	case apperrors.IsValidationError(err):
		return http.StatusBadRequest, ErrorValidationFailed
	case apperrors.IsConfigurationError(err):
		return http.StatusInternalServerError, ErrorPipelineConfigInvalid
	case apperrors.IsTimeoutError(err):
		return http.StatusGatewayTimeout, ErrorBackendTimeout
	case apperrors.IsNetworkError(err), apperrors.IsServiceUnavailableError(err):
		return http.StatusServiceUnavailable, ErrorBackendUnavailable
	case apperrors.IsAPIError(err):
		return http.StatusBadGateway, ErrorBackendRejected
	case apperrors.IsGenerationError(err):
		return http.StatusInternalServerError, ErrorGenerationFailed
	default:
		return http.StatusInternalServerError, ErrorInternalError
	}
}
