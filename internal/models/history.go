// internal/models/history.go
package models

import "time"

// GenerationType 历史记录中的生成类型
type GenerationType string

const (
	GenerationTypeImprove  GenerationType = "improve"
	GenerationTypeRecreate GenerationType = "recreate"
	GenerationTypeCustom   GenerationType = "custom"
)

// HistoryMetadata 单次调用的执行元数据
type HistoryMetadata struct {
	ExecutionTime int64 `json:"execution_time"` // 毫秒
	TokensUsed    int   `json:"tokens_used"`
}

// AIHistoryItem 生成历史台账中的一条记录
// 台账只追加，由消费方显式清空，核心不做自动清理
type AIHistoryItem struct {
	ID        string          `json:"id"`
	NodeID    string          `json:"node_id"`
	Prompt    string          `json:"prompt"`
	Timestamp time.Time       `json:"timestamp"`
	Result    string          `json:"result"`
	Success   bool            `json:"success"`
	Type      GenerationType  `json:"type"`
	Metadata  HistoryMetadata `json:"metadata"`
}
