// internal/models/batch.go
package models

// BatchTask 批量生成中的一个任务
// 批量操作通过显式任务列表传入，不经过任何共享队列
type BatchTask struct {
	NodeID       string          `json:"node_id"`
	NodeType     NodeType        `json:"node_type"`
	Kind         GenerationType  `json:"kind"`
	Context      GenerateContext `json:"context"`
	CustomPrompt string          `json:"custom_prompt,omitempty"` // Kind 为 custom 时必填
}

// BatchResult 单个批量任务的结果
type BatchResult struct {
	NodeID string `json:"node_id"`
	Text   string `json:"text,omitempty"`
	Error  string `json:"error,omitempty"`
}
