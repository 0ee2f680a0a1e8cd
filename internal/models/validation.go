// internal/models/validation.go
package models

import "time"

// IssueType 验证问题类别（封闭集合）
type IssueType string

const (
	IssueTypeCharacterVoice   IssueType = "character_voice"
	IssueTypeContextCoherence IssueType = "context_coherence"
	IssueTypeStyleOpening     IssueType = "style_opening"
	IssueTypeStyleCliche      IssueType = "style_cliche"
	IssueTypeDiversity        IssueType = "diversity"
)

// IssueSeverity 问题严重级别
type IssueSeverity string

const (
	SeverityLow    IssueSeverity = "low"
	SeverityMedium IssueSeverity = "medium"
	SeverityHigh   IssueSeverity = "high"
)

// 综合得分权重
const (
	characterVoiceWeight   = 0.6
	contextCoherenceWeight = 0.4
)

// ValidationScores 两项独立检查的得分及加权合成分
type ValidationScores struct {
	CharacterVoice   float64 `json:"character_voice"`   // 0..1
	ContextCoherence float64 `json:"context_coherence"` // 0..1
	Combined         float64 `json:"combined"`          // 0.6*voice + 0.4*coherence
}

// CombineScores 按固定权重合成综合得分
func CombineScores(characterVoice, contextCoherence float64) float64 {
	return characterVoiceWeight*characterVoice + contextCoherenceWeight*contextCoherence
}

// ValidationIssue 单个验证问题
type ValidationIssue struct {
	Type        IssueType     `json:"type"`
	Severity    IssueSeverity `json:"severity"`
	Description string        `json:"description"`
	Suggestion  string        `json:"suggestion,omitempty"`
}

// NodeValidationResult 一次节点文本验证的完整结果
type NodeValidationResult struct {
	Scores       ValidationScores  `json:"scores"`
	Issues       []ValidationIssue `json:"issues"`
	Strengths    []string          `json:"strengths"`
	Timestamp    time.Time         `json:"timestamp"`
	IsValidating bool              `json:"is_validating,omitempty"`
}
