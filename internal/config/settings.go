// internal/config/settings.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/Lorewright/DialogForge/internal/apperrors"
	"github.com/Lorewright/DialogForge/internal/models"
)

// 管线模板键
const (
	TemplateIsolatedNode             = "isolated_node"
	TemplateDiversitySibling         = "diversity_sibling_awareness"
	TemplateDiversityDifferentiation = "diversity_forced_differentiation"
	TemplateFixCharacterVoice        = "fix_character_voice"
	TemplateFixContextCoherence      = "fix_context_coherence"
	TemplateFixStyle                 = "fix_style"
)

// genericTemplate 非关键模板缺失时的兜底文本
const genericTemplate = "You are a dialog writer for a branching story. Write the requested node text, staying in character and consistent with the given context."

// requiredPipelineTemplates 缺失即视为致命配置错误的模板
var requiredPipelineTemplates = []string{
	TemplateDiversitySibling,
	TemplateDiversityDifferentiation,
}

// SystemPrompts 系统提示词模板集合
type SystemPrompts struct {
	General          string                                            `json:"general"`
	NodeTemplates    map[models.NodeType]string                        `json:"node_templates"`
	ProjectOverrides map[models.ProjectType]map[models.NodeType]string `json:"project_overrides,omitempty"`
	Pipeline         map[string]string                                 `json:"pipeline"`
}

// TemplateFor 按节点类型与项目类型解析系统模板
// 回退链：项目级覆盖 → 节点类型模板 → 通用模板 → 配置错误
func (sp *SystemPrompts) TemplateFor(nodeType models.NodeType, projectType models.ProjectType) (string, error) {
	if projectType != "" {
		if overrides, ok := sp.ProjectOverrides[projectType]; ok {
			if tpl, ok := overrides[nodeType]; ok && tpl != "" {
				return tpl, nil
			}
		}
	}
	if tpl, ok := sp.NodeTemplates[nodeType]; ok && tpl != "" {
		return tpl, nil
	}
	if sp.General != "" {
		return sp.General, nil
	}
	return "", apperrors.NewConfigurationError(
		fmt.Sprintf("节点类型 %s 没有可用的系统模板，且未配置通用模板", nodeType), nil)
}

// PipelineTemplate 获取管线模板，非关键模板缺失时回退到通用兜底文本
func (sp *SystemPrompts) PipelineTemplate(key string) string {
	if tpl, ok := sp.Pipeline[key]; ok && tpl != "" {
		return tpl
	}
	return genericTemplate
}

// ValidateRequired 校验关键模板是否齐全
// 多样性模板缺失是致命配置错误，启动阶段即失败
func (sp *SystemPrompts) ValidateRequired() error {
	for _, key := range requiredPipelineTemplates {
		if tpl, ok := sp.Pipeline[key]; !ok || tpl == "" {
			return apperrors.NewConfigurationError(
				fmt.Sprintf("缺少必需的多样性模板: %s", key), nil)
		}
	}
	return nil
}

// Settings 生成管线的运行时配置，持久化于 settings.json
type Settings struct {
	BaseURL          string        `json:"base_url"`
	Model            string        `json:"model"`
	Temperature      float64       `json:"temperature"`
	TopP             float64       `json:"top_p"`
	TopK             int           `json:"top_k"`
	MaxTokens        int           `json:"max_tokens"`
	DiversityBoost   float64       `json:"diversity_boost"`
	RequestTimeoutMs int           `json:"request_timeout_ms"`
	MaxRetries       int           `json:"max_retries"`    // 验证回路的最大再生成次数
	MaxConcurrent    int           `json:"max_concurrent"` // 全局并发上限
	SystemPrompts    SystemPrompts `json:"system_prompts"`
}

// Validate 校验配置结构
func (s *Settings) Validate() error {
	err := validation.ValidateStruct(s,
		validation.Field(&s.BaseURL, validation.Required),
		validation.Field(&s.Model, validation.Required),
		validation.Field(&s.Temperature, validation.Min(0.0), validation.Max(2.0)),
		validation.Field(&s.TopP, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&s.TopK, validation.Min(0)),
		validation.Field(&s.MaxTokens, validation.Required, validation.Min(1)),
		validation.Field(&s.DiversityBoost, validation.Min(0.0), validation.Max(2.0)),
		validation.Field(&s.RequestTimeoutMs, validation.Required, validation.Min(1)),
		validation.Field(&s.MaxRetries, validation.Min(0)),
		validation.Field(&s.MaxConcurrent, validation.Required, validation.Min(1)),
	)
	if err != nil {
		return apperrors.NewConfigurationError("配置校验失败", err)
	}
	return s.SystemPrompts.ValidateRequired()
}

// Clone 返回配置的深拷贝
func (s *Settings) Clone() *Settings {
	clone := *s
	clone.SystemPrompts.NodeTemplates = make(map[models.NodeType]string, len(s.SystemPrompts.NodeTemplates))
	for k, v := range s.SystemPrompts.NodeTemplates {
		clone.SystemPrompts.NodeTemplates[k] = v
	}
	clone.SystemPrompts.Pipeline = make(map[string]string, len(s.SystemPrompts.Pipeline))
	for k, v := range s.SystemPrompts.Pipeline {
		clone.SystemPrompts.Pipeline[k] = v
	}
	clone.SystemPrompts.ProjectOverrides = make(map[models.ProjectType]map[models.NodeType]string, len(s.SystemPrompts.ProjectOverrides))
	for pt, overrides := range s.SystemPrompts.ProjectOverrides {
		inner := make(map[models.NodeType]string, len(overrides))
		for nt, tpl := range overrides {
			inner[nt] = tpl
		}
		clone.SystemPrompts.ProjectOverrides[pt] = inner
	}
	return &clone
}

// DefaultSettings 返回完整的默认配置
func DefaultSettings() *Settings {
	return &Settings{
		BaseURL:          "http://localhost:11434",
		Model:            "llama3.1",
		Temperature:      0.7,
		TopP:             0.9,
		TopK:             40,
		MaxTokens:        256,
		DiversityBoost:   0.3,
		RequestTimeoutMs: 30000,
		MaxRetries:       2,
		MaxConcurrent:    3,
		SystemPrompts: SystemPrompts{
			General: "You are an experienced writer for branching dialog. Write natural, concise node text that fits the provided context. Output only the node text itself, without quotes or labels.",
			NodeTemplates: map[models.NodeType]string{
				models.NodeTypeNPCDialog: "You are writing a line of NPC dialog for a branching conversation. Stay strictly in the character's voice, reflect their personality and current relationship with the player, and keep the line under four sentences. Output only the spoken line.",
				models.NodeTypePlayerResponse: "You are writing one player response option in a branching conversation. It must be a plausible thing the player character would say next, distinct in attitude from other options, and at most two sentences. Output only the response text.",
				models.NodeTypeNarration: "You are writing a short narration beat for a branching story. Describe what happens between dialog lines in vivid but economical prose, two to three sentences. Output only the narration.",
			},
			ProjectOverrides: map[models.ProjectType]map[models.NodeType]string{
				models.ProjectTypeNovel: {
					models.NodeTypeNarration: "You are writing a narration passage of a novel. Use flowing literary prose consistent with the established tone. Three to five sentences. Output only the passage.",
				},
			},
			Pipeline: map[string]string{
				TemplateIsolatedNode: "This node stands alone and has no connected dialog. Write it as a self-contained line that works without any surrounding conversation.",
				TemplateDiversitySibling: "Other response options already exist for this moment. Your line must differ from all of them in wording, attitude, and approach.",
				TemplateDiversityDifferentiation: "The previous attempt was too similar to existing responses. Write a completely different take: new opening words, new sentence structure, a different emotional angle. Do NOT reuse any phrase from the responses listed below.",
				TemplateFixCharacterVoice: "The previous draft drifted out of the character's voice. Rewrite it so the speech pattern, vocabulary, and attitude match the character sheet exactly.",
				TemplateFixContextCoherence: "The previous draft ignored the surrounding conversation. Rewrite it so it directly follows from what was said before and leads naturally into the possible next lines.",
				TemplateFixStyle: "The previous draft used a banned opening or a cliché construction. Rewrite it with a fresh opening and plain, specific language.",
			},
		},
	}
}

// LoadSettings 加载运行时配置
// 流程：默认值 → settings.json 合并 → 环境变量覆盖 → 校验
func LoadSettings(path string, base *Config) (*Settings, error) {
	settings := DefaultSettings()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.NewConfigurationError("读取配置文件失败", err)
		}
		if err := json.Unmarshal(data, settings); err != nil {
			return nil, apperrors.NewConfigurationError("配置文件格式错误", err)
		}
	}

	if base != nil {
		if base.OllamaBaseURL != "" {
			settings.BaseURL = base.OllamaBaseURL
		}
		if base.OllamaModel != "" {
			settings.Model = base.OllamaModel
		}
		if base.MaxConcurrent > 0 {
			settings.MaxConcurrent = base.MaxConcurrent
		}
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// SaveSettings 将配置持久化到文件
func SaveSettings(path string, settings *Settings) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建配置目录失败: %w", err)
		}
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
