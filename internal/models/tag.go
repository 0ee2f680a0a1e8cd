// internal/models/tag.go
package models

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// TagType 标签类型
type TagType string

const (
	TagTypeCharacter TagType = "character"
	TagTypeLocation  TagType = "location"
	TagTypeQuest     TagType = "quest"
	TagTypeTheme     TagType = "theme"
	TagTypeEmotional TagType = "emotional"
	TagTypeItem      TagType = "item"
	TagTypeEvent     TagType = "event"
)

// TagRelation 标签之间的关联
type TagRelation struct {
	Type        string `json:"type"`          // 关联类型，如 "ally"、"located_in"
	TargetTagID string `json:"target_tag_id"` // 目标标签ID
}

// Tag 表示可附加到对话节点的世界观/角色/任务元数据
// 通过 ParentID 组成森林结构，由外部标签注册表持有
type Tag struct {
	ID         string                 `json:"id"`
	Label      string                 `json:"label"`
	Type       TagType                `json:"type"`
	Content    string                 `json:"content"`
	ParentID   string                 `json:"parent_id,omitempty"`
	Importance int                    `json:"importance"` // 重要性 1-5，越界视为验证错误而非截断
	Relations  []TagRelation          `json:"relations,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Validate 校验标签结构
func (t Tag) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.ID, validation.Required),
		validation.Field(&t.Label, validation.Required),
		validation.Field(&t.Type, validation.Required, validation.In(
			TagTypeCharacter, TagTypeLocation, TagTypeQuest, TagTypeTheme,
			TagTypeEmotional, TagTypeItem, TagTypeEvent,
		)),
		validation.Field(&t.Importance, validation.Required, validation.Min(1), validation.Max(5)),
	)
}
