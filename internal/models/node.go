// internal/models/node.go
package models

// NodeType 对话图节点类型
type NodeType string

const (
	NodeTypeNPCDialog      NodeType = "npc_dialog"      // NPC 台词
	NodeTypePlayerResponse NodeType = "player_response" // 玩家可选回应
	NodeTypeNarration      NodeType = "narration"       // 旁白
)

// IsValid 检查节点类型是否在支持的集合内
func (t NodeType) IsValid() bool {
	switch t {
	case NodeTypeNPCDialog, NodeTypePlayerResponse, NodeTypeNarration:
		return true
	}
	return false
}

// ProjectType 项目类型，决定模板选择与风格规则
type ProjectType string

const (
	ProjectTypeGame             ProjectType = "game"
	ProjectTypeInteractiveStory ProjectType = "interactive_story"
	ProjectTypeNovel            ProjectType = "novel"
)

// DialogContext 单个图节点的不可变快照
// 创建后不再修改，作为 previous/current/next/sibling 输入使用
type DialogContext struct {
	NodeID string   `json:"node_id"`
	Type   NodeType `json:"type"`
	Text   string   `json:"text"`
	Tags   []string `json:"tags,omitempty"` // 标签ID列表，由标签注册表解析
}

// CharacterInfo 生成时使用的角色信息
type CharacterInfo struct {
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	Personality string   `json:"personality,omitempty"`
	SpeechStyle string   `json:"speech_style,omitempty"`
	TrustLevel  int      `json:"trust_level,omitempty"` // 对玩家的信任度 0-10
	Motivations []string `json:"motivations,omitempty"`
}

// GenerateContext 聚合一次生成调用所需的全部结构上下文
// 每次请求重新构建，无独立生命周期
type GenerateContext struct {
	Current           DialogContext   `json:"current"`
	Previous          []DialogContext `json:"previous,omitempty"`
	Next              []DialogContext `json:"next,omitempty"`
	SiblingNodes      []DialogContext `json:"sibling_nodes,omitempty"`
	CharacterInfo     *CharacterInfo  `json:"character_info,omitempty"`
	DialogChain       string          `json:"dialog_chain,omitempty"` // 预构建的对话链文本
	ProjectType       ProjectType     `json:"project_type,omitempty"`
	IgnoreConnections bool            `json:"ignore_connections,omitempty"` // 强制孤立节点语义
}

// IsIsolated 判断节点是否按孤立语义生成
func (c *GenerateContext) IsIsolated() bool {
	if c.IgnoreConnections {
		return true
	}
	return len(c.Previous) == 0 && len(c.Next) == 0
}

// IsDialogStart 判断节点是否为对话起点
func (c *GenerateContext) IsDialogStart() bool {
	return len(c.Previous) == 0 && len(c.Next) > 0
}
