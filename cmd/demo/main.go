// cmd/demo/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"unicode/utf8"

	"github.com/Lorewright/DialogForge/internal/app"
	"github.com/Lorewright/DialogForge/internal/config"
	"github.com/Lorewright/DialogForge/internal/models"
	"github.com/Lorewright/DialogForge/internal/services"
)

// scriptedBackend 按调用顺序回放预置的推理结果，离线演示完整管线
type scriptedBackend struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (b *scriptedBackend) handler(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/generate":
		b.mu.Lock()
		idx := b.calls
		if idx >= len(b.replies) {
			idx = len(b.replies) - 1
		}
		b.calls++
		reply := b.replies[idx]
		b.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"response":          reply,
			"done":              true,
			"eval_count":        18,
			"prompt_eval_count": 64,
			"model":             "demo-model",
		})
	case "/api/tags":
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{{"name": "demo-model"}},
		})
	default:
		http.NotFound(w, r)
	}
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func main() {
	fmt.Println("🚀 DialogForge 离线演示")
	fmt.Println("=======================")

	backend := &scriptedBackend{replies: []string{
		"The river took the ferry and three good ropes with it. State your business on the far bank.",
		"Yes, I will help you right now.",
		"Count me in, whatever it takes.",
		"The river swallowed the ferry and three good ropes besides. Name the business that drags you toward the far bank.",
		"Fog closed over the water before the bell rang twice.",
		"Lanterns moved on the far bank, counting out a slow warning.",
		"By morning the river gave back the ferry, plank by plank.",
	}}
	server := httptest.NewServer(http.HandlerFunc(backend.handler))
	defer server.Close()
	fmt.Println("✅ 内置推理后端已启动:", server.URL)

	tempDir, err := os.MkdirTemp("", "dialogforge-demo-*")
	if err != nil {
		log.Fatalf("❌ 创建演示目录失败: %v", err)
	}
	defer os.RemoveAll(tempDir)

	cfg := &config.Config{
		Port:          "0",
		DataDir:       filepath.Join(tempDir, "data"),
		LogDir:        filepath.Join(tempDir, "logs"),
		LogLevel:      "error",
		OllamaBaseURL: server.URL,
		OllamaModel:   "demo-model",
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("❌ 创建数据目录失败: %v", err)
	}

	application, err := app.InitServices(cfg)
	if err != nil {
		log.Fatalf("❌ 服务装配失败: %v", err)
	}
	defer application.Cleanup()
	fmt.Println("✅ 服务装配完成")

	// 预置标签：提示词装配时按 ID 解析
	tags := []models.Tag{
		{ID: "tag-mara", Label: "Mara the Ferrywoman", Type: models.TagTypeCharacter,
			Content: "Keeps the only crossing. Owes the river a debt she never names.", Importance: 5},
		{ID: "tag-crossing", Label: "The Drowned Crossing", Type: models.TagTypeLocation,
			Content: "A rope-ferry crossing, lost to the spring flood.", Importance: 3},
	}
	if err := application.Container.TagLibrary.ReplaceAll(tags); err != nil {
		log.Fatalf("❌ 标签预置失败: %v", err)
	}
	fmt.Printf("✅ 标签注册表预置完成（%d 个标签）\n", len(tags))

	ctx := context.Background()
	generation := application.Container.Generation
	history := application.Container.History

	// —— 场景一：生成 NPC 台词 ——
	fmt.Println("\n—— 场景一：生成 NPC 台词 ——")
	npcCtx := &models.GenerateContext{
		Current: models.DialogContext{
			NodeID: "ferry-keeper", Type: models.NodeTypeNPCDialog,
			Text: "Mara blocks the landing stage.", Tags: []string{"tag-mara", "tag-crossing"},
		},
		Next: []models.DialogContext{
			{NodeID: "choice-1", Type: models.NodeTypePlayerResponse, Text: "Yes, I will help you."},
		},
		CharacterInfo: &models.CharacterInfo{
			Name: "Mara", Role: "ferrywoman", Personality: "guarded, dry-witted",
			SpeechStyle: "short clipped sentences", TrustLevel: 2,
			Motivations: []string{"keep the crossing hers", "repay the river"},
		},
		ProjectType: models.ProjectTypeGame,
	}
	npcLine, err := generation.Generate(ctx, models.NodeTypeNPCDialog, npcCtx)
	if err != nil {
		log.Fatalf("❌ 生成失败: %v", err)
	}
	fmt.Printf("📝 ferry-keeper: %q\n", npcLine)
	if items := history.ByNode("ferry-keeper"); len(items) > 0 {
		fmt.Printf("🧩 装配的提示词（节选）:\n%s\n", excerpt(items[0].Prompt, 280))
	}

	// —— 场景二：生成玩家选项，兄弟节点触发差异化重写 ——
	fmt.Println("\n—— 场景二：生成玩家选项（差异化检查）——")
	before := backend.callCount()
	choiceCtx := &models.GenerateContext{
		Current: models.DialogContext{NodeID: "choice-2", Type: models.NodeTypePlayerResponse},
		Previous: []models.DialogContext{
			{NodeID: "ferry-keeper", Type: models.NodeTypeNPCDialog, Text: npcLine},
		},
		SiblingNodes: []models.DialogContext{
			{NodeID: "choice-1", Type: models.NodeTypePlayerResponse, Text: "Yes, I will help you."},
		},
		ProjectType: models.ProjectTypeGame,
	}
	choiceLine, err := generation.Generate(ctx, models.NodeTypePlayerResponse, choiceCtx)
	if err != nil {
		log.Fatalf("❌ 生成失败: %v", err)
	}
	fmt.Printf("📝 choice-2: %q\n", choiceLine)
	if backend.callCount()-before > 1 {
		fmt.Println("🔁 首稿与兄弟节点开头相近，已触发一次差异化重写")
	}

	// —— 场景三：本地质量评估（不产生推理调用）——
	fmt.Println("\n—— 场景三：本地质量评估 ——")
	flawed := "Well, needless to say, the ferry sank."
	evalResult, err := generation.EvaluateQuality(ctx, flawed, npcCtx, models.NodeTypeNPCDialog)
	if err != nil {
		log.Fatalf("❌ 评估失败: %v", err)
	}
	fmt.Printf("🧪 评估文本: %q\n", flawed)
	fmt.Printf("   角色声线 %.2f | 上下文连贯 %.2f | 综合 %.2f\n",
		evalResult.Scores.CharacterVoice, evalResult.Scores.ContextCoherence, evalResult.Scores.Combined)
	for _, issue := range evalResult.Issues {
		fmt.Printf("   ⚠️ [%s] %s\n", issue.Severity, issue.Description)
	}
	for _, strength := range evalResult.Strengths {
		fmt.Printf("   👍 %s\n", strength)
	}

	// —— 场景四：润色已有文本 ——
	fmt.Println("\n—— 场景四：润色已有文本 ——")
	improved, err := generation.Improve(ctx, models.NodeTypeNPCDialog, npcCtx, npcLine)
	if err != nil {
		log.Fatalf("❌ 润色失败: %v", err)
	}
	fmt.Printf("📝 润色结果: %q\n", improved)

	// —— 场景五：批量生成旁白并跟踪进度 ——
	fmt.Println("\n—— 场景五：批量生成旁白 ——")
	tasks := make([]models.BatchTask, 0, 3)
	for i, nodeID := range []string{"narr-1", "narr-2", "narr-3"} {
		tasks = append(tasks, models.BatchTask{
			NodeID:   nodeID,
			NodeType: models.NodeTypeNarration,
			Kind:     models.GenerationTypeRecreate,
			Context: models.GenerateContext{
				Current: models.DialogContext{
					NodeID: nodeID, Type: models.NodeTypeNarration,
					Text: fmt.Sprintf("River scene, beat %d", i+1),
				},
			},
		})
	}
	results, err := generation.RunBatch(ctx, tasks, services.BatchOptions{TaskID: "demo-batch", Parallel: true})
	if err != nil {
		log.Fatalf("❌ 批量生成失败: %v", err)
	}
	for _, result := range results {
		if result.Error != "" {
			fmt.Printf("📕 %s: 失败（%s）\n", result.NodeID, result.Error)
			continue
		}
		fmt.Printf("📗 %s: %q\n", result.NodeID, result.Text)
	}
	if tracker, ok := application.Container.Progress.GetTracker("demo-batch"); ok {
		snap := tracker.Snapshot()
		fmt.Printf("📊 批量进度: %s，成功 %d / 失败 %d / 进度 %d%%\n",
			snap.Status, snap.Completed, snap.Failed, snap.Progress)
	}

	// —— 收尾：生成历史台账 ——
	fmt.Println("\n—— 生成历史台账 ——")
	for _, item := range history.All(0) {
		status := "✅"
		if !item.Success {
			status = "❌"
		}
		fmt.Printf("%s %-12s %-8s tokens=%d %dms\n",
			status, item.NodeID, item.Type, item.Metadata.TokensUsed, item.Metadata.ExecutionTime)
	}
	fmt.Printf("\n🏁 演示结束，推理后端共处理 %d 次调用\n", backend.callCount())
}

// excerpt 截断到 limit 个 rune，保持 UTF-8 完整
func excerpt(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}
