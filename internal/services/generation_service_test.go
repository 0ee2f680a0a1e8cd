// internal/services/generation_service_test.go
package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Lorewright/DialogForge/internal/apperrors"
	"github.com/Lorewright/DialogForge/internal/config"
	"github.com/Lorewright/DialogForge/internal/llm/ollama"
	"github.com/Lorewright/DialogForge/internal/models"
	"github.com/Lorewright/DialogForge/internal/utils"
)

type fixedSettings struct {
	settings *config.Settings
}

func (f fixedSettings) Current() *config.Settings { return f.settings }

type generationFixture struct {
	svc      *GenerationService
	history  *HistoryService
	progress *BatchProgressService
	settings *config.Settings
}

func newGenerationFixture(t *testing.T, handler http.HandlerFunc) *generationFixture {
	t.Helper()

	metrics := utils.NewMetricsCollector()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := ollama.New(ollama.Config{BaseURL: server.URL, Model: "test-model"})
	require.NoError(t, err)

	limiter := NewRequestLimiter(3)
	t.Cleanup(limiter.Close)

	executor, err := NewLLMService(client, limiter, zap.NewNop(), metrics)
	require.NoError(t, err)

	tagSvc, err := NewTagService(newTestRegistry(), zap.NewNop(), metrics)
	require.NoError(t, err)

	assembler, err := NewContextService(tagSvc, zap.NewNop())
	require.NoError(t, err)

	cache := NewCacheService(zap.NewNop(), metrics)
	validator, err := NewValidationService(executor, cache, tagSvc, DefaultValidationConfig(), zap.NewNop(), metrics)
	require.NoError(t, err)

	diversity, err := NewDiversityService(executor, DefaultDiversityConfig(), zap.NewNop(), metrics)
	require.NoError(t, err)

	history, err := NewHistoryService(nil, zap.NewNop())
	require.NoError(t, err)

	progress := NewBatchProgressService()
	settings := config.DefaultSettings()

	svc, err := NewGenerationService(fixedSettings{settings}, assembler, executor, validator, diversity, history, progress, zap.NewNop())
	require.NoError(t, err)

	return &generationFixture{svc: svc, history: history, progress: progress, settings: settings}
}

func generateContext(nodeID string, nodeType models.NodeType) *models.GenerateContext {
	return &models.GenerateContext{
		Current: models.DialogContext{NodeID: nodeID, Type: nodeType, Text: "A lost artifact"},
	}
}

func TestGenerateEndToEnd(t *testing.T) {
	var calls atomic.Int32
	fix := newGenerationFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeCompletion(w, "The vault opens at midnight, not before.")
	})

	text, err := fix.svc.Generate(context.Background(), models.NodeTypeNPCDialog, generateContext("node-1", models.NodeTypeNPCDialog))
	require.NoError(t, err)
	assert.Equal(t, "The vault opens at midnight, not before.", text)
	assert.Equal(t, int32(1), calls.Load())

	// One successful ledger entry with real token counts.
	items := fix.history.ByNode("node-1")
	require.Len(t, items, 1)
	assert.True(t, items[0].Success)
	assert.Equal(t, models.GenerationTypeRecreate, items[0].Type)
	assert.Equal(t, "The vault opens at midnight, not before.", items[0].Result)
	assert.Equal(t, 12, items[0].Metadata.TokensUsed)
	assert.NotEmpty(t, items[0].Prompt)
}

func TestGenerateRejectsUnsupportedNodeTypeBeforeNetwork(t *testing.T) {
	var calls atomic.Int32
	fix := newGenerationFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeCompletion(w, "never called")
	})

	_, err := fix.svc.Generate(context.Background(), models.NodeType("cutscene"), generateContext("node-1", "cutscene"))
	assert.True(t, apperrors.IsValidationError(err))
	assert.Equal(t, int32(0), calls.Load())
	assert.Empty(t, fix.history.ByNode("node-1"))
}

func TestGenerateFailsOnMissingTemplateBeforeNetwork(t *testing.T) {
	var calls atomic.Int32
	fix := newGenerationFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeCompletion(w, "never called")
	})
	fix.settings.SystemPrompts.General = ""
	fix.settings.SystemPrompts.NodeTemplates = map[models.NodeType]string{
		models.NodeTypeNPCDialog: "You voice NPC dialog.",
	}

	_, err := fix.svc.Generate(context.Background(), models.NodeTypeNarration, generateContext("node-1", models.NodeTypeNarration))
	assert.True(t, apperrors.IsConfigurationError(err))
	assert.Equal(t, int32(0), calls.Load())
}

func TestGenerateRunsDiversityPassAgainstSiblings(t *testing.T) {
	var calls atomic.Int32
	fix := newGenerationFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			writeCompletion(w, "Yes, I will help you right now.")
		default:
			writeCompletion(w, "Count me in, whatever it takes.")
		}
	})

	genCtx := generateContext("node-1", models.NodeTypePlayerResponse)
	genCtx.SiblingNodes = []models.DialogContext{
		{NodeID: "sib-1", Type: models.NodeTypePlayerResponse, Text: "Yes, I will help you."},
	}

	text, err := fix.svc.Generate(context.Background(), models.NodeTypePlayerResponse, genCtx)
	require.NoError(t, err)
	assert.Equal(t, "Count me in, whatever it takes.", text)
	assert.Equal(t, int32(2), calls.Load(), "accepted text plus exactly one diversity rewrite")

	items := fix.history.ByNode("node-1")
	require.Len(t, items, 1)
	assert.Equal(t, "Count me in, whatever it takes.", items[0].Result)
}

func TestImproveRecordsImproveEntry(t *testing.T) {
	fix := newGenerationFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "The vault stays sealed until midnight.")
	})

	text, err := fix.svc.Improve(context.Background(), models.NodeTypeNPCDialog, generateContext("node-1", models.NodeTypeNPCDialog), "The vault is closed for now.")
	require.NoError(t, err)
	assert.Equal(t, "The vault stays sealed until midnight.", text)

	items := fix.history.ByNode("node-1")
	require.Len(t, items, 1)
	assert.Equal(t, models.GenerationTypeImprove, items[0].Type)
	assert.Contains(t, items[0].Prompt, "CURRENT TEXT:\nThe vault is closed for now.")
}

func TestGenerateWithCustomPromptUsesOverride(t *testing.T) {
	fix := newGenerationFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "A rhyme about the vault and night.")
	})

	_, err := fix.svc.GenerateWithCustomPrompt(context.Background(), models.NodeTypeNPCDialog,
		generateContext("node-1", models.NodeTypeNPCDialog), "Make it rhyme.", "You are a bard.")
	require.NoError(t, err)

	items := fix.history.ByNode("node-1")
	require.Len(t, items, 1)
	assert.Equal(t, models.GenerationTypeCustom, items[0].Type)
	assert.True(t, strings.HasPrefix(items[0].Prompt, "You are a bard."))
	assert.Contains(t, items[0].Prompt, "AUTHOR INSTRUCTIONS:\nMake it rhyme.")
}

func TestGenerateSurfacesExecutorErrorAndRecordsFailure(t *testing.T) {
	fix := newGenerationFixture(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusBadRequest)
	})

	_, err := fix.svc.Generate(context.Background(), models.NodeTypeNPCDialog, generateContext("node-1", models.NodeTypeNPCDialog))
	require.Error(t, err)
	assert.True(t, apperrors.IsAPIError(err))

	items := fix.history.ByNode("node-1")
	require.Len(t, items, 1)
	assert.False(t, items[0].Success)
	assert.Contains(t, items[0].Result, "model not found")
}

func TestEvaluateQualityDelegatesWithoutNetwork(t *testing.T) {
	var calls atomic.Int32
	fix := newGenerationFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeCompletion(w, "never called")
	})

	result, err := fix.svc.EvaluateQuality(context.Background(), "The road is closed tonight.", generateContext("node-1", models.NodeTypeNPCDialog), models.NodeTypeNPCDialog)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, int32(0), calls.Load())
	assert.InDelta(t, models.CombineScores(result.Scores.CharacterVoice, result.Scores.ContextCoherence), result.Scores.Combined, 1e-9)
}

func batchTask(nodeID string, kind models.GenerationType) models.BatchTask {
	return models.BatchTask{
		NodeID:   nodeID,
		NodeType: models.NodeTypeNPCDialog,
		Kind:     kind,
		Context: models.GenerateContext{
			Current: models.DialogContext{NodeID: nodeID, Type: models.NodeTypeNPCDialog, Text: "A lost artifact"},
		},
	}
}

func TestRunBatchSequentialKeepsIndexOrder(t *testing.T) {
	var mu sync.Mutex
	served := 0
	fix := newGenerationFixture(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		served++
		mu.Unlock()
		writeCompletion(w, "The gate holds at midnight.")
	})

	tasks := []models.BatchTask{
		batchTask("node-a", models.GenerationTypeRecreate),
		batchTask("node-b", models.GenerationType("redo")),
		batchTask("node-c", models.GenerationTypeRecreate),
	}

	results, err := fix.svc.RunBatch(context.Background(), tasks, BatchOptions{TaskID: "batch-1"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "node-a", results[0].NodeID)
	assert.Equal(t, "node-b", results[1].NodeID)
	assert.Equal(t, "node-c", results[2].NodeID)
	assert.NotEmpty(t, results[0].Text)
	assert.Contains(t, results[1].Error, "未知的批量任务类型")
	assert.NotEmpty(t, results[2].Text)

	tracker, ok := fix.progress.GetTracker("batch-1")
	require.True(t, ok)
	snap := tracker.Snapshot()
	assert.Equal(t, BatchStatusCompleted, snap.Status)
	assert.Equal(t, 2, snap.Completed)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 100, snap.Progress)
}

func TestRunBatchParallelReturnsAllResults(t *testing.T) {
	var calls atomic.Int32
	fix := newGenerationFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeCompletion(w, "The gate holds at midnight.")
	})

	tasks := []models.BatchTask{
		batchTask("node-a", models.GenerationTypeRecreate),
		batchTask("node-b", models.GenerationTypeRecreate),
		batchTask("node-c", models.GenerationTypeRecreate),
		batchTask("node-d", models.GenerationTypeRecreate),
	}

	results, err := fix.svc.RunBatch(context.Background(), tasks, BatchOptions{Parallel: true})
	require.NoError(t, err)
	require.Len(t, results, 4)

	for i, task := range tasks {
		assert.Equal(t, task.NodeID, results[i].NodeID, "results align with input order")
		assert.Equal(t, "The gate holds at midnight.", results[i].Text)
	}
	assert.Equal(t, int32(4), calls.Load())
}

func TestRunBatchRejectsEmptyTaskList(t *testing.T) {
	fix := newGenerationFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "never called")
	})

	_, err := fix.svc.RunBatch(context.Background(), nil, BatchOptions{})
	assert.True(t, apperrors.IsValidationError(err))
}
