// internal/services/context_service_test.go
package services

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Lorewright/DialogForge/internal/apperrors"
	"github.com/Lorewright/DialogForge/internal/config"
	"github.com/Lorewright/DialogForge/internal/models"
	"github.com/Lorewright/DialogForge/internal/utils"
)

func newTestContextService(t *testing.T) *ContextService {
	t.Helper()
	tagSvc, err := NewTagService(newTestRegistry(), zap.NewNop(), utils.NewMetricsCollector())
	require.NoError(t, err)
	svc, err := NewContextService(tagSvc, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func defaultPrompts() *config.SystemPrompts {
	return &config.DefaultSettings().SystemPrompts
}

func previousLines(texts ...string) []models.DialogContext {
	nodes := make([]models.DialogContext, 0, len(texts))
	for i, text := range texts {
		nodes = append(nodes, models.DialogContext{
			NodeID: fmt.Sprintf("prev-%d", i),
			Type:   models.NodeTypeNPCDialog,
			Text:   text,
		})
	}
	return nodes
}

func TestBuildPromptIsolatedNode(t *testing.T) {
	svc := newTestContextService(t)

	genCtx := &models.GenerateContext{
		Current:           models.DialogContext{NodeID: "n1", Type: models.NodeTypeNPCDialog, Text: "A lost artifact"},
		IgnoreConnections: true,
	}

	prompt, err := svc.BuildPrompt(defaultPrompts(), models.NodeTypeNPCDialog, genCtx)
	require.NoError(t, err)

	assert.Contains(t, prompt, "This node stands alone and has no connected dialog.")
	assert.Contains(t, prompt, "TOPIC: A lost artifact")
	assert.NotContains(t, prompt, "NEXT POSSIBLE RESPONSES")
	assert.NotContains(t, prompt, "CONVERSATION SO FAR")
}

func TestBuildPromptIgnoreConnectionsSuppressesNeighbors(t *testing.T) {
	svc := newTestContextService(t)

	genCtx := &models.GenerateContext{
		Current:           models.DialogContext{NodeID: "n1", Type: models.NodeTypeNPCDialog},
		Previous:          previousLines("You came back."),
		Next:              []models.DialogContext{{NodeID: "n2", Type: models.NodeTypePlayerResponse, Text: "I did."}},
		IgnoreConnections: true,
	}

	prompt, err := svc.BuildPrompt(defaultPrompts(), models.NodeTypeNPCDialog, genCtx)
	require.NoError(t, err)
	assert.NotContains(t, prompt, "NEXT POSSIBLE RESPONSES")
	assert.NotContains(t, prompt, "You came back.")
}

func TestBuildPromptMissingTemplateFailsBeforeAnythingElse(t *testing.T) {
	svc := newTestContextService(t)

	prompts := &config.SystemPrompts{
		NodeTemplates: map[models.NodeType]string{
			models.NodeTypeNPCDialog: "npc only",
		},
	}
	genCtx := &models.GenerateContext{
		Current: models.DialogContext{NodeID: "n1", Type: models.NodeTypeNarration},
	}

	_, err := svc.BuildPrompt(prompts, models.NodeTypeNarration, genCtx)
	require.Error(t, err)
	assert.True(t, apperrors.IsConfigurationError(err))
}

func TestBuildPromptRejectsUnknownNodeType(t *testing.T) {
	svc := newTestContextService(t)

	genCtx := &models.GenerateContext{
		Current: models.DialogContext{NodeID: "n1"},
	}

	_, err := svc.BuildPrompt(defaultPrompts(), models.NodeType("cutscene"), genCtx)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))
}

func TestBuildPromptDialogStartShowsOnlyNextPreviews(t *testing.T) {
	svc := newTestContextService(t)

	genCtx := &models.GenerateContext{
		Current: models.DialogContext{NodeID: "n1", Type: models.NodeTypeNPCDialog},
		Next: []models.DialogContext{
			{NodeID: "n2", Type: models.NodeTypePlayerResponse, Text: "Tell me more."},
			{NodeID: "n3", Type: models.NodeTypePlayerResponse, Text: "Not interested."},
		},
	}

	prompt, err := svc.BuildPrompt(defaultPrompts(), models.NodeTypeNPCDialog, genCtx)
	require.NoError(t, err)
	assert.Contains(t, prompt, "NEXT POSSIBLE RESPONSES:")
	assert.Contains(t, prompt, "Tell me more.")
	assert.NotContains(t, prompt, "CONVERSATION SO FAR")
}

func TestBuildPromptContinuationWindowIsBounded(t *testing.T) {
	svc := newTestContextService(t)

	texts := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		texts = append(texts, fmt.Sprintf("line number %d", i))
	}
	genCtx := &models.GenerateContext{
		Current:  models.DialogContext{NodeID: "n1", Type: models.NodeTypeNPCDialog},
		Previous: previousLines(texts...),
		Next:     []models.DialogContext{{NodeID: "n2", Type: models.NodeTypePlayerResponse, Text: "And then?"}},
	}

	prompt, err := svc.BuildPrompt(defaultPrompts(), models.NodeTypeNPCDialog, genCtx)
	require.NoError(t, err)

	assert.Contains(t, prompt, "CONVERSATION SO FAR")
	// Window keeps the most recent 7 lines and drops the oldest 3.
	assert.NotContains(t, prompt, "line number 2")
	assert.Contains(t, prompt, "line number 3")
	assert.Contains(t, prompt, "line number 9")
	assert.Contains(t, prompt, "NEXT POSSIBLE RESPONSES:")
}

func TestBuildPromptUsesPrebuiltDialogChain(t *testing.T) {
	svc := newTestContextService(t)

	genCtx := &models.GenerateContext{
		Current:     models.DialogContext{NodeID: "n1", Type: models.NodeTypeNPCDialog},
		Previous:    previousLines("raw line that must not appear"),
		DialogChain: "NPC: Hello.\nPLAYER: Hi.",
	}

	prompt, err := svc.BuildPrompt(defaultPrompts(), models.NodeTypeNPCDialog, genCtx)
	require.NoError(t, err)
	assert.Contains(t, prompt, "NPC: Hello.")
	assert.NotContains(t, prompt, "raw line that must not appear")
}

func TestBuildPromptDepthTrimming(t *testing.T) {
	svc := newTestContextService(t)
	tagIDs := []string{"tag-mira", "tag-forge", "tag-sword"}

	cases := []struct {
		name       string
		nodeType   models.NodeType
		history    int
		wantFull   bool
		wantLabels bool
	}{
		// npc_dialog multiplier 1.0: depth 2 -> full content
		{"shallow npc shows full tags", models.NodeTypeNPCDialog, 2, true, false},
		// npc_dialog depth 4 -> weighted 4 -> labels only
		{"mid-depth npc shows labels", models.NodeTypeNPCDialog, 4, false, true},
		// player_response multiplier 2.0: depth 3 -> weighted 6 -> omitted
		{"deep player response omits tags", models.NodeTypePlayerResponse, 3, false, false},
		// narration multiplier 1.5: depth 2 -> weighted 3 -> labels only
		{"narration trims faster than npc", models.NodeTypeNarration, 2, false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			texts := make([]string, tc.history)
			for i := range texts {
				texts[i] = fmt.Sprintf("plain line %d", i)
			}
			genCtx := &models.GenerateContext{
				Current:  models.DialogContext{NodeID: "n1", Type: tc.nodeType, Tags: tagIDs},
				Previous: previousLines(texts...),
				Next:     []models.DialogContext{{NodeID: "n2", Type: models.NodeTypeNPCDialog, Text: "next"}},
			}

			prompt, err := svc.BuildPrompt(defaultPrompts(), tc.nodeType, genCtx)
			require.NoError(t, err)

			assert.Equal(t, tc.wantFull, strings.Contains(prompt, "CHARACTER AND WORLD INFORMATION:"))
			assert.Equal(t, tc.wantLabels, strings.Contains(prompt, "RELEVANT TAGS:"))
		})
	}
}

func TestBuildPromptPrioritizedContextOrdering(t *testing.T) {
	svc := newTestContextService(t)

	genCtx := &models.GenerateContext{
		Current: models.DialogContext{
			NodeID: "n1", Type: models.NodeTypeNPCDialog,
			Tags: []string{"tag-mira", "tag-forge", "tag-sword"},
		},
		CharacterInfo: &models.CharacterInfo{
			Name: "Mira", Role: "blacksmith", SpeechStyle: "short clipped sentences",
			TrustLevel: 3, Motivations: []string{"protect the village"},
		},
	}

	prompt, err := svc.BuildPrompt(defaultPrompts(), models.NodeTypeNPCDialog, genCtx)
	require.NoError(t, err)

	critical := strings.Index(prompt, "[CRITICAL]")
	high := strings.Index(prompt, "[HIGH]")
	require.True(t, critical >= 0 && high >= 0)
	assert.Less(t, critical, high)
	assert.Contains(t, prompt, "[MEDIUM] Location:")
	assert.Contains(t, prompt, "Trust toward the player: 3/10")
	assert.Contains(t, prompt, "protect the village")
	// No previous messages, so no emotional block.
	assert.NotContains(t, prompt, "Emotional undertones")
}

func TestBuildPromptEnhancementThresholds(t *testing.T) {
	svc := newTestContextService(t)

	t.Run("emotional arc needs a non-neutral history", func(t *testing.T) {
		genCtx := &models.GenerateContext{
			Current:  models.DialogContext{NodeID: "n1", Type: models.NodeTypeNPCDialog},
			Previous: previousLines("She snapped at you, furious about the broken promise."),
		}
		prompt, err := svc.BuildPrompt(defaultPrompts(), models.NodeTypeNPCDialog, genCtx)
		require.NoError(t, err)
		assert.Contains(t, prompt, "EMOTIONAL ARC: the conversation currently trends hostile")
	})

	t.Run("neutral history has no emotional arc", func(t *testing.T) {
		genCtx := &models.GenerateContext{
			Current:  models.DialogContext{NodeID: "n1", Type: models.NodeTypeNPCDialog},
			Previous: previousLines("The door is over there.", "Take the second hallway."),
		}
		prompt, err := svc.BuildPrompt(defaultPrompts(), models.NodeTypeNPCDialog, genCtx)
		require.NoError(t, err)
		assert.NotContains(t, prompt, "EMOTIONAL ARC")
	})

	t.Run("character development needs growth in later half", func(t *testing.T) {
		genCtx := &models.GenerateContext{
			Current: models.DialogContext{NodeID: "n1", Type: models.NodeTypeNPCDialog},
			Previous: previousLines(
				"Leave me alone.",
				"The forge is closed.",
				"Maybe I was wrong. I realize that now.",
				"I am starting to trust you.",
			),
		}
		prompt, err := svc.BuildPrompt(defaultPrompts(), models.NodeTypeNPCDialog, genCtx)
		require.NoError(t, err)
		assert.Contains(t, prompt, "CHARACTER DEVELOPMENT")
	})

	t.Run("conversation dynamics needs five previous lines", func(t *testing.T) {
		short := &models.GenerateContext{
			Current:  models.DialogContext{NodeID: "n1", Type: models.NodeTypeNPCDialog},
			Previous: previousLines("one", "two", "three", "four"),
		}
		prompt, err := svc.BuildPrompt(defaultPrompts(), models.NodeTypeNPCDialog, short)
		require.NoError(t, err)
		assert.NotContains(t, prompt, "CONVERSATION DYNAMICS")

		long := &models.GenerateContext{
			Current:  models.DialogContext{NodeID: "n1", Type: models.NodeTypeNPCDialog},
			Previous: previousLines("one", "two", "three", "four", "five"),
		}
		prompt, err = svc.BuildPrompt(defaultPrompts(), models.NodeTypeNPCDialog, long)
		require.NoError(t, err)
		assert.Contains(t, prompt, "CONVERSATION DYNAMICS")
	})
}

func TestBuildPromptSiblingAwareness(t *testing.T) {
	svc := newTestContextService(t)

	genCtx := &models.GenerateContext{
		Current: models.DialogContext{NodeID: "n1", Type: models.NodeTypePlayerResponse},
		Previous: previousLines("Will you help me?"),
		SiblingNodes: []models.DialogContext{
			{NodeID: "s1", Type: models.NodeTypePlayerResponse, Text: "Of course I will."},
		},
	}

	prompt, err := svc.BuildPrompt(defaultPrompts(), models.NodeTypePlayerResponse, genCtx)
	require.NoError(t, err)
	assert.Contains(t, prompt, "EXISTING OPTIONS:")
	assert.Contains(t, prompt, "Of course I will.")
}

func TestBuildPromptGameStyleRules(t *testing.T) {
	svc := newTestContextService(t)

	base := models.GenerateContext{
		Current:  models.DialogContext{NodeID: "n1", Type: models.NodeTypeNPCDialog},
		Previous: previousLines("Hello there."),
	}

	game := base
	game.ProjectType = models.ProjectTypeGame
	prompt, err := svc.BuildPrompt(defaultPrompts(), models.NodeTypeNPCDialog, &game)
	require.NoError(t, err)
	assert.Contains(t, prompt, "STYLE RULES:")
	assert.Contains(t, prompt, "Never open with:")

	story := base
	story.ProjectType = models.ProjectTypeInteractiveStory
	prompt, err = svc.BuildPrompt(defaultPrompts(), models.NodeTypeNPCDialog, &story)
	require.NoError(t, err)
	assert.NotContains(t, prompt, "STYLE RULES:")
}

func TestBuildImprovePromptIncludesCurrentText(t *testing.T) {
	svc := newTestContextService(t)

	genCtx := &models.GenerateContext{
		Current:  models.DialogContext{NodeID: "n1", Type: models.NodeTypeNPCDialog},
		Previous: previousLines("State your business."),
	}

	prompt, err := svc.BuildImprovePrompt(defaultPrompts(), models.NodeTypeNPCDialog, genCtx, "I sell things, maybe.")
	require.NoError(t, err)
	assert.Contains(t, prompt, "CURRENT TEXT:\nI sell things, maybe.")
	assert.Contains(t, prompt, "Improve the current text")

	_, err = svc.BuildImprovePrompt(defaultPrompts(), models.NodeTypeNPCDialog, genCtx, "   ")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))
}

func TestBuildCustomPromptOverridesSystemTemplate(t *testing.T) {
	svc := newTestContextService(t)

	genCtx := &models.GenerateContext{
		Current: models.DialogContext{NodeID: "n1", Type: models.NodeTypeNPCDialog},
	}

	prompt, err := svc.BuildCustomPrompt(defaultPrompts(), models.NodeTypeNPCDialog, genCtx,
		"Make it rhyme.", "You are a bard.")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(prompt, "You are a bard."))
	assert.Contains(t, prompt, "AUTHOR INSTRUCTIONS:\nMake it rhyme.")

	_, err = svc.BuildCustomPrompt(defaultPrompts(), models.NodeTypeNPCDialog, genCtx, "", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))
}
