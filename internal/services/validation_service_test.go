// internal/services/validation_service_test.go
package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Lorewright/DialogForge/internal/apperrors"
	"github.com/Lorewright/DialogForge/internal/llm/ollama"
	"github.com/Lorewright/DialogForge/internal/models"
	"github.com/Lorewright/DialogForge/internal/utils"
)

type validatorFixture struct {
	validator *ValidationService
	cache     *CacheService
	metrics   *utils.MetricsCollector
}

func newValidatorFixture(t *testing.T, handler http.HandlerFunc) *validatorFixture {
	t.Helper()

	metrics := utils.NewMetricsCollector()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := ollama.New(ollama.Config{BaseURL: server.URL, Model: "test-model"})
	require.NoError(t, err)

	limiter := NewRequestLimiter(2)
	t.Cleanup(limiter.Close)

	executor, err := NewLLMService(client, limiter, zap.NewNop(), metrics)
	require.NoError(t, err)

	cache := NewCacheService(zap.NewNop(), metrics)
	tagSvc, err := NewTagService(newTestRegistry(), zap.NewNop(), metrics)
	require.NoError(t, err)

	validator, err := NewValidationService(executor, cache, tagSvc, DefaultValidationConfig(), zap.NewNop(), metrics)
	require.NoError(t, err)

	return &validatorFixture{validator: validator, cache: cache, metrics: metrics}
}

func plainRefineRequest(text string) RefineRequest {
	return RefineRequest{
		NodeID:     "node-1",
		NodeType:   models.NodeTypeNPCDialog,
		Text:       text,
		BasePrompt: "Write one NPC line.",
		GenCtx: &models.GenerateContext{
			Current: models.DialogContext{NodeID: "node-1", Type: models.NodeTypeNPCDialog},
		},
		Prompts:    defaultPrompts(),
		Options:    DefaultGenerationOptions(),
		MaxRetries: -1,
	}
}

func TestValidateAndRefineAcceptsCleanText(t *testing.T) {
	var calls atomic.Int32
	fx := newValidatorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeCompletion(w, "never needed")
	})

	req := plainRefineRequest("The vault opens at midnight, not before.")
	outcome, err := fx.validator.ValidateAndRefine(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "The vault opens at midnight, not before.", outcome.Text)
	assert.Empty(t, outcome.Warning)
	assert.Zero(t, outcome.Regenerations)
	assert.Equal(t, int32(0), calls.Load())

	// Acceptance writes the result into the validation cache.
	cached, ok := fx.cache.GetValidation("node-1", outcome.Text)
	require.True(t, ok)
	assert.Equal(t, outcome.Result, cached)
}

func TestValidateAndRefineRegeneratesOnStyleIssue(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	var temps []float64
	var topPs []float64

	fx := newValidatorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt  string `json:"prompt"`
			Options struct {
				Temperature float64 `json:"temperature"`
				TopP        float64 `json:"top_p"`
			} `json:"options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		prompts = append(prompts, req.Prompt)
		temps = append(temps, req.Options.Temperature)
		topPs = append(topPs, req.Options.TopP)
		mu.Unlock()
		writeCompletion(w, "The gate opens at midnight, move quickly.")
	})

	req := plainRefineRequest("Well, hello there, traveler.")
	outcome, err := fx.validator.ValidateAndRefine(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "The gate opens at midnight, move quickly.", outcome.Text)
	assert.Equal(t, 1, outcome.Regenerations)
	assert.Empty(t, outcome.Warning)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "PREVIOUS ATTEMPT:\nWell, hello there, traveler.")
	assert.Contains(t, prompts[0], "ISSUES TO FIX:")
	assert.Contains(t, prompts[0], "banned phrase")
	assert.Contains(t, prompts[0], "The previous draft used a banned opening")
	// Regeneration runs hotter and samples wider.
	assert.InDelta(t, 0.8, temps[0], 0.001)
	assert.InDelta(t, 0.95, topPs[0], 0.001)
}

func TestCircuitBreakerTripsOnRepeatedCandidate(t *testing.T) {
	bad := "Well, as you know, the vault is sealed."
	var calls atomic.Int32
	fx := newValidatorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeCompletion(w, bad)
	})

	req := plainRefineRequest(bad)
	outcome, err := fx.validator.ValidateAndRefine(context.Background(), req)
	require.NoError(t, err)

	// One regeneration produced the identical candidate within the 5s window,
	// so the loop is cut and the text accepted as-is without another call.
	assert.Equal(t, bad, outcome.Text)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, outcome.Warning, "loop")
	assert.Equal(t, int64(1), fx.metrics.GetCounter(utils.MetricBreakerTrips))

	// Breaker acceptance still caches the result.
	_, ok := fx.cache.GetValidation("node-1", bad)
	assert.True(t, ok)
}

func TestValidateAndRefineExhaustsRetries(t *testing.T) {
	variants := []string{
		"Well, the first try.",
		"Well, the second try.",
	}
	var calls atomic.Int32
	fx := newValidatorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		writeCompletion(w, variants[int(n-1)%len(variants)])
	})

	req := plainRefineRequest("Well, the zeroth try.")
	outcome, err := fx.validator.ValidateAndRefine(context.Background(), req)
	require.NoError(t, err)

	// Default max of 2 regenerations, then accepted with a warning.
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, outcome.Regenerations)
	assert.Contains(t, outcome.Warning, "retries exhausted")
	assert.Equal(t, "Well, the second try.", outcome.Text)
	require.NotNil(t, outcome.Result)
	assert.NotEmpty(t, outcome.Result.Issues)
}

func TestValidateAndRefinePropagatesExecutorErrors(t *testing.T) {
	fx := newValidatorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	req := plainRefineRequest("Well, this needs a regen.")
	_, err := fx.validator.ValidateAndRefine(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apperrors.IsAPIError(err))
}

func TestEvaluateQualityUsesCacheUntilTextChanges(t *testing.T) {
	fx := newValidatorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "unused")
	})

	genCtx := &models.GenerateContext{
		Current: models.DialogContext{NodeID: "node-9", Type: models.NodeTypeNPCDialog},
	}

	first, err := fx.validator.EvaluateQuality("node-9", "The river is frozen solid.", genCtx, models.NodeTypeNPCDialog)
	require.NoError(t, err)

	second, err := fx.validator.EvaluateQuality("node-9", "The river is frozen solid.", genCtx, models.NodeTypeNPCDialog)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), fx.metrics.GetCounter(utils.MetricCacheHits))

	third, err := fx.validator.EvaluateQuality("node-9", "The river thawed overnight.", genCtx, models.NodeTypeNPCDialog)
	require.NoError(t, err)
	assert.NotEqual(t, first.Timestamp, third.Timestamp)
}

func TestEvaluateQualityValidatesInputs(t *testing.T) {
	fx := newValidatorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "unused")
	})

	genCtx := &models.GenerateContext{Current: models.DialogContext{NodeID: "n"}}

	_, err := fx.validator.EvaluateQuality("n", "  ", genCtx, models.NodeTypeNPCDialog)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))

	_, err = fx.validator.EvaluateQuality("n", "text", nil, models.NodeTypeNPCDialog)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))

	_, err = fx.validator.EvaluateQuality("n", "text", genCtx, models.NodeType("cutscene"))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))
}

func TestEvaluateScoresCharacterVoiceViolations(t *testing.T) {
	fx := newValidatorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "unused")
	})

	genCtx := &models.GenerateContext{
		Current: models.DialogContext{NodeID: "n1", Type: models.NodeTypeNPCDialog},
		CharacterInfo: &models.CharacterInfo{
			Name:        "Mira",
			SpeechStyle: "short clipped sentences",
			TrustLevel:  2,
		},
	}
	longWarm := "My friend, of course I will gladly help you with everything you could possibly need from me today and tomorrow as well."

	result := fx.validator.Evaluate(longWarm, genCtx, models.NodeTypeNPCDialog)

	assert.Less(t, result.Scores.CharacterVoice, 0.5)
	var voiceIssues int
	for _, issue := range result.Issues {
		if issue.Type == models.IssueTypeCharacterVoice {
			voiceIssues++
			assert.NotEmpty(t, issue.Suggestion)
		}
	}
	assert.GreaterOrEqual(t, voiceIssues, 2)
}

func TestEvaluateScoresVoiceStrengths(t *testing.T) {
	fx := newValidatorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "unused")
	})

	genCtx := &models.GenerateContext{
		Current: models.DialogContext{NodeID: "n1", Type: models.NodeTypeNPCDialog},
		CharacterInfo: &models.CharacterInfo{
			Name:        "Mira",
			SpeechStyle: "short clipped sentences",
			TrustLevel:  2,
			Motivations: []string{"protect the village"},
		},
	}

	result := fx.validator.Evaluate("Stay back. The village comes first.", genCtx, models.NodeTypeNPCDialog)

	assert.GreaterOrEqual(t, result.Scores.CharacterVoice, 0.8)
	assert.NotEmpty(t, result.Strengths)
}

func TestEvaluateScoresContextCoherence(t *testing.T) {
	fx := newValidatorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "unused")
	})

	genCtx := &models.GenerateContext{
		Current: models.DialogContext{NodeID: "n1", Type: models.NodeTypeNPCDialog},
		Previous: []models.DialogContext{
			{NodeID: "p1", Type: models.NodeTypePlayerResponse, Text: "The dragon burned the harvest and the village is starving."},
		},
	}

	coherent := fx.validator.Evaluate("We must save the village from the dragon before winter.", genCtx, models.NodeTypeNPCDialog)
	assert.GreaterOrEqual(t, coherent.Scores.ContextCoherence, 0.8)

	incoherent := fx.validator.Evaluate("Bananas make excellent submarines tomorrow.", genCtx, models.NodeTypeNPCDialog)
	assert.Less(t, incoherent.Scores.ContextCoherence, 0.3)

	var found bool
	for _, issue := range incoherent.Issues {
		if issue.Type == models.IssueTypeContextCoherence {
			found = true
			assert.Equal(t, models.SeverityHigh, issue.Severity)
		}
	}
	assert.True(t, found)
}

func TestRegenBreakerPrunesOldEntries(t *testing.T) {
	breaker := newRegenBreaker(5*time.Millisecond, 20*time.Millisecond)

	assert.False(t, breaker.ShouldTrip("n1", "same text"))
	assert.True(t, breaker.ShouldTrip("n1", "same text"))

	// Outside the trip window the same pair is fine again.
	time.Sleep(10 * time.Millisecond)
	assert.False(t, breaker.ShouldTrip("n1", "same text"))

	// After the prune age the map forgets the key entirely.
	time.Sleep(25 * time.Millisecond)
	breaker.ShouldTrip("n2", "other text")
	breaker.mu.Lock()
	_, stillThere := breaker.attempts[breakerKey("n1", "same text")]
	breaker.mu.Unlock()
	assert.False(t, stillThere)
}
