// internal/services/cache_service_test.go
package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Lorewright/DialogForge/internal/models"
	"github.com/Lorewright/DialogForge/internal/utils"
)

func sampleValidationResult() *models.NodeValidationResult {
	return &models.NodeValidationResult{
		Scores: models.ValidationScores{
			CharacterVoice:   0.8,
			ContextCoherence: 0.5,
			Combined:         0.68,
		},
		Strengths: []string{"Strong match with the character's speech style"},
		Timestamp: time.Now(),
	}
}

func TestCacheLookupIsIdempotent(t *testing.T) {
	cache := NewCacheService(zap.NewNop(), utils.NewMetricsCollector())
	text := "Leave the gold and go."
	cache.StoreValidation("node-1", text, sampleValidationResult())

	first, ok := cache.GetValidation("node-1", text)
	require.True(t, ok)
	second, ok := cache.GetValidation("node-1", text)
	require.True(t, ok)

	assert.Equal(t, first, second)
	assert.InDelta(t, 0.68, second.Scores.Combined, 0.001)
}

func TestCacheInvalidatedByContentChange(t *testing.T) {
	metrics := utils.NewMetricsCollector()
	cache := NewCacheService(zap.NewNop(), metrics)
	cache.StoreValidation("node-1", "original text", sampleValidationResult())

	_, ok := cache.GetValidation("node-1", "original text")
	require.True(t, ok)

	// Same node, mutated text: the stale entry must be evicted.
	_, ok = cache.GetValidation("node-1", "edited text")
	assert.False(t, ok)

	// The eviction is permanent, not just a filtered read.
	_, ok = cache.GetValidation("node-1", "original text")
	assert.False(t, ok)

	assert.Equal(t, int64(1), metrics.GetCounter(utils.MetricCacheHits))
	assert.Equal(t, int64(2), metrics.GetCounter(utils.MetricCacheMisses))
}

func TestCacheMissForUnknownNode(t *testing.T) {
	cache := NewCacheService(zap.NewNop(), utils.NewMetricsCollector())
	_, ok := cache.GetValidation("nope", "whatever")
	assert.False(t, ok)
}

func TestCacheExplicitInvalidate(t *testing.T) {
	cache := NewCacheService(zap.NewNop(), utils.NewMetricsCollector())
	cache.StoreValidation("node-1", "text", sampleValidationResult())

	cache.Invalidate("node-1")
	_, ok := cache.GetValidation("node-1", "text")
	assert.False(t, ok)
}

func TestCacheIgnoresEmptyWrites(t *testing.T) {
	cache := NewCacheService(zap.NewNop(), utils.NewMetricsCollector())
	cache.StoreValidation("", "text", sampleValidationResult())
	cache.StoreValidation("node-1", "text", nil)
	assert.Equal(t, 0, cache.Len())
}
