// internal/services/tag_service_test.go
package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Lorewright/DialogForge/internal/apperrors"
	"github.com/Lorewright/DialogForge/internal/models"
	"github.com/Lorewright/DialogForge/internal/utils"
)

// fakeRegistry is a map-backed TagRegistry for tests.
type fakeRegistry struct {
	tags map[string]models.Tag
}

func (r *fakeRegistry) GetTag(id string) (models.Tag, bool) {
	tag, ok := r.tags[id]
	return tag, ok
}

func newTestRegistry() *fakeRegistry {
	return &fakeRegistry{tags: map[string]models.Tag{
		"tag-mira": {
			ID: "tag-mira", Label: "Mira the Smith", Type: models.TagTypeCharacter,
			Content: "Gruff blacksmith, secretly sentimental, distrusts outsiders.", Importance: 5,
		},
		"tag-forge": {
			ID: "tag-forge", Label: "The Old Forge", Type: models.TagTypeLocation,
			Content: "Soot-black workshop at the village edge.", Importance: 2,
		},
		"tag-sword": {
			ID: "tag-sword", Label: "Reforge the Heirloom", Type: models.TagTypeQuest,
			Content: "The player must convince Mira to reforge the broken family sword.", Importance: 4,
		},
	}}
}

func newTestTagService(t *testing.T) *TagService {
	t.Helper()
	svc, err := NewTagService(newTestRegistry(), zap.NewNop(), utils.NewMetricsCollector())
	require.NoError(t, err)
	return svc
}

func TestResolveTagsSkipsUnknownIDs(t *testing.T) {
	svc := newTestTagService(t)

	tags := svc.ResolveTags([]string{"tag-mira", "tag-ghost", "tag-forge"})
	require.Len(t, tags, 2)
	assert.Equal(t, "tag-mira", tags[0].ID)
	assert.Equal(t, "tag-forge", tags[1].ID)
}

func TestValidateTagsRejectsOutOfRangeImportance(t *testing.T) {
	svc := newTestTagService(t)

	bad := models.Tag{ID: "t1", Label: "Broken", Type: models.TagTypeTheme, Importance: 6}
	err := svc.ValidateTags([]models.Tag{bad})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))

	low := models.Tag{ID: "t2", Label: "Broken", Type: models.TagTypeTheme, Importance: 0}
	err = svc.ValidateTags([]models.Tag{low})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))
}

func TestFormatTagBlockGroupsAndOrders(t *testing.T) {
	svc := newTestTagService(t)
	tags := svc.ResolveTags([]string{"tag-forge", "tag-mira", "tag-sword"})

	block := svc.FormatTagBlock(tags)
	assert.True(t, strings.HasPrefix(block, "CHARACTER AND WORLD INFORMATION:"))

	// Characters come before quests, quests before locations.
	charIdx := strings.Index(block, "CHARACTERS")
	questIdx := strings.Index(block, "QUESTS")
	locIdx := strings.Index(block, "LOCATIONS")
	require.True(t, charIdx >= 0 && questIdx >= 0 && locIdx >= 0)
	assert.Less(t, charIdx, questIdx)
	assert.Less(t, questIdx, locIdx)

	assert.Contains(t, block, "Mira the Smith: Gruff blacksmith")
}

func TestFormatTagBlockUsesCacheForSameTagSet(t *testing.T) {
	metrics := utils.NewMetricsCollector()
	svc, err := NewTagService(newTestRegistry(), zap.NewNop(), metrics)
	require.NoError(t, err)

	tags := svc.ResolveTags([]string{"tag-mira", "tag-sword"})
	first := svc.FormatTagBlock(tags)

	// Same set in a different order must hit the cache.
	reordered := []models.Tag{tags[1], tags[0]}
	second := svc.FormatTagBlock(reordered)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), metrics.GetCounter(utils.MetricTagCacheHits))
	assert.Equal(t, int64(1), metrics.GetCounter(utils.MetricTagCacheMisses))
}

func TestFormatTagLabels(t *testing.T) {
	svc := newTestTagService(t)
	tags := svc.ResolveTags([]string{"tag-forge", "tag-mira"})

	labels := svc.FormatTagLabels(tags)
	assert.Equal(t, "RELEVANT TAGS: Mira the Smith, The Old Forge", labels)
	assert.NotContains(t, labels, "Gruff blacksmith")
}
