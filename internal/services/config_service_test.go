// internal/services/config_service_test.go
package services

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Lorewright/DialogForge/internal/apperrors"
	"github.com/Lorewright/DialogForge/internal/config"
)

type recordingSubscriber struct {
	mu      sync.Mutex
	changes []string // new model per change
	done    chan struct{}
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{done: make(chan struct{}, 8)}
}

func (r *recordingSubscriber) OnSettingsChanged(oldSettings, newSettings *config.Settings) {
	r.mu.Lock()
	r.changes = append(r.changes, newSettings.Model)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *recordingSubscriber) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was never notified")
	}
}

func newConfigService(t *testing.T, path string) *ConfigService {
	t.Helper()
	svc, err := NewConfigService(path, config.DefaultSettings(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func TestConfigServiceCurrentReturnsIsolatedCopy(t *testing.T) {
	svc := newConfigService(t, "")

	first := svc.Current()
	first.Model = "mutated"
	first.SystemPrompts.Pipeline[config.TemplateIsolatedNode] = "mutated"

	second := svc.Current()
	assert.Equal(t, "llama3.1", second.Model)
	assert.NotEqual(t, "mutated", second.SystemPrompts.Pipeline[config.TemplateIsolatedNode])
}

func TestConfigServiceUpdateValidatesAndNotifies(t *testing.T) {
	svc := newConfigService(t, "")
	sub := newRecordingSubscriber()
	svc.Subscribe(sub)

	next := svc.Current()
	next.Model = "mistral"
	require.NoError(t, svc.Update(next, "tester"))
	sub.wait(t)

	assert.Equal(t, "mistral", svc.Current().Model)

	history := svc.ChangeHistory(0)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, "tester", last.ChangedBy)
	assert.Equal(t, "api", last.Source)
}

func TestConfigServiceUpdateRejectsInvalidSettings(t *testing.T) {
	svc := newConfigService(t, "")

	bad := svc.Current()
	bad.Model = ""
	err := svc.Update(bad, "tester")
	assert.True(t, apperrors.IsConfigurationError(err))
	assert.Equal(t, "llama3.1", svc.Current().Model, "invalid update must not replace current settings")

	// Dropping a required diversity template is also fatal.
	bad = svc.Current()
	delete(bad.SystemPrompts.Pipeline, config.TemplateDiversityDifferentiation)
	err = svc.Update(bad, "tester")
	assert.True(t, apperrors.IsConfigurationError(err))
}

func TestConfigServiceUpdateSkipsNoopChanges(t *testing.T) {
	svc := newConfigService(t, "")
	sub := newRecordingSubscriber()
	svc.Subscribe(sub)

	require.NoError(t, svc.Update(svc.Current(), "tester"))

	select {
	case <-sub.done:
		t.Fatal("identical settings must not notify subscribers")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConfigServiceUpdatePersistsToDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	svc := newConfigService(t, path)

	next := svc.Current()
	next.Model = "mistral"
	require.NoError(t, svc.Update(next, "tester"))

	loaded, err := config.LoadSettings(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "mistral", loaded.Model)
}

func TestConfigServiceReloadPicksUpDiskChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	svc := newConfigService(t, path)

	changed := config.DefaultSettings()
	changed.Model = "qwen2"
	require.NoError(t, config.SaveSettings(path, changed))

	require.NoError(t, svc.Reload())
	assert.Equal(t, "qwen2", svc.Current().Model)

	history := svc.ChangeHistory(1)
	require.Len(t, history, 1)
	assert.Equal(t, "reload", history[0].Source)
}

func TestConfigServiceWatchHotReloadsFileEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	require.NoError(t, config.SaveSettings(path, config.DefaultSettings()))

	svc := newConfigService(t, path)
	sub := newRecordingSubscriber()
	svc.Subscribe(sub)
	require.NoError(t, svc.Watch())

	changed := config.DefaultSettings()
	changed.Model = "phi3"
	require.NoError(t, config.SaveSettings(path, changed))

	sub.wait(t)
	assert.Equal(t, "phi3", svc.Current().Model)
}

func TestConfigServiceWatchKeepsOldSettingsOnBrokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	require.NoError(t, config.SaveSettings(path, config.DefaultSettings()))

	svc := newConfigService(t, path)
	require.NoError(t, svc.Watch())

	require.NoError(t, os.WriteFile(path, []byte("{ not json"), 0644))

	// Give the watcher time to debounce and attempt the reload.
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, "llama3.1", svc.Current().Model)
}

func TestConfigServiceHealthSnapshot(t *testing.T) {
	svc := newConfigService(t, "")

	health := svc.Health()
	assert.True(t, health.Healthy)
	assert.Empty(t, health.Error)
	assert.Equal(t, "llama3.1", health.Model)
	assert.Equal(t, 3, health.NodeTemplates)
	assert.Equal(t, 3, health.MaxConcurrent)
	assert.GreaterOrEqual(t, health.ChangeCount, 1)
}

func TestConfigServiceUnsubscribeStopsNotifications(t *testing.T) {
	svc := newConfigService(t, "")
	sub := newRecordingSubscriber()
	svc.Subscribe(sub)
	svc.Unsubscribe(sub)

	next := svc.Current()
	next.Model = "mistral"
	require.NoError(t, svc.Update(next, "tester"))

	select {
	case <-sub.done:
		t.Fatal("unsubscribed subscriber must not be notified")
	case <-time.After(100 * time.Millisecond):
	}
}
