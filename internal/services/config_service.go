// internal/services/config_service.go
package services

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Lorewright/DialogForge/internal/apperrors"
	"github.com/Lorewright/DialogForge/internal/config"
)

// SettingsSubscriber 配置变更订阅者接口
type SettingsSubscriber interface {
	OnSettingsChanged(oldSettings, newSettings *config.Settings)
}

// SettingsChangeRecord 配置变更记录
type SettingsChangeRecord struct {
	Timestamp time.Time `json:"timestamp"`
	ChangedBy string    `json:"changed_by"`
	Source    string    `json:"source"` // startup, api, reload, file_watch
}

// SettingsHealth 配置健康快照
type SettingsHealth struct {
	Healthy       bool      `json:"healthy"`
	Error         string    `json:"error,omitempty"`
	BaseURL       string    `json:"base_url"`
	Model         string    `json:"model"`
	NodeTemplates int       `json:"node_templates"`
	MaxConcurrent int       `json:"max_concurrent"`
	LastUpdated   time.Time `json:"last_updated"`
	ChangeCount   int       `json:"change_count"`
}

// 变更历史上限，避免无限增长
const maxChangeHistory = 1000

// 编辑器保存常触发多个事件，去抖后再加载
const reloadDebounce = 200 * time.Millisecond

// ConfigService 持有当前生效的管线配置
// 读取返回深拷贝；更新经过校验后原子替换并通知订阅者；
// 可选的文件监听把磁盘上的配置改动热加载进来。
type ConfigService struct {
	path   string
	logger *zap.Logger

	mu            sync.RWMutex
	current       *config.Settings
	lastUpdated   time.Time
	changeHistory []SettingsChangeRecord

	subMu       sync.Mutex
	subscribers []SettingsSubscriber

	watcher     *fsnotify.Watcher
	watcherStop chan struct{}
	stopOnce    sync.Once
}

// NewConfigService 创建配置服务
// initial 必须是已通过校验的配置；path 为空时不做持久化与监听。
func NewConfigService(path string, initial *config.Settings, logger *zap.Logger) (*ConfigService, error) {
	if initial == nil {
		return nil, apperrors.NewConfigurationError("初始配置不能为空", nil)
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &ConfigService{
		path:        path,
		logger:      logger,
		current:     initial.Clone(),
		lastUpdated: time.Now(),
		watcherStop: make(chan struct{}),
	}
	s.changeHistory = append(s.changeHistory, SettingsChangeRecord{
		Timestamp: s.lastUpdated,
		ChangedBy: "system",
		Source:    "startup",
	})
	return s, nil
}

// Current 返回当前配置的深拷贝
// 实现 SettingsProvider；调用方的修改不会影响共享状态。
func (s *ConfigService) Current() *config.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Update 校验并应用新配置，成功后持久化到磁盘并通知订阅者
func (s *ConfigService) Update(next *config.Settings, changedBy string) error {
	if changedBy == "" {
		changedBy = "api"
	}
	return s.apply(next, changedBy, "api", true)
}

// Reload 从磁盘重新加载配置
func (s *ConfigService) Reload() error {
	if s.path == "" {
		return apperrors.NewConfigurationError("未配置设置文件路径", nil)
	}
	return s.reloadFromDisk("reload")
}

// Watch 监听配置文件变动并热加载
// 非法的新配置只记录错误，旧配置继续生效。
func (s *ConfigService) Watch() error {
	if s.path == "" {
		return apperrors.NewConfigurationError("未配置设置文件路径，无法监听", nil)
	}
	if s.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return apperrors.NewConfigurationError("创建文件监听失败", err)
	}
	// 监听目录而非文件：原子改名替换后文件句柄会失效
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return apperrors.NewConfigurationError("监听配置目录失败", err)
	}

	s.watcher = watcher
	s.logger.Info("👀 配置文件监听已启动", zap.String("path", s.path))

	go s.watchLoop()
	return nil
}

// Close 停止文件监听
func (s *ConfigService) Close() {
	s.stopOnce.Do(func() {
		close(s.watcherStop)
		if s.watcher != nil {
			s.watcher.Close()
		}
	})
}

// Subscribe 订阅配置变更事件
func (s *ConfigService) Subscribe(subscriber SettingsSubscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, subscriber)
}

// Unsubscribe 取消配置变更订阅
func (s *ConfigService) Unsubscribe(subscriber SettingsSubscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for i, sub := range s.subscribers {
		if sub == subscriber {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			break
		}
	}
}

// ChangeHistory 返回最近的配置变更记录
func (s *ConfigService) ChangeHistory(limit int) []SettingsChangeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.changeHistory) {
		limit = len(s.changeHistory)
	}

	history := make([]SettingsChangeRecord, limit)
	copy(history, s.changeHistory[len(s.changeHistory)-limit:])
	return history
}

// Health 返回配置健康快照
func (s *ConfigService) Health() SettingsHealth {
	s.mu.RLock()
	current := s.current.Clone()
	lastUpdated := s.lastUpdated
	changes := len(s.changeHistory)
	s.mu.RUnlock()

	health := SettingsHealth{
		BaseURL:       current.BaseURL,
		Model:         current.Model,
		NodeTemplates: len(current.SystemPrompts.NodeTemplates),
		MaxConcurrent: current.MaxConcurrent,
		LastUpdated:   lastUpdated,
		ChangeCount:   changes,
	}
	if err := current.Validate(); err != nil {
		health.Error = err.Error()
	} else {
		health.Healthy = true
	}
	return health
}

// apply 校验、持久化并原子替换当前配置
func (s *ConfigService) apply(next *config.Settings, changedBy, source string, persist bool) error {
	if next == nil {
		return apperrors.NewValidationError("配置不能为空", nil)
	}
	if err := next.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	// 自写回触发的监听事件在这里收敛，内容相同不再走一遍通知
	if reflect.DeepEqual(*next, *s.current) {
		s.mu.Unlock()
		s.logger.Debug("配置无变化，跳过更新", zap.String("source", source))
		return nil
	}

	old := s.current
	snapshot := next.Clone()

	if persist && s.path != "" {
		// 持久化失败不归类为配置错误，内容本身是合法的
		if err := config.SaveSettings(s.path, snapshot); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("配置持久化失败: %w", err)
		}
	}

	s.current = snapshot
	s.lastUpdated = time.Now()
	if len(s.changeHistory) >= maxChangeHistory {
		s.changeHistory = s.changeHistory[1:]
	}
	s.changeHistory = append(s.changeHistory, SettingsChangeRecord{
		Timestamp: s.lastUpdated,
		ChangedBy: changedBy,
		Source:    source,
	})
	s.mu.Unlock()

	if old.BaseURL != snapshot.BaseURL {
		s.logger.Warn("后端地址已变更，对已建立的客户端连接需要重启生效",
			zap.String("old", old.BaseURL),
			zap.String("new", snapshot.BaseURL))
	}
	s.logger.Info("⚙️ 管线配置已更新",
		zap.String("source", source),
		zap.String("changed_by", changedBy),
		zap.String("model", snapshot.Model))

	s.notifySubscribers(old.Clone(), snapshot.Clone())
	return nil
}

// reloadFromDisk 重新加载文件并应用，不回写磁盘
func (s *ConfigService) reloadFromDisk(source string) error {
	loaded, err := config.LoadSettings(s.path, nil)
	if err != nil {
		return err
	}
	return s.apply(loaded, "file", source, false)
}

// watchLoop 处理文件事件直到 Close
func (s *ConfigService) watchLoop() {
	target := filepath.Base(s.path)

	var reloadTimer *time.Timer
	var reloadCh <-chan time.Time
	scheduleReload := func() {
		if reloadTimer == nil {
			reloadTimer = time.NewTimer(reloadDebounce)
			reloadCh = reloadTimer.C
		} else {
			reloadTimer.Reset(reloadDebounce)
		}
	}

	for {
		select {
		case <-s.watcherStop:
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			return

		case <-reloadCh:
			if err := s.reloadFromDisk("file_watch"); err != nil {
				s.logger.Error("配置热加载失败，沿用旧配置", zap.Error(err))
			}

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}

		case watchErr, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("配置监听错误", zap.Error(watchErr))
		}
	}
}

// notifySubscribers 通知所有订阅者配置已变更
func (s *ConfigService) notifySubscribers(oldSettings, newSettings *config.Settings) {
	s.subMu.Lock()
	subscribers := make([]SettingsSubscriber, len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.subMu.Unlock()

	for _, subscriber := range subscribers {
		go subscriber.OnSettingsChanged(oldSettings, newSettings)
	}
}
