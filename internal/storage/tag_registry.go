// internal/storage/tag_registry.go
package storage

import (
	"sync"

	"github.com/Lorewright/DialogForge/internal/models"
)

const (
	tagDir  = "tags"
	tagFile = "tags.json"
)

// TagLibrary 文件落盘的标签注册表
// 标签集合由编辑器整体推送，核心只按 id 读取
type TagLibrary struct {
	store *FileStore
	mu    sync.RWMutex
	tags  map[string]models.Tag
}

// NewTagLibrary 创建标签注册表，存在持久化文件时立即加载
func NewTagLibrary(store *FileStore) (*TagLibrary, error) {
	lib := &TagLibrary{
		store: store,
		tags:  make(map[string]models.Tag),
	}

	if store.FileExists(tagDir, tagFile) {
		var saved []models.Tag
		if err := store.LoadJSONFile(tagDir, tagFile, &saved); err != nil {
			return nil, err
		}
		for _, tag := range saved {
			lib.tags[tag.ID] = tag
		}
	}

	return lib, nil
}

// GetTag 按 id 读取标签
func (l *TagLibrary) GetTag(id string) (models.Tag, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tag, ok := l.tags[id]
	return tag, ok
}

// All 返回全部标签的副本
func (l *TagLibrary) All() []models.Tag {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tags := make([]models.Tag, 0, len(l.tags))
	for _, tag := range l.tags {
		tags = append(tags, tag)
	}
	return tags
}

// ReplaceAll 整体替换标签集合并落盘
func (l *TagLibrary) ReplaceAll(tags []models.Tag) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := make(map[string]models.Tag, len(tags))
	for _, tag := range tags {
		next[tag.ID] = tag
	}

	if err := l.store.SaveJSONFile(tagDir, tagFile, tags); err != nil {
		return err
	}

	l.tags = next
	return nil
}

// Count 当前标签数量
func (l *TagLibrary) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.tags)
}
