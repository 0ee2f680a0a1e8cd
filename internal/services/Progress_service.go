// internal/services/Progress_service.go
package services

import (
	"fmt"
	"sync"
	"time"
)

// 批量任务状态
const (
	BatchStatusRunning   = "running"
	BatchStatusCompleted = "completed"
	BatchStatusFailed    = "failed"
)

// BatchUpdate 表示一次批量生成的进度快照
type BatchUpdate struct {
	TaskID    string `json:"task_id"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"` // 成功完成的任务数
	Failed    int    `json:"failed"`    // 失败的任务数
	Progress  int    `json:"progress"`  // 进度百分比 (0-100)
	Message   string `json:"message"`   // 描述性消息
	Status    string `json:"status"`    // running, completed, failed
}

// BatchTracker 跟踪单次批量生成的进度
type BatchTracker struct {
	TaskID      string
	Total       int
	StartTime   time.Time
	UpdateTime  time.Time
	Subscribers map[chan BatchUpdate]bool // 订阅进度更新的通道
	Done        chan struct{}             // 批量完成信号
	completed   int
	failed      int
	status      string
	message     string
	mutex       sync.Mutex
}

// BatchProgressService 管理所有批量进度跟踪器
type BatchProgressService struct {
	trackers map[string]*BatchTracker
	mutex    sync.RWMutex
}

// NewBatchProgressService 创建批量进度服务实例
func NewBatchProgressService() *BatchProgressService {
	return &BatchProgressService{
		trackers: make(map[string]*BatchTracker),
	}
}

// CreateTracker 为一次批量生成创建进度跟踪器
func (s *BatchProgressService) CreateTracker(taskID string, total int) *BatchTracker {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// 如果已存在，返回现有跟踪器
	if tracker, exists := s.trackers[taskID]; exists {
		return tracker
	}

	tracker := &BatchTracker{
		TaskID:      taskID,
		Total:       total,
		StartTime:   time.Now(),
		UpdateTime:  time.Now(),
		Subscribers: make(map[chan BatchUpdate]bool),
		Done:        make(chan struct{}),
		status:      BatchStatusRunning,
		message:     "批量生成初始化中...",
	}

	s.trackers[taskID] = tracker
	return tracker
}

// GetTracker 获取批量进度跟踪器
func (s *BatchProgressService) GetTracker(taskID string) (*BatchTracker, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	tracker, exists := s.trackers[taskID]
	return tracker, exists
}

// NodeDone 记录一个任务的完成情况并通知订阅者
func (t *BatchTracker) NodeDone(nodeID string, err error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if err != nil {
		t.failed++
		t.message = fmt.Sprintf("节点 %s 生成失败: %v", nodeID, err)
	} else {
		t.completed++
		t.message = fmt.Sprintf("节点 %s 已完成", nodeID)
	}
	t.UpdateTime = time.Now()

	t.notifyLocked()
}

// Finish 标记批量完成；个别任务失败不改变批量的完成状态
func (t *BatchTracker) Finish() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.status != BatchStatusRunning {
		return
	}
	t.status = BatchStatusCompleted
	if t.failed > 0 {
		t.message = fmt.Sprintf("批量生成已完成：%d 成功，%d 失败", t.completed, t.failed)
	} else {
		t.message = "批量生成已完成"
	}
	t.UpdateTime = time.Now()

	t.notifyLocked()
	close(t.Done)
}

// Fail 标记整次批量失败（任务列表无法执行时）
func (t *BatchTracker) Fail(errorMsg string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.status != BatchStatusRunning {
		return
	}
	t.status = BatchStatusFailed
	t.message = fmt.Sprintf("批量生成失败: %s", errorMsg)
	t.UpdateTime = time.Now()

	t.notifyLocked()
	close(t.Done)
}

// Snapshot 返回当前进度快照
func (t *BatchTracker) Snapshot() BatchUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.snapshotLocked()
}

// Subscribe 订阅进度更新，立即收到当前状态
func (t *BatchTracker) Subscribe() chan BatchUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	// 缓冲区设为10以避免阻塞生成管线
	subscriber := make(chan BatchUpdate, 10)
	t.Subscribers[subscriber] = true

	subscriber <- t.snapshotLocked()
	return subscriber
}

// Unsubscribe 取消订阅
func (t *BatchTracker) Unsubscribe(subscriber chan BatchUpdate) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.Subscribers[subscriber] {
		delete(t.Subscribers, subscriber)
		close(subscriber)
	}
}

// CleanupCompletedTasks 清理已结束且超过 maxAge 的跟踪器
func (s *BatchProgressService) CleanupCompletedTasks(maxAge time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	for id, tracker := range s.trackers {
		tracker.mutex.Lock()
		isDone := tracker.status == BatchStatusCompleted || tracker.status == BatchStatusFailed
		isOld := now.Sub(tracker.UpdateTime) > maxAge
		tracker.mutex.Unlock()

		if isDone && isOld {
			delete(s.trackers, id)
		}
	}
}

// snapshotLocked 构造进度快照，调用方须持有 t.mutex
func (t *BatchTracker) snapshotLocked() BatchUpdate {
	progress := 100
	if t.Total > 0 {
		progress = (t.completed + t.failed) * 100 / t.Total
	}
	return BatchUpdate{
		TaskID:    t.TaskID,
		Total:     t.Total,
		Completed: t.completed,
		Failed:    t.failed,
		Progress:  progress,
		Message:   t.message,
		Status:    t.status,
	}
}

// notifyLocked 非阻塞地通知所有订阅者，调用方须持有 t.mutex
func (t *BatchTracker) notifyLocked() {
	update := t.snapshotLocked()
	for subscriber := range t.Subscribers {
		// 非阻塞发送，如果通道已满则跳过
		select {
		case subscriber <- update:
		default:
		}
	}
}
