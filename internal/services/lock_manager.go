// internal/services/lock_manager.go
package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// RequestLimiter 推理请求的准入控制：
// 全局并发上限 + 按节点键的互斥串行化。
// 排队顺序为 FIFO，任务错误原样向上传递，这里不缓存任何结果。
type RequestLimiter struct {
	nodeLocks     map[string]*nodeLockInfo
	globalLock    sync.RWMutex
	sem           *semaphore.Weighted
	inflight      int64
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// nodeLockInfo 包装锁和最近使用时间
type nodeLockInfo struct {
	mutex    *sync.Mutex
	lastUsed time.Time
}

// NewRequestLimiter 创建准入控制器
func NewRequestLimiter(maxConcurrent int64) *RequestLimiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	rl := &RequestLimiter{
		nodeLocks:   make(map[string]*nodeLockInfo),
		sem:         semaphore.NewWeighted(maxConcurrent),
		stopCleanup: make(chan struct{}),
	}

	rl.startCleanup()
	return rl
}

// Execute 在准入控制下执行任务
// key 非空时，相同 key 的任务彼此串行（同一节点的 improve 与 recreate 不会交错）
func (rl *RequestLimiter) Execute(ctx context.Context, key string, task func(context.Context) error) error {
	if key != "" {
		lock := rl.getNodeLock(key)
		lock.Lock()
		defer lock.Unlock()
	}

	if err := rl.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	atomic.AddInt64(&rl.inflight, 1)
	defer func() {
		atomic.AddInt64(&rl.inflight, -1)
		rl.sem.Release(1)
	}()

	return task(ctx)
}

// InFlight 返回当前在途任务数
func (rl *RequestLimiter) InFlight() int64 {
	return atomic.LoadInt64(&rl.inflight)
}

// Close 停止后台锁清理
func (rl *RequestLimiter) Close() {
	rl.stopOnce.Do(func() {
		if rl.cleanupTicker != nil {
			rl.cleanupTicker.Stop()
		}
		close(rl.stopCleanup)
	})
}

// getNodeLock 获取节点锁（线程安全）
func (rl *RequestLimiter) getNodeLock(key string) *sync.Mutex {
	rl.globalLock.RLock()
	if info, exists := rl.nodeLocks[key]; exists {
		rl.globalLock.RUnlock()
		info.lastUsed = time.Now()
		return info.mutex
	}
	rl.globalLock.RUnlock()

	// 升级为写锁
	rl.globalLock.Lock()
	defer rl.globalLock.Unlock()

	// 双重检查（在写锁保护下是安全的）
	if info, exists := rl.nodeLocks[key]; exists {
		info.lastUsed = time.Now()
		return info.mutex
	}

	info := &nodeLockInfo{
		mutex:    &sync.Mutex{},
		lastUsed: time.Now(),
	}
	rl.nodeLocks[key] = info
	return info.mutex
}

// 定期清理长时间未使用的节点锁
func (rl *RequestLimiter) startCleanup() {
	rl.cleanupTicker = time.NewTicker(5 * time.Minute)
	go func() {
		for {
			select {
			case <-rl.stopCleanup:
				return
			case <-rl.cleanupTicker.C:
				rl.cleanupUnusedLocks()
			}
		}
	}()
}

func (rl *RequestLimiter) cleanupUnusedLocks() {
	rl.globalLock.Lock()
	defer rl.globalLock.Unlock()

	const maxLocks = 200
	const lockTimeout = 30 * time.Minute

	// 只有在锁数量过多时才清理
	if len(rl.nodeLocks) <= maxLocks {
		return
	}

	now := time.Now()
	for key, info := range rl.nodeLocks {
		if now.Sub(info.lastUsed) > lockTimeout {
			delete(rl.nodeLocks, key)
		}
	}
}
