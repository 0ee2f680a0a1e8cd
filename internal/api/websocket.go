// internal/api/websocket.go
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Lorewright/DialogForge/internal/models"
	"github.com/Lorewright/DialogForge/internal/services"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 服务与编辑器同机部署，跨域来源不做限制
		return true
	},
}

const (
	wsWriteWait     = 10 * time.Second
	wsPongWait      = 60 * time.Second
	wsPingPeriod    = 54 * time.Second // 必须小于 wsPongWait
	wsSendBuffer    = 256
	wsCleanupPeriod = 30 * time.Second
)

// WebSocketClient 表示一个已升级的历史事件流客户端
type WebSocketClient struct {
	conn      *websocket.Conn
	send      chan []byte
	stop      chan struct{}
	stopOnce  sync.Once
	lastPong  int64 // UnixNano，由读协程与清理协程并发访问
	createdAt time.Time
}

// Close 安全关闭客户端连接，可重复调用
func (client *WebSocketClient) Close() {
	client.stopOnce.Do(func() {
		close(client.stop)
		client.conn.Close()
	})
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	select {
	case <-client.stop:
		return true
	default:
		return false
	}
}

// markPong 更新最后一次收到客户端响应的时间
func (client *WebSocketClient) markPong() {
	atomic.StoreInt64(&client.lastPong, time.Now().UnixNano())
}

// expired 检查连接是否超过心跳超时
func (client *WebSocketClient) expired(timeout time.Duration) bool {
	if timeout <= 0 {
		return true
	}
	last := time.Unix(0, atomic.LoadInt64(&client.lastPong))
	return time.Since(last) > timeout
}

// WebSocketManager 管理历史事件流的全部客户端连接
// 生成落账产生的新记录会实时推送给所有已连接客户端，流是单向的。
type WebSocketManager struct {
	history     *services.HistoryService
	logger      *zap.Logger
	register    chan *WebSocketClient
	unregister  chan *WebSocketClient
	clients     map[*WebSocketClient]struct{}
	mutex       sync.RWMutex
	pingTimeout time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewWebSocketManager 创建历史事件流管理器
func NewWebSocketManager(history *services.HistoryService, logger *zap.Logger) *WebSocketManager {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebSocketManager{
		history:     history,
		logger:      logger,
		register:    make(chan *WebSocketClient, 256),
		unregister:  make(chan *WebSocketClient, 256),
		clients:     make(map[*WebSocketClient]struct{}),
		pingTimeout: wsPongWait,
		stop:        make(chan struct{}),
	}
}

// Run 运行管理器主循环，需在独立 goroutine 中启动
func (manager *WebSocketManager) Run() {
	// history 为 nil 时 items 保持 nil，对应分支永不触发
	var items chan models.AIHistoryItem
	if manager.history != nil {
		items = manager.history.Subscribe()
		defer manager.history.Unsubscribe(items)
	}

	ticker := time.NewTicker(wsCleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case client := <-manager.register:
			manager.addClient(client)

		case client := <-manager.unregister:
			manager.removeClient(client)

		case item := <-items:
			manager.broadcastHistory(item)

		case <-ticker.C:
			manager.dropExpiredClients()

		case <-manager.stop:
			manager.shutdown()
			return
		}
	}
}

// Shutdown 通知主循环退出并断开所有客户端
func (manager *WebSocketManager) Shutdown() {
	manager.stopOnce.Do(func() {
		close(manager.stop)
	})
}

// HandleConnection 把HTTP请求升级为历史事件流连接
// 读循环在当前 goroutine 运行，请求在连接断开前不会返回。
func (manager *WebSocketManager) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		manager.logger.Error("❌ WebSocket 升级失败", zap.Error(err))
		return
	}

	client := &WebSocketClient{
		conn:      conn,
		send:      make(chan []byte, wsSendBuffer),
		stop:      make(chan struct{}),
		createdAt: time.Now(),
	}
	client.markPong()

	select {
	case manager.register <- client:
	default:
		manager.logger.Error("❌ 无法注册 WebSocket 客户端，注册通道已满")
		conn.Close()
		return
	}

	go manager.writePump(client)

	manager.sendToClient(client, map[string]interface{}{
		"type":      "connected",
		"message":   "历史事件流已连接",
		"timestamp": time.Now().Format(time.RFC3339),
	})

	manager.readPump(client)
}

// Status 获取管理器状态
func (manager *WebSocketManager) Status() map[string]interface{} {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()

	active := 0
	for client := range manager.clients {
		if !client.IsClosed() {
			active++
		}
	}

	return map[string]interface{}{
		"connections":          active,
		"ping_timeout_seconds": int(manager.pingTimeout.Seconds()),
	}
}

// ----------------------------------------
// 管理器内部方法，除 sendToClient 与 pump 外都只在主循环 goroutine 执行
// ----------------------------------------

func (manager *WebSocketManager) addClient(client *WebSocketClient) {
	if client == nil {
		return
	}

	manager.mutex.Lock()
	manager.clients[client] = struct{}{}
	manager.mutex.Unlock()

	manager.logger.Info("✅ WebSocket 客户端已连接历史事件流")
}

func (manager *WebSocketManager) removeClient(client *WebSocketClient) {
	if client == nil {
		return
	}

	manager.mutex.Lock()
	delete(manager.clients, client)
	manager.mutex.Unlock()

	client.Close()
	manager.logger.Info("🔌 WebSocket 客户端已断开连接")
}

// dropExpiredClients 清理心跳超时或已关闭的连接
func (manager *WebSocketManager) dropExpiredClients() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	for client := range manager.clients {
		if client.IsClosed() || client.expired(manager.pingTimeout) {
			client.Close()
			delete(manager.clients, client)
		}
	}
}

// broadcastHistory 把新的历史记录推送给所有客户端
func (manager *WebSocketManager) broadcastHistory(item models.AIHistoryItem) {
	payload, err := json.Marshal(map[string]interface{}{
		"type":      "history_appended",
		"data":      item,
		"timestamp": time.Now().Format(time.RFC3339),
	})
	if err != nil {
		manager.logger.Error("❌ 序列化历史推送失败", zap.Error(err))
		return
	}

	manager.mutex.RLock()
	defer manager.mutex.RUnlock()

	for client := range manager.clients {
		if client.IsClosed() {
			continue
		}
		select {
		case client.send <- payload:
		default:
			// 消费方掉队时丢弃消息而非阻塞广播
			manager.logger.Warn("⚠️ 客户端消息队列已满，消息被丢弃")
		}
	}
}

func (manager *WebSocketManager) shutdown() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	manager.logger.Info("🛑 正在关闭 WebSocket 管理器...")

	for client := range manager.clients {
		client.Close()
	}
	manager.clients = make(map[*WebSocketClient]struct{})

	manager.logger.Info("✅ WebSocket 管理器已关闭")
}

// sendToClient 非阻塞地向单个客户端投递消息
func (manager *WebSocketManager) sendToClient(client *WebSocketClient, message map[string]interface{}) {
	if client.IsClosed() {
		return
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return
	}

	select {
	case client.send <- payload:
	default:
		manager.logger.Warn("⚠️ 客户端消息队列已满，消息被丢弃")
	}
}

// readPump 处理客户端读取，连接断开时负责注销
// 事件流单向推送，入站消息只用于维持心跳。
func (manager *WebSocketManager) readPump(client *WebSocketClient) {
	defer func() {
		select {
		case manager.unregister <- client:
		case <-time.After(time.Second):
			client.Close()
		}
	}()

	client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		client.markPong()
		client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				manager.logger.Warn("WebSocket 读取错误", zap.Error(err))
			}
			return
		}

		client.markPong()
		client.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var message map[string]interface{}
		if err := json.Unmarshal(payload, &message); err != nil {
			continue
		}

		if msgType, _ := message["type"].(string); msgType == "ping" {
			manager.sendToClient(client, map[string]interface{}{
				"type":      "pong",
				"timestamp": time.Now().Unix(),
			})
		}
	}
}

// writePump 处理客户端写入与定期 ping
func (manager *WebSocketManager) writePump(client *WebSocketClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		client.Close()
	}()

	for {
		select {
		case payload := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				manager.logger.Warn("WebSocket 写入失败", zap.Error(err))
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-client.stop:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			client.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
