package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub 负责管理所有的 WebSocket 客户端连接，并向它们广播工站状态
type Hub struct {
	clients    map[*websocket.Conn]bool // 存储所有活跃的客户端连接
	broadcast  chan []byte              // 广播通道
	register   chan *websocket.Conn     // 注册通道，用于接收新连接
	unregister chan *websocket.Conn     // 注销通道，用于处理断开的连接
	mu         sync.Mutex               // 保护 clients
	stopped    chan struct{}            // Run 退出后关闭
	pumps      sync.WaitGroup           // 读协程
	logger     *slog.Logger

	// OnConnect 在新连接注册后调用，用于推送一次全量快照
	OnConnect func(conn *websocket.Conn)
}

// NewHub 创建一个新的 Hub 实例
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]bool),
		stopped:    make(chan struct{}),
		logger:     logger.With("component", "ws_hub"),
	}
}

// Run 启动 Hub 的主循环，直到 done 关闭
func (h *Hub) Run(done <-chan struct{}) {
	defer close(h.stopped)
	for {
		select {
		case <-done:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			if h.OnConnect != nil {
				h.OnConnect(conn)
			}
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.logger.Warn("写入 WebSocket 失败", "error", err)
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients 当前连接数
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// BroadcastState 将状态序列化为 JSON 并发送到广播通道
// 通道已满时丢弃本次消息，下一次时钟刷新会带上最新状态
func (h *Hub) BroadcastState(state interface{}) {
	message, err := json.Marshal(state)
	if err != nil {
		h.logger.Error("序列化状态失败", "error", err)
		return
	}
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("广播通道已满，丢弃消息")
	}
}

// upgrader 将普通的 HTTP 连接升级为 WebSocket 连接
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 车间终端在内网，允许所有来源
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs 处理来自车间终端的 WebSocket 请求
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("升级 WebSocket 失败", "error", err)
		return
	}
	h.pumps.Add(1)
	select {
	case h.register <- conn:
	case <-h.stopped:
		conn.Close()
		h.pumps.Done()
		return
	}
	go h.readPump(conn)
}

// Wait 等待所有读协程退出，在 Run 返回后调用
func (h *Hub) Wait() {
	h.pumps.Wait()
}

// readPump 丢弃客户端消息，只用于发现断开的连接
// Hub 已停止时不再注销，直接关闭连接
func (h *Hub) readPump(conn *websocket.Conn) {
	defer h.pumps.Done()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			select {
			case h.unregister <- conn:
			case <-h.stopped:
				conn.Close()
			}
			return
		}
	}
}
