package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"podgen/server/internal/model"
	"podgen/server/internal/orchestrator"
)

// ErrClosed 表示网关已关闭
var ErrClosed = errors.New("gateway closed")

// outboxSize 是每个客户端待发送消息的缓冲
const outboxSize = 64

// Controller 执行客户端发来的播放控制（由 playback.Sequencer 实现）
type Controller interface {
	PlayNext() error
	TogglePlay() error
	Stop() error
	SeekTo(index int) error
}

// SnapshotFunc 返回新连接需要先收到的状态
type SnapshotFunc func() []ServerMessage

// Config 网关配置
type Config struct {
	// AllowedOrigins 为空时允许任意来源
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
}

// Hub 是浏览器与服务端之间的 WebSocket 状态通道
// 职责：
// 1. 把生成进度和播放状态推送给所有连接
// 2. 把客户端的播放控制转给 Controller
// 3. 承载 RemoteDevice：播放指令下发给浏览器，浏览器回报 loaded/ended/error
//
// 所有推送都是非阻塞的：每个连接有独立的发送协程，缓冲满时丢弃并记录日志。
type Hub struct {
	config   Config
	upgrader websocket.Upgrader
	device   *RemoteDevice
	logger   *log.Logger

	controller atomic.Pointer[Controller]
	snapshot   atomic.Pointer[SnapshotFunc]

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool

	seq atomic.Int64
}

// NewHub 创建网关
func NewHub(config Config, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	h := &Hub{
		config:  config,
		logger:  logger,
		clients: make(map[string]*client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	h.device = newRemoteDevice(h, logger)
	return h
}

// Device 返回由浏览器出声的播放设备
func (h *Hub) Device() *RemoteDevice { return h.device }

// SetController 设置播放控制的执行者
func (h *Hub) SetController(c Controller) { h.controller.Store(&c) }

// SetSnapshot 设置新连接的初始状态来源
func (h *Hub) SetSnapshot(fn SnapshotFunc) { h.snapshot.Store(&fn) }

// Clients 返回当前连接数
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP 升级为 WebSocket 并阻塞到连接关闭
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("[Gateway] ❌ upgrade failed: %v", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		hub:    h,
		conn:   conn,
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Printf("[Gateway] 🔌 client connected: %s (total: %d)", c.id, total)

	go c.writeLoop()

	c.send(h.stamp(ServerMessage{Type: TypeHello, ClientID: c.id}))
	if fn := h.snapshot.Load(); fn != nil && *fn != nil {
		for _, msg := range (*fn)() {
			c.send(h.stamp(msg))
		}
	}
	for _, msg := range h.device.replay() {
		c.send(h.stamp(msg))
	}

	c.readLoop()
}

// PublishGeneration 推送一次生成状态变化
func (h *Hub) PublishGeneration(u orchestrator.Update) {
	h.Broadcast(ServerMessage{Type: TypeGeneration, Generation: &u})
}

// PublishPlayback 推送播放器状态；可直接作为 Sequencer.OnChange 的监听函数
func (h *Hub) PublishPlayback(s model.PlaybackState) {
	h.Broadcast(ServerMessage{Type: TypePlayback, Playback: &s})
}

// Forward 把订阅通道里的更新持续推送出去，通道关闭后返回
func (h *Hub) Forward(updates <-chan orchestrator.Update) {
	for u := range updates {
		h.PublishGeneration(u)
	}
}

// Broadcast 发送给所有连接，不阻塞
func (h *Hub) Broadcast(msg ServerMessage) {
	data, err := json.Marshal(h.stamp(msg))
	if err != nil {
		h.logger.Printf("[Gateway] ❌ marshal %s: %v", msg.Type, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.enqueue(data)
	}
}

// Close 断开所有连接
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.logger.Printf("[Gateway] closed (%d clients)", len(clients))
	return nil
}

// stamp 分配序号和时间戳
func (h *Hub) stamp(msg ServerMessage) ServerMessage {
	msg.Seq = h.seq.Add(1)
	if msg.ServerTS.IsZero() {
		msg.ServerTS = time.Now()
	}
	return msg
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	remaining := len(h.clients)
	h.mu.Unlock()
	h.logger.Printf("[Gateway] 🔌 client disconnected: %s (remaining: %d)", c.id, remaining)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(h.config.AllowedOrigins, origin) || slices.Contains(h.config.AllowedOrigins, "*")
}

// handle 处理一条客户端消息
func (h *Hub) handle(c *client, data []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("unmarshal client message: %w", err)
	}

	switch msg.Type {
	case TypeAudioLoaded, TypeAudioEnded, TypeAudioFailed:
		h.device.dispatch(msg)
		return nil
	case TypeToggle, TypeStop, TypeSeek, TypePlayNext:
		return h.control(msg)
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (h *Hub) control(msg ClientMessage) error {
	p := h.controller.Load()
	if p == nil || *p == nil {
		return errors.New("playback is not available")
	}
	ctrl := *p

	var err error
	switch msg.Type {
	case TypeToggle:
		err = ctrl.TogglePlay()
	case TypeStop:
		err = ctrl.Stop()
	case TypeSeek:
		err = ctrl.SeekTo(msg.Index)
	case TypePlayNext:
		err = ctrl.PlayNext()
	}
	if err != nil {
		return fmt.Errorf("%s: %w", msg.Type, err)
	}
	return nil
}

// client 是一个浏览器连接
type client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	outbox chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// readLoop 读取客户端消息直到连接断开
func (c *client) readLoop() {
	defer c.close()

	cfg := c.hub.config
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.done:
				default:
					c.hub.logger.Printf("[Gateway] client %s read error: %v", c.id, err)
				}
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		if messageType != websocket.TextMessage {
			continue
		}
		if err := c.hub.handle(c, data); err != nil {
			c.hub.logger.Printf("[Gateway] ⚠️  client %s: %v", c.id, err)
			// 回报错误但不断开连接
			c.send(c.hub.stamp(ServerMessage{Type: TypeError, Error: err.Error()}))
		}
	}
}

// writeLoop 是唯一写连接的协程，同时负责 ping
func (c *client) writeLoop() {
	cfg := c.hub.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			_ = c.conn.Close()
			return
		case data := <-c.outbox:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.logger.Printf("[Gateway] client %s write error: %v", c.id, err)
				go c.close()
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
				go c.close()
			}
		}
	}
}

func (c *client) send(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Printf("[Gateway] ❌ marshal %s: %v", msg.Type, err)
		return
	}
	c.enqueue(data)
}

func (c *client) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.outbox <- data:
	default:
		c.hub.logger.Printf("[Gateway] ⚠️  client %s outbox full, message dropped", c.id)
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.remove(c)
	})
}
