package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
)

// InboxLookup 用于确认订阅的收件箱仍然有效
type InboxLookup interface {
	Get(address string) (*domain.Inbox, error)
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	hubTick        = 30 * time.Second
	sendBufferSize = 64
	previewLength  = 100
)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || origin == requestOrigin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeNewMail     MessageType = "new_mail"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeError       MessageType = "error"
	MessageTypeExpired     MessageType = "expired"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Address   string          `json:"address,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMailData 新邮件通知数据
type NewMailData struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	FromName   string    `json:"fromName,omitempty"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	Preview    string    `json:"preview,omitempty"`
	HasHTML    bool      `json:"hasHtml"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	ID        string
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	addresses map[string]bool // 只由 Hub.Run 协程访问
	initial   string
	log       *zap.Logger
}

type subscription struct {
	client  *Client
	address string
	add     bool
}

type broadcastMessage struct {
	address string
	payload []byte
}

// Hub 管理所有WebSocket连接，按收件箱地址分发新邮件通知
type Hub struct {
	clients        map[string]*Client            // clientID -> Client
	inboxes        map[string]map[string]*Client // address -> clientID -> Client
	register       chan *Client
	unregister     chan *Client
	subscriptions  chan subscription
	broadcast      chan broadcastMessage
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
	lookup         InboxLookup
	tick           time.Duration // 应用层 ping 与过期订阅清理的周期
	done           chan struct{}
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，用于 WebSocket 连接验证
//   - lookup: 收件箱查询，用于校验订阅地址
//   - logger: 日志
func NewHub(allowedOrigins []string, lookup InboxLookup, logger *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		inboxes:        make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		subscriptions:  make(chan subscription),
		broadcast:      make(chan broadcastMessage, 256),
		log:            logger.Named("websocket"),
		allowedOrigins: allowedOrigins,
		lookup:         lookup,
		tick:           hubTick,
		done:           make(chan struct{}),
	}
}

// Run 启动Hub，ctx 结束后关闭所有连接并返回
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.tick)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			h.log.Info("websocket hub stopped")
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.subscribe(client, client.initial)
			h.log.Debug("client registered", zap.String("id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case sub := <-h.subscriptions:
			if sub.add {
				h.subscribe(sub.client, sub.address)
			} else {
				h.unsubscribe(sub.client, sub.address)
			}

		case msg := <-h.broadcast:
			h.broadcastToInbox(msg.address, msg.payload)

		case <-ticker.C:
			h.pruneExpired()
			h.pingAllClients()
		}
	}
}

// NotifyNewMail 通知订阅了该地址的客户端
//
// 队列已满时丢弃并返回 false，不阻塞调用方。
func (h *Hub) NotifyNewMail(address string, message *domain.Message) bool {
	data, err := json.Marshal(NewMailData{
		ID:         message.ID,
		From:       message.From,
		FromName:   message.FromName,
		To:         message.To,
		Subject:    message.Subject,
		Preview:    message.Preview(previewLength),
		HasHTML:    message.HTML != "",
		ReceivedAt: message.ReceivedAt,
	})
	if err != nil {
		h.log.Error("failed to marshal new mail data", zap.Error(err))
		return false
	}

	payload, err := json.Marshal(&Message{
		Type:      MessageTypeNewMail,
		Address:   address,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return false
	}

	select {
	case h.broadcast <- broadcastMessage{address: address, payload: payload}:
		return true
	default:
		h.log.Warn("broadcast queue full, dropping notification", zap.String("address", address))
		return false
	}
}

// Subscribers 返回订阅某地址的客户端数量
func (h *Hub) Subscribers(address string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.inboxes[domain.NormalizeAddress(address)])
}

// ClientCount 返回当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) subscribe(c *Client, address string) {
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	if address == "" {
		c.sendError("address is required")
		return
	}
	if _, err := h.lookup.Get(address); err != nil {
		c.sendError("inbox not found")
		return
	}

	c.addresses[address] = true
	h.mu.Lock()
	if h.inboxes[address] == nil {
		h.inboxes[address] = make(map[string]*Client)
	}
	h.inboxes[address][c.ID] = c
	h.mu.Unlock()

	c.sendMessage(&Message{
		Type:      MessageTypeSubscribed,
		Address:   address,
		Timestamp: time.Now().UTC(),
	})
}

func (h *Hub) unsubscribe(c *Client, address string) {
	delete(c.addresses, address)

	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.inboxes[address]; ok {
		delete(clients, c.ID)
		if len(clients) == 0 {
			delete(h.inboxes, address)
		}
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	for address := range c.addresses {
		if clients, ok := h.inboxes[address]; ok {
			delete(clients, c.ID)
			if len(clients) == 0 {
				delete(h.inboxes, address)
			}
		}
	}
	delete(h.clients, c.ID)
	close(c.send)
	h.log.Debug("client unregistered", zap.String("id", c.ID))
}

// broadcastToInbox 向订阅特定地址的客户端广播消息
func (h *Hub) broadcastToInbox(address string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.inboxes[address] {
		select {
		case client.send <- payload:
		default:
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
	}
}

// pruneExpired 移除已过期收件箱的订阅，并通知仍在订阅的客户端
func (h *Hub) pruneExpired() {
	h.mu.RLock()
	addresses := make([]string, 0, len(h.inboxes))
	for address := range h.inboxes {
		addresses = append(addresses, address)
	}
	h.mu.RUnlock()

	for _, address := range addresses {
		if _, err := h.lookup.Get(address); err == nil {
			continue
		}

		h.mu.Lock()
		clients := h.inboxes[address]
		delete(h.inboxes, address)
		h.mu.Unlock()

		for _, client := range clients {
			delete(client.addresses, address)
			client.sendMessage(&Message{
				Type:      MessageTypeExpired,
				Address:   address,
				Timestamp: time.Now().UTC(),
			})
		}
		h.log.Debug("dropped subscriptions of expired inbox",
			zap.String("address", address),
			zap.Int("clients", len(clients)),
		)
	}
}

// pingAllClients 向所有客户端发送应用层 ping
func (h *Hub) pingAllClients() {
	data, err := json.Marshal(&Message{Type: MessageTypePing, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.inboxes = make(map[string]map[string]*Client)
}

// HandleWebSocket 处理WebSocket连接，?address= 指定首个订阅的收件箱
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		address := domain.NormalizeAddress(c.Query("address"))
		if address == "" {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "msg": "address is required"})
			return
		}
		if _, err := hub.lookup.Get(address); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "msg": "inbox not found"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:        uuid.NewString(),
			conn:      conn,
			send:      make(chan []byte, sendBufferSize),
			hub:       hub,
			addresses: make(map[string]bool),
			initial:   address,
			log:       hub.log,
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			_ = conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", zap.Error(err))
			}
			return
		}
		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe, MessageTypeUnsubscribe:
		sub := subscription{
			client:  c,
			address: domain.NormalizeAddress(msg.Address),
			add:     msg.Type == MessageTypeSubscribe,
		}
		select {
		case c.hub.subscriptions <- sub:
		case <-c.hub.done:
		}
	case MessageTypePong:
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	default:
		c.log.Debug("unknown message type", zap.String("type", string(msg.Type)))
	}
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{
		Type:      MessageTypeError,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
}

// sendMessage 发送消息给客户端，只在 Hub.Run 协程中调用
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("clientID", c.ID))
	}
}
