package service

import (
	"encoding/json"
	"sync"

	"agent-session-sync/internal/model"
	"agent-session-sync/pkg/logger"
)

// Client 一个订阅了会话事件的连接（websocket 或 SSE）
type Client struct {
	SessionID string
	send      chan []byte
	done      chan struct{}
	once      sync.Once
}

// Messages 待写出的事件
func (c *Client) Messages() <-chan []byte {
	return c.send
}

// Done 客户端注销后关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send 非阻塞发送，缓冲区满时丢弃并返回 false
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		logger.WithSession(c.SessionID).Warn("client buffer full, dropping event")
		return false
	}
}

// SendEvent 序列化后发送
func (c *Client) SendEvent(ev model.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("Failed to marshal event %s: %v", ev.Type, err)
		return false
	}
	return c.Send(data)
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub 按会话分组广播通道事件
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	buffer  int
}

// NewHub 创建推送中心，buffer 是每个客户端的发送缓冲
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		buffer:  buffer,
	}
}

// Register 为会话登记一个推送客户端
func (h *Hub) Register(sessionID string) *Client {
	c := &Client{
		SessionID: sessionID,
		send:      make(chan []byte, h.buffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[sessionID] == nil {
		h.clients[sessionID] = make(map[*Client]struct{})
	}
	h.clients[sessionID][c] = struct{}{}
	return c
}

// Unregister 注销客户端并关闭 Done，可重复调用
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if set, ok := h.clients[c.SessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.SessionID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// Count 会话当前的客户端数
func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[sessionID])
}

// Broadcast 发给会话的所有连接
func (h *Hub) Broadcast(ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("Failed to marshal event %s: %v", ev.Type, err)
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[ev.SessionID]))
	for c := range h.clients[ev.SessionID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Send(data)
	}
}

// CloseAll 关闭全部连接，服务退出时调用
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := h.clients
	h.clients = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for c := range set {
			c.close()
		}
	}
}
