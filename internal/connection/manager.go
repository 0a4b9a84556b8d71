package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"agent-session-sync/internal/config"
	"agent-session-sync/internal/model"
	"agent-session-sync/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotConnected     = errors.New("channel not connected")
	ErrConnectionFailed = errors.New("connection failed: reconnect attempts exhausted")
	ErrClosed           = errors.New("connection manager closed")
)

type Options struct {
	URL                  string
	Header               http.Header
	SessionID            string
	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	AutoReconnect        bool
}

// OptionsFromConfig 从配置构造连接参数
func OptionsFromConfig(url, sessionID string, c config.ConnectionConfig) Options {
	return Options{
		URL:                  url,
		SessionID:            sessionID,
		HeartbeatInterval:    c.HeartbeatInterval,
		ReconnectDelay:       c.ReconnectDelay,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		HandshakeTimeout:     c.HandshakeTimeout,
		WriteTimeout:         c.WriteTimeout,
		AutoReconnect:        c.AutoReconnect,
	}
}

type eventHandler struct {
	eventType model.EventType
	fn        func(model.Event)
}

// Manager 维护一条到服务端的 websocket 通道：心跳、有限次数重连、按事件类型分发
type Manager struct {
	opts   Options
	dialer *websocket.Dialer
	log    *logrus.Entry

	mu             sync.Mutex
	state          model.ConnectionState
	attempts       int
	conn           *websocket.Conn
	heartbeatStop  chan struct{}
	reconnectTimer *time.Timer
	closed         bool
	failed         bool
	lastErr        error

	writeMu sync.Mutex

	handlers registry[eventHandler]
	states   registry[func(model.ConnectionState)]
	errs     registry[func(error)]

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewManager 创建连接管理器，调用 Connect 之前不会拨号
func NewManager(opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		log:    logger.WithSession(opts.SessionID).WithField("component", "connection"),
		state:  model.ConnDisconnected,
		ctx:    ctx,
		cancel: cancel,
	}
}

// State 当前连接状态
func (m *Manager) State() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts 本轮已用掉的重连次数，连上后清零
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// LastError 最近一次断开或放弃重连的原因
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Subscribe 订阅某一类事件；eventType 为空时接收全部事件
func (m *Manager) Subscribe(eventType model.EventType, fn func(model.Event)) func() {
	return m.handlers.add(eventHandler{eventType: eventType, fn: fn})
}

// OnStateChange 注册状态观察者，返回取消注册的函数
func (m *Manager) OnStateChange(fn func(model.ConnectionState)) func() {
	return m.states.add(fn)
}

// OnError 只在重连次数耗尽时回调一次 ErrConnectionFailed
func (m *Manager) OnError(fn func(error)) func() {
	return m.errs.add(fn)
}

// Connect 异步建立连接，结果通过状态回调通知
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == model.ConnConnecting || m.state == model.ConnConnected {
		m.mu.Unlock()
		return nil
	}
	m.failed = false
	m.attempts = 0
	m.mu.Unlock()

	go m.dial()
	return nil
}

func (m *Manager) dial() {
	if !m.transition(model.ConnConnecting, nil) {
		return
	}

	ctx := m.ctx
	if m.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.HandshakeTimeout)
		defer cancel()
	}

	conn, resp, err := m.dialer.DialContext(ctx, m.opts.URL, m.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		m.log.WithError(err).Warn("channel dial failed")
		m.dropped(nil, model.ConnError, err)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.attempts = 0
	m.lastErr = nil
	stop := make(chan struct{})
	m.heartbeatStop = stop
	m.mu.Unlock()

	m.log.Info("channel connected")
	// 先发布 connected，读循环里的断开才会排在它之后
	if !m.transition(model.ConnConnected, nil) {
		return
	}
	go m.readLoop(conn)
	if m.opts.HeartbeatInterval > 0 {
		go m.heartbeat(conn, stop)
	}
}

// transition 设置状态并在锁外通知观察者，manager 已关闭时返回 false
func (m *Manager) transition(state model.ConnectionState, err error) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	changed := m.state != state
	m.state = state
	if err != nil {
		m.lastErr = err
	}
	m.mu.Unlock()

	if changed {
		for _, fn := range m.states.snapshot() {
			fn(state)
		}
	}
	return true
}

// dropped 处理拨号失败或连接断开：更新状态后按需安排一次重连
func (m *Manager) dropped(conn *websocket.Conn, state model.ConnectionState, cause error) {
	m.mu.Lock()
	if conn != nil {
		if m.conn != conn {
			m.mu.Unlock()
			return
		}
		m.conn = nil
		m.stopHeartbeatLocked()
	}
	m.mu.Unlock()

	if !m.transition(state, cause) {
		return
	}
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed || !m.opts.AutoReconnect || m.reconnectTimer != nil {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.opts.MaxReconnectAttempts {
		first := !m.failed
		m.failed = true
		m.lastErr = ErrConnectionFailed
		m.mu.Unlock()

		if first {
			m.log.WithField("attempts", m.opts.MaxReconnectAttempts).Error("giving up on channel reconnect")
			m.transition(model.ConnError, ErrConnectionFailed)
			for _, fn := range m.errs.snapshot() {
				fn(ErrConnectionFailed)
			}
		}
		return
	}
	m.attempts++
	attempt := m.attempts
	var timer *time.Timer
	timer = time.AfterFunc(m.opts.ReconnectDelay, func() {
		m.mu.Lock()
		if m.reconnectTimer != timer || m.closed {
			m.mu.Unlock()
			return
		}
		m.reconnectTimer = nil
		m.mu.Unlock()
		m.dial()
	})
	m.reconnectTimer = timer
	m.mu.Unlock()

	m.log.Infof("channel reconnect %d/%d in %s", attempt, m.opts.MaxReconnectAttempts, m.opts.ReconnectDelay)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

func (m *Manager) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.write(conn, model.Command{Type: model.CommandPing}); err != nil {
				m.log.WithError(err).Debug("heartbeat ping failed")
			}
		}
	}
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			state := model.ConnError
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				state = model.ConnDisconnected
			}
			m.log.WithError(err).Debug("channel read ended")
			m.dropped(conn, state, err)
			return
		}

		var ev model.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			m.log.WithError(err).Warn("dropping malformed channel payload")
			continue
		}
		if ev.Type == "" {
			m.log.Warn("dropping channel payload without type")
			continue
		}
		m.dispatch(ev)
	}
}

func (m *Manager) dispatch(ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("event_type", ev.Type).Errorf("event handler panicked: %v", r)
		}
	}()

	handled := false
	for _, h := range m.handlers.snapshot() {
		if h.eventType != "" && h.eventType != ev.Type {
			continue
		}
		handled = true
		h.fn(ev)
	}
	if !handled {
		m.log.WithField("event_type", ev.Type).Debug("ignoring unhandled channel event")
	}
}

// Send 未连接时不发送，返回 ErrNotConnected
func (m *Manager) Send(cmd model.Command) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == model.ConnConnected
	m.mu.Unlock()

	if conn == nil || !connected {
		return ErrNotConnected
	}
	return m.write(conn, cmd)
}

func (m *Manager) write(conn *websocket.Conn, cmd model.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close 停止所有定时器并关闭通道，重复调用无副作用
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		if m.reconnectTimer != nil {
			m.reconnectTimer.Stop()
			m.reconnectTimer = nil
		}
		m.stopHeartbeatLocked()
		conn := m.conn
		m.conn = nil
		changed := m.state != model.ConnDisconnected
		m.state = model.ConnDisconnected
		m.mu.Unlock()

		m.cancel()
		if conn != nil {
			m.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"))
			m.writeMu.Unlock()
			conn.Close()
		}
		if changed {
			for _, fn := range m.states.snapshot() {
				fn(model.ConnDisconnected)
			}
		}
		m.log.Debug("channel closed")
	})
	return nil
}
