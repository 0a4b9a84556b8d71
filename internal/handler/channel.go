package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"agent-session-sync/internal/model"
	"agent-session-sync/internal/service"
	"agent-session-sync/internal/utils"
	"agent-session-sync/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxCommandSize = 64 << 10
	sseKeepAlive   = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Channel 会话推送通道：websocket 双向，SSE 只读
func (h *SessionHandler) Channel(c *gin.Context) {
	sessionID := c.Param("session_id")
	if _, err := h.sessions.Snapshot(sessionID); err != nil {
		respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WithSession(sessionID).WithError(err).Warn("websocket upgrade failed")
		return
	}

	hub := h.sessions.Hub()
	client := hub.Register(sessionID)
	log := logger.WithSession(sessionID)
	log.Debug("channel client connected")

	go writePump(conn, client)

	defer func() {
		hub.Unregister(client)
		conn.Close()
		log.Debug("channel client disconnected")
	}()

	conn.SetReadLimit(maxCommandSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd model.Command
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type == "" {
			log.Warn("dropping malformed channel command")
			continue
		}
		for _, ev := range h.sessions.HandleCommand(sessionID, cmd) {
			client.SendEvent(ev)
		}
	}
}

// writePump 唯一的写协程，gorilla 连接不支持并发写
func writePump(conn *websocket.Conn, client *service.Client) {
	for {
		select {
		case <-client.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
			return
		case data := <-client.Messages():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.WithSession(client.SessionID).WithError(err).Debug("channel write failed")
				conn.Close()
				return
			}
		}
	}
}

// Events 只读的 SSE 事件流，事件名即事件类型
func (h *SessionHandler) Events(c *gin.Context) {
	sessionID := c.Param("session_id")
	snap, err := h.sessions.Snapshot(sessionID)
	if err != nil {
		respondError(c, err)
		return
	}

	hub := h.sessions.Hub()
	client := hub.Register(sessionID)
	defer hub.Unregister(client)

	sse := utils.NewSSEWriter(c.Writer)
	c.Status(http.StatusOK)

	if ev, err := model.NewEvent(model.EventSessionSnapshot, sessionID, snap); err == nil {
		if err := writeSSE(sse, ev); err != nil {
			return
		}
	}

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := sse.Comment("keepalive"); err != nil {
				return
			}
		case data := <-client.Messages():
			var ev model.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			if err := sse.Write(string(ev.Type), string(data)); err != nil {
				return
			}
		}
	}
}

func writeSSE(sse *utils.SSEWriter, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return sse.Write(string(ev.Type), string(data))
}
